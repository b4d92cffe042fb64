// Command babelor runs pipeline stages and submits envelopes to them.
//
// Usage:
//
//	babelor run  [-config babelor.toml] [-role all|sender|treater|encrypter|receiver]
//	babelor send [-config babelor.toml] [-to tcp://127.0.0.1:3001/sender] [-dir .] [-inline] label...
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/strtrek/babelor-engine/config"
	"github.com/strtrek/babelor-engine/logging"
	"github.com/strtrek/babelor-engine/metrics"
	"github.com/strtrek/babelor-engine/stage"
)

const (
	Version = "0.1.0"
	Name    = "babelor"
)

func main() {
	logging.ConfigureRuntime()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "send":
		err = sendCommand(os.Args[2:])
	case "version":
		fmt.Printf("%s v%s\n", Name, Version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(os.Args[1] + " failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s run|send|version [flags]\n", Name)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (.toml, .yaml)")
	role := fs.String("role", "all", "stage to run: all, sender, treater, encrypter or receiver")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	entries, err := selectStages(cfg, *role)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg, cfg.Metrics.Namespace)

		srv := metrics.NewServer(cfg.Metrics.Addr, reg)
		srv.StartAsync()
		defer srv.Stop()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server started")
	}

	var started []*stage.Stage
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				log.Warn().Err(err).Str("role", string(started[i].Config().Role)).Msg("stop failed")
			}
		}
	}()

	// Downstream stages start first so forwarding finds a listener.
	for i := len(entries) - 1; i >= 0; i-- {
		sc := entries[i]
		s, err := buildStage(cfg, sc, m, logging.Component("stage"))
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
		started = append(started, s)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}
