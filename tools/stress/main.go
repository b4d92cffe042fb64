package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/logging"
	"github.com/strtrek/babelor-engine/message"
	"github.com/strtrek/babelor-engine/stage"
)

// StressConfig holds configuration for the stress run.
type StressConfig struct {
	Target      string
	Format      string
	Concurrency int
	Count       int
	Duration    time.Duration
	Units       int
	UnitSize    int
	ReportFile  string
}

// StressResult holds the results of a stress run.
type StressResult struct {
	Sent            int64
	Failed          int64
	Bytes           int64
	TotalDuration   time.Duration
	AvgLatency      time.Duration
	MaxLatency      time.Duration
	EnvelopesPerSec float64
}

func main() {
	logging.ConfigureRuntime()
	cfg := parseFlags()

	dst, err := address.Parse(cfg.Target)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid target")
	}
	format, err := message.ParseFormat(cfg.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid format")
	}

	fmt.Println("=== babelor stage stress test ===")
	fmt.Printf("Target:      %s\n", dst.Endpoint())
	fmt.Printf("Format:      %s\n", format)
	fmt.Printf("Concurrency: %d workers\n", cfg.Concurrency)
	fmt.Printf("Envelope:    %d units x %d bytes\n", cfg.Units, cfg.UnitSize)
	fmt.Println()

	payload, err := samplePayload(dst, format, cfg.Units, cfg.UnitSize)
	if err != nil {
		log.Fatal().Err(err).Msg("build sample envelope")
	}

	result := run(cfg, dst.Endpoint(), payload)
	printResults(result)

	if cfg.ReportFile != "" {
		saveReport(cfg, result)
	}
}

func parseFlags() StressConfig {
	cfg := StressConfig{}

	flag.StringVar(&cfg.Target, "to", stage.RoleSender.Address("127.0.0.1").String(), "stage address")
	flag.StringVar(&cfg.Format, "format", "json", "wire format: json, xml or arrow")
	flag.IntVar(&cfg.Concurrency, "c", 10, "number of concurrent senders")
	flag.IntVar(&cfg.Count, "n", 0, "total envelopes (0 = run for -d)")
	flag.DurationVar(&cfg.Duration, "d", 10*time.Second, "duration of the run")
	flag.IntVar(&cfg.Units, "units", 3, "data units per envelope")
	flag.IntVar(&cfg.UnitSize, "size", 1024, "bytes per data unit")
	flag.StringVar(&cfg.ReportFile, "o", "", "output report file (JSON)")

	flag.Parse()
	return cfg
}

// samplePayload serializes one envelope that every sender reuses.
func samplePayload(dst *address.Address, f message.Format, units, size int) ([]byte, error) {
	e := message.New(message.DefaultConfig()).
		SetCase(message.NewCaseID()).
		SetActivity("stress").
		SetDestination(dst)
	text := strings.Repeat("x", size)
	for i := 0; i < units; i++ {
		e.AddText(text, fmt.Sprintf("unit-%03d.txt", i))
	}
	return message.Marshal(e, f)
}

func run(cfg StressConfig, endpoint string, payload []byte) StressResult {
	var (
		sent, failed int64
		latencySum   int64
		maxLatency   int64
		remaining    = int64(cfg.Count)
		wg           sync.WaitGroup
		stop         = make(chan struct{})
	)

	start := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			dialer := stage.NewDialer(fmt.Sprintf("stress-%d", id))
			defer dialer.Close()

			for {
				select {
				case <-stop:
					return
				default:
				}
				if cfg.Count > 0 && atomic.AddInt64(&remaining, -1) < 0 {
					return
				}

				t0 := time.Now()
				if err := dialer.Send(endpoint, payload); err != nil {
					atomic.AddInt64(&failed, 1)
					time.Sleep(10 * time.Millisecond)
					continue
				}
				lat := int64(time.Since(t0))
				atomic.AddInt64(&sent, 1)
				atomic.AddInt64(&latencySum, lat)
				for {
					old := atomic.LoadInt64(&maxLatency)
					if lat <= old || atomic.CompareAndSwapInt64(&maxLatency, old, lat) {
						break
					}
				}
			}
		}(i)
	}

	if cfg.Count > 0 {
		wg.Wait()
	} else {
		time.Sleep(cfg.Duration)
		close(stop)
		wg.Wait()
	}

	elapsed := time.Since(start)
	result := StressResult{
		Sent:            sent,
		Failed:          failed,
		Bytes:           sent * int64(len(payload)),
		TotalDuration:   elapsed,
		MaxLatency:      time.Duration(maxLatency),
		EnvelopesPerSec: float64(sent) / elapsed.Seconds(),
	}
	if sent > 0 {
		result.AvgLatency = time.Duration(latencySum / sent)
	}
	return result
}

func printResults(r StressResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:      %v\n", r.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Sent:          %d\n", r.Sent)
	fmt.Printf("Failed:        %d\n", r.Failed)
	fmt.Printf("Envelopes/sec: %.2f\n", r.EnvelopesPerSec)
	fmt.Printf("MB/sec:        %.2f\n", float64(r.Bytes)/r.TotalDuration.Seconds()/(1<<20))
	fmt.Printf("Avg send:      %v\n", r.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Max send:      %v\n", r.MaxLatency.Round(time.Microsecond))
}

func saveReport(cfg StressConfig, r StressResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"target":      cfg.Target,
			"format":      cfg.Format,
			"concurrency": cfg.Concurrency,
			"units":       cfg.Units,
			"unit_size":   cfg.UnitSize,
		},
		"results": map[string]interface{}{
			"sent":              r.Sent,
			"failed":            r.Failed,
			"bytes":             r.Bytes,
			"envelopes_per_sec": r.EnvelopesPerSec,
			"avg_send_ms":       float64(r.AvgLatency.Microseconds()) / 1000,
			"max_send_ms":       float64(r.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(cfg.ReportFile, data, 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write report")
		return
	}
	fmt.Printf("Report saved to: %s\n", cfg.ReportFile)
}
