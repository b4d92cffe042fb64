package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/config"
	"github.com/strtrek/babelor-engine/connector/file"
	"github.com/strtrek/babelor-engine/connector/mail"
	"github.com/strtrek/babelor-engine/metrics"
	"github.com/strtrek/babelor-engine/stage"
)

// buildStage assembles the stage described by sc, resolving its hook and
// sink connectors.
func buildStage(cfg config.Config, sc config.StageConfig, m *metrics.Metrics, log zerolog.Logger) (*stage.Stage, error) {
	stageCfg, err := cfg.Build(sc)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", sc.Role, err)
	}

	var target *address.Address
	if sc.Target != "" {
		if target, err = address.Parse(sc.Target); err != nil {
			return nil, fmt.Errorf("stage %s target: %w", sc.Role, err)
		}
	}

	var hook stage.Hook
	switch sc.Hook {
	case config.HookFileRead:
		fc, err := file.New(target, log)
		if err != nil {
			return nil, fmt.Errorf("stage %s hook: %w", sc.Role, err)
		}
		hook = fc.Read
	default:
		hook = stage.PassThrough
	}

	opts := []stage.Option{stage.WithLogger(log)}
	if m != nil {
		opts = append(opts, stage.WithMetrics(m))
	}

	switch sc.Sink {
	case config.SinkFile:
		fc, err := file.New(target, log)
		if err != nil {
			return nil, fmt.Errorf("stage %s sink: %w", sc.Role, err)
		}
		opts = append(opts, stage.WithSink(fc))
	case config.SinkMail:
		mc, err := mail.New(target, nil, log)
		if err != nil {
			return nil, fmt.Errorf("stage %s sink: %w", sc.Role, err)
		}
		opts = append(opts, stage.WithSink(mc))
	}

	return stage.New(stageCfg, hook, opts...)
}

// selectStages returns the entries to run for role, or all of them when role
// is "all".
func selectStages(cfg config.Config, role string) ([]config.StageConfig, error) {
	if role == "" || role == "all" {
		return cfg.Stages, nil
	}
	r, err := stage.ParseRole(role)
	if err != nil {
		return nil, err
	}
	sc, ok := cfg.Stage(r)
	if !ok {
		return nil, fmt.Errorf("role %s is not configured", r)
	}
	return []config.StageConfig{sc}, nil
}
