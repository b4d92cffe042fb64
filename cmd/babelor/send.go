package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/connector/file"
	"github.com/strtrek/babelor-engine/logging"
	"github.com/strtrek/babelor-engine/message"
	"github.com/strtrek/babelor-engine/stage"
)

type sendOptions struct {
	to       string
	dir      string
	inline   bool
	caseID   string
	activity string
	labels   []string
}

func sendCommand(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (.toml, .yaml)")
	opts := sendOptions{}
	fs.StringVar(&opts.to, "to", stage.RoleSender.Address("127.0.0.1").String(), "destination stage address")
	fs.StringVar(&opts.dir, "dir", ".", "directory that -inline reads labels from")
	fs.BoolVar(&opts.inline, "inline", false, "embed file contents instead of sending labels only")
	fs.StringVar(&opts.caseID, "case", "", "case id (generated when empty)")
	fs.StringVar(&opts.activity, "activity", "", "activity name")
	_ = fs.Parse(args)
	opts.labels = fs.Args()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	format, err := message.ParseFormat(cfg.Message.Format)
	if err != nil {
		return err
	}

	e, err := buildEnvelope(context.Background(), cfg.EnvelopeConfig(), opts)
	if err != nil {
		return err
	}

	dialer := stage.NewDialer("send")
	defer dialer.Close()
	if err := dialer.SendEnvelope(e, format); err != nil {
		return err
	}
	log.Info().Str("case", e.Case()).Int("nums", e.Nums()).Str("to", opts.to).Msg("envelope sent")
	return nil
}

// buildEnvelope creates the envelope described by opts. Without inline the
// units are null and carry only their labels, for a stage with a file-read
// hook to fill in.
func buildEnvelope(ctx context.Context, cfg message.Config, opts sendOptions) (*message.Envelope, error) {
	if len(opts.labels) == 0 {
		return nil, errors.New("send needs at least one label")
	}
	dst, err := address.Parse(opts.to)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	caseID := opts.caseID
	if caseID == "" {
		caseID = message.NewCaseID()
	}
	e := message.New(cfg).
		SetCase(caseID).
		SetActivity(opts.activity).
		SetDestination(dst)
	if host, err := os.Hostname(); err == nil {
		if origin, err := address.Parse("tcp://" + host + "/send"); err == nil {
			e.SetOrigination(origin)
		}
	}
	for _, label := range opts.labels {
		e.AddNull(label)
	}
	if !opts.inline {
		return e, nil
	}

	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, err
	}
	target, err := address.Parse("file://" + filepath.ToSlash(dir))
	if err != nil {
		return nil, fmt.Errorf("dir: %w", err)
	}
	fc, err := file.New(target, logging.Component("send"))
	if err != nil {
		return nil, err
	}
	return fc.Read(ctx, e)
}
