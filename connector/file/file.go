// Package file reads and writes envelope data units on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/message"
)

// Scheme is the address scheme of file targets.
const Scheme = "file"

var ErrUnsafePath = errors.New("unit path escapes the target directory")

// Connector maps unit labels to files under a target. A target path with no
// extension is a directory and labels are resolved inside it; otherwise every
// unit maps to the target file itself.
type Connector struct {
	target *address.Address
	root   string
	isDir  bool
	log    zerolog.Logger
}

// New creates a connector for a file:// target.
func New(target *address.Address, log zerolog.Logger) (*Connector, error) {
	if target == nil || !strings.EqualFold(target.Scheme, Scheme) {
		return nil, fmt.Errorf("%w: file connector needs a %s:// target", address.ErrAddressFormat, Scheme)
	}
	root := filepath.FromSlash(target.Path)
	if root == "" {
		return nil, fmt.Errorf("%w: file target has no path", address.ErrAddressFormat)
	}
	return &Connector{
		target: target.Clone(),
		root:   root,
		isDir:  filepath.Ext(root) == "",
		log:    log.With().Str("connector", target.String()).Logger(),
	}, nil
}

// Root returns the resolved target path.
func (c *Connector) Root() string { return c.root }

func (c *Connector) resolve(label string) (string, error) {
	if !c.isDir {
		return c.root, nil
	}
	rel := filepath.FromSlash(label)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, label)
	}
	return filepath.Join(c.root, rel), nil
}

// Read returns a copy of in whose units hold the contents of the files their
// labels name. A file that cannot be found becomes a null unit and a warning.
func (c *Connector) Read(ctx context.Context, in *message.Envelope) (*message.Envelope, error) {
	out := in.CopyHead()
	data, err := in.Data()
	if err != nil {
		return nil, err
	}

	for _, d := range data {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path, err := c.resolve(d.Path)
		if err != nil {
			c.log.Warn().Err(err).Msg("read skipped")
			out.AddNull(d.Path)
			continue
		}

		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			out.AddBytes(content, d.Path)
			c.log.Debug().Str("path", path).Int("bytes", len(content)).Msg("read")
		case errors.Is(err, os.ErrNotExist) || isDirErr(path):
			out.AddNull(d.Path)
			c.log.Warn().Str("path", path).Msg("read failed: no such file")
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return out, nil
}

func isDirErr(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Write persists every non-null unit, creating the target directory when
// needed. Text units are written in their recorded character coding.
func (c *Connector) Write(ctx context.Context, e *message.Envelope) error {
	if c.isDir {
		if err := os.MkdirAll(c.root, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", c.root, err)
		}
	}

	data, err := e.Data()
	if err != nil {
		return err
	}

	for _, d := range data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Payload.IsNull() {
			continue
		}

		path, err := c.resolve(d.Path)
		if err != nil {
			return err
		}
		content, err := d.Payload.Encoded(d.Coding)
		if err != nil {
			return fmt.Errorf("encode %s: %w", d.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		c.log.Info().Str("path", path).Int("bytes", len(content)).Msg("written")
	}
	return nil
}
