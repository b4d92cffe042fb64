package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/message"
	"github.com/strtrek/babelor-engine/metrics"
)

// Config defines one stage.
type Config struct {
	Role Role
	// Listen is the address the ROUTER binds.
	Listen *address.Address
	// Next is the downstream stage. A nil Next makes the stage terminal.
	Next   *address.Address
	Format message.Format
	// Workers is the number of concurrent hook invocations.
	Workers   int
	QueueSize int
	// DrainTimeout bounds how long Stop waits for queued envelopes.
	DrainTimeout time.Duration
	Message      message.Config
}

// DefaultConfig returns the conventional configuration of role: bound on its
// role port and forwarding to the next role on localhost.
func DefaultConfig(role Role) Config {
	cfg := Config{
		Role:         role,
		Listen:       role.ListenAddress(),
		Format:       message.FormatJSON,
		Workers:      1,
		QueueSize:    100,
		DrainTimeout: 5 * time.Second,
		Message:      message.DefaultConfig(),
	}
	if next, ok := role.Next(); ok {
		cfg.Next = next.Address("127.0.0.1")
	}
	return cfg
}

// Stats contains stage statistics.
type Stats struct {
	Role      Role      `json:"role"`
	Listen    string    `json:"listen"`
	Next      string    `json:"next,omitempty"`
	IsRunning bool      `json:"is_running"`
	Pool      PoolStats `json:"pool"`
}

// Option customizes a Stage.
type Option func(*Stage)

// WithSink sets the consumer of a terminal stage's results.
func WithSink(sink Sink) Option {
	return func(s *Stage) { s.sink = sink }
}

// WithLogger sets the stage logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Stage) { s.log = log }
}

// WithMetrics records stage activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// Stage receives envelopes on a ROUTER socket, runs the hook on each and
// forwards the result to the next stage or hands it to the sink.
type Stage struct {
	cfg     Config
	hook    Hook
	sink    Sink
	log     zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	router zmq4.Socket
	dialer *Dialer
	pool   *WorkerPool

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New creates a stage. It does not bind until Start.
func New(cfg Config, hook Hook, opts ...Option) (*Stage, error) {
	if cfg.Listen == nil {
		return nil, fmt.Errorf("stage %s: listen address is required", cfg.Role)
	}
	if _, err := message.ParseFormat(string(cfg.Format)); err != nil {
		return nil, fmt.Errorf("stage %s: %w", cfg.Role, err)
	}
	if hook == nil {
		hook = PassThrough
	}

	s := &Stage{
		cfg:  cfg,
		hook: hook,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("role", string(cfg.Role)).Logger()
	s.dialer = NewDialer(string(cfg.Role))
	return s, nil
}

// Config returns the stage configuration.
func (s *Stage) Config() Config { return s.cfg }

// Start binds the listen address and begins processing.
func (s *Stage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrStageRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = zmq4.NewRouter(s.ctx, zmq4.WithID(zmq4.SocketIdentity(s.cfg.Role)))

	endpoint := s.cfg.Listen.BindEndpoint()
	if err := s.router.Listen(endpoint); err != nil {
		s.cancel()
		_ = s.router.Close()
		return fmt.Errorf("failed to bind %s: %w", endpoint, err)
	}

	s.pool = NewWorkerPool(string(s.cfg.Role), s.cfg.Workers, s.cfg.QueueSize, s.process, s.log)
	s.running = true

	s.wg.Add(1)
	go s.receiverLoop()

	s.log.Info().Str("listen", endpoint).Str("next", s.nextString()).Msg("stage started")
	return nil
}

// Stop closes the listener, drains queued envelopes and closes outbound
// sockets.
func (s *Stage) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrStageNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	_ = s.router.Close()
	s.wg.Wait()

	err := s.pool.ShutdownWithTimeout(s.cfg.DrainTimeout)
	s.dialer.Close()
	s.dialer = NewDialer(string(s.cfg.Role))

	s.log.Info().Msg("stage stopped")
	return err
}

// IsRunning reports whether the stage is started.
func (s *Stage) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats returns current stage statistics.
func (s *Stage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Role:      s.cfg.Role,
		Listen:    s.cfg.Listen.String(),
		Next:      s.nextString(),
		IsRunning: s.running,
	}
	if s.pool != nil {
		stats.Pool = s.pool.Stats()
	}
	return stats
}

func (s *Stage) nextString() string {
	if s.cfg.Next == nil {
		return ""
	}
	return s.cfg.Next.String()
}

const (
	recvRetryMin = 10 * time.Millisecond
	recvRetryMax = time.Second
)

// backoff yields a delay that doubles from min up to max until reset.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	switch {
	case b.cur == 0:
		b.cur = b.min
	case b.cur < b.max:
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// receiverLoop reads frames from the ROUTER socket and queues the payload
// frame. The first frame is the peer identity.
func (s *Stage) receiverLoop() {
	defer s.wg.Done()

	retry := backoff{min: recvRetryMin, max: recvRetryMax}
	for {
		msg, err := s.router.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			delay := retry.next()
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("receive failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		retry.reset()
		if len(msg.Frames) == 0 {
			continue
		}

		data := msg.Frames[len(msg.Frames)-1]
		job, err := s.pool.Submit(data)
		if err != nil {
			if isShutdown(err) {
				return
			}
			s.recordProcessed(metrics.OutcomeRejected, 0, 0)
			s.log.Warn().Err(err).Int("bytes", len(data)).Msg("envelope dropped")
			continue
		}
		s.log.Trace().Uint64("job", job.ID).Int("bytes", len(data)).Msg("envelope queued")
	}
}

func (s *Stage) process(ctx context.Context, job *Job) error {
	defer s.updatePoolGauges()
	return s.Handle(ctx, job.Data)
}

// Handle runs one serialized envelope through the stage: decode, hook, then
// forward or sink. Undecodable input is rejected before the hook runs and
// nothing is forwarded when any step fails.
func (s *Stage) Handle(ctx context.Context, data []byte) error {
	role := string(s.cfg.Role)
	if s.metrics != nil {
		s.metrics.RecordReceived(role, len(data))
	}

	in, err := message.Unmarshal(data, s.cfg.Format, s.cfg.Message)
	if err != nil {
		s.recordProcessed(metrics.OutcomeRejected, 0, 0)
		s.log.Warn().Err(err).Msg("envelope rejected")
		return fmt.Errorf("reject envelope: %w", err)
	}
	units := in.Nums()

	start := time.Now()
	out, err := s.hook(ctx, in)
	elapsed := time.Since(start)
	if err != nil {
		s.recordProcessed(metrics.OutcomeFailed, units, elapsed)
		s.log.Error().Err(err).Str("case", in.Case()).Msg("hook failed")
		return fmt.Errorf("hook: %w", err)
	}
	if out == nil {
		s.recordProcessed(metrics.OutcomeDropped, units, elapsed)
		s.log.Debug().Str("case", in.Case()).Msg("envelope dropped by hook")
		return nil
	}

	if s.cfg.Next == nil {
		if s.sink != nil {
			if err := s.sink.Write(ctx, out); err != nil {
				s.recordProcessed(metrics.OutcomeFailed, units, elapsed)
				s.log.Error().Err(err).Str("case", out.Case()).Msg("sink failed")
				return fmt.Errorf("sink: %w", err)
			}
		}
		s.recordProcessed(metrics.OutcomeDelivered, units, elapsed)
		s.log.Info().Str("case", out.Case()).Int("nums", out.Nums()).Msg("envelope delivered")
		return nil
	}

	out.Forward(s.cfg.Next)
	if err := s.dialer.SendEnvelope(out, s.cfg.Format); err != nil {
		s.recordProcessed(metrics.OutcomeFailed, units, elapsed)
		s.log.Error().Err(err).Str("case", out.Case()).Msg("forward failed")
		return err
	}
	s.recordProcessed(metrics.OutcomeForwarded, units, elapsed)
	s.log.Debug().
		Str("case", out.Case()).
		Int("nums", out.Nums()).
		Str("to", s.cfg.Next.Endpoint()).
		Msg("envelope forwarded")
	return nil
}

func (s *Stage) recordProcessed(outcome string, units int, hook time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordProcessed(string(s.cfg.Role), outcome, units, hook)
}

func (s *Stage) updatePoolGauges() {
	if s.metrics == nil || s.pool == nil {
		return
	}
	st := s.pool.Stats()
	s.metrics.UpdateWorkerPool(string(s.cfg.Role), int(st.Active), st.Pending)
}
