package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/message"
	"github.com/strtrek/babelor-engine/metrics"
)

// collectSink records every envelope it is given.
type collectSink struct {
	mu   sync.Mutex
	got  []*message.Envelope
	seen chan struct{}
	err  error
}

func newCollectSink() *collectSink {
	return &collectSink{seen: make(chan struct{}, 16)}
}

func (c *collectSink) Write(_ context.Context, e *message.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collectSink) envelopes() []*message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Envelope(nil), c.got...)
}

func terminalConfig(port string) Config {
	cfg := DefaultConfig(RoleReceiver)
	cfg.Listen = address.MustParse("tcp://127.0.0.1:" + port + "/receiver")
	return cfg
}

func encode(t *testing.T, e *message.Envelope) []byte {
	t.Helper()
	data, err := message.Marshal(e, message.FormatJSON)
	require.NoError(t, err)
	return data
}

func TestRoles(t *testing.T) {
	assert.Equal(t, []Role{RoleSender, RoleTreater, RoleEncrypter, RoleReceiver}, Roles())
	assert.Equal(t, 3001, RoleSender.Port())
	assert.Equal(t, 3002, RoleTreater.Port())
	assert.Equal(t, 3003, RoleEncrypter.Port())
	assert.Equal(t, 3004, RoleReceiver.Port())

	next, ok := RoleTreater.Next()
	assert.True(t, ok)
	assert.Equal(t, RoleEncrypter, next)
	_, ok = RoleReceiver.Next()
	assert.False(t, ok)

	assert.Equal(t, "tcp://*:3001/sender", RoleSender.ListenAddress().String())
	assert.Equal(t, "tcp://0.0.0.0:3001", RoleSender.ListenAddress().BindEndpoint())
	assert.Equal(t, "tcp://10.0.0.5:3004", RoleReceiver.Address("10.0.0.5").Endpoint())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Encrypter ")
	require.NoError(t, err)
	assert.Equal(t, RoleEncrypter, r)

	_, err = ParseRole("janitor")
	assert.True(t, errors.Is(err, ErrUnknownRole))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(RoleSender)
	assert.Equal(t, "tcp://127.0.0.1:3002/treater", cfg.Next.String())
	assert.Equal(t, message.FormatJSON, cfg.Format)
	assert.Equal(t, 1, cfg.Workers)

	assert.Nil(t, DefaultConfig(RoleReceiver).Next)
}

func TestNewValidates(t *testing.T) {
	cfg := DefaultConfig(RoleTreater)
	cfg.Format = "yaml"
	_, err := New(cfg, nil)
	assert.True(t, errors.Is(err, message.ErrUnsupportedFormat))

	cfg = DefaultConfig(RoleTreater)
	cfg.Listen = nil
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	tag := func(label string) Hook {
		return func(_ context.Context, e *message.Envelope) (*message.Envelope, error) {
			return e.AddText(label, label), nil
		}
	}
	drop := func(context.Context, *message.Envelope) (*message.Envelope, error) { return nil, nil }

	out, err := Chain(tag("a"), PassThrough, tag("b"))(context.Background(), message.New(message.Config{}))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Nums())

	out, err = Chain(drop, tag("never"))(context.Background(), message.New(message.Config{}))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleDeliversToSink(t *testing.T) {
	sink := newCollectSink()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")

	upper := func(_ context.Context, e *message.Envelope) (*message.Envelope, error) {
		return e.AddText("treated", "note"), nil
	}
	s, err := New(terminalConfig("0"), upper, WithSink(sink), WithMetrics(m))
	require.NoError(t, err)

	in := message.New(message.Config{}).SetCase("case-1").AddText("hello", "subject")
	require.NoError(t, s.Handle(context.Background(), encode(t, in)))

	got := sink.envelopes()
	require.Len(t, got, 1)
	assert.Equal(t, "case-1", got[0].Case())
	assert.Equal(t, 2, got[0].Nums())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesReceived.WithLabelValues("receiver")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesProcessed.WithLabelValues("receiver", metrics.OutcomeDelivered)))
}

func TestHandleRejectsMalformedInput(t *testing.T) {
	sink := newCollectSink()
	called := false
	hook := func(_ context.Context, e *message.Envelope) (*message.Envelope, error) {
		called = true
		return e, nil
	}
	m := metrics.New(prometheus.NewRegistry(), "test")
	s, err := New(terminalConfig("0"), hook, WithSink(sink), WithMetrics(m))
	require.NoError(t, err)

	bad := []byte(`{"head":{},"body":{"nums":1,"coding":["utf-8"],"dtype":["base64"],"path":["a"],"stream":["***"]}}`)
	err = s.Handle(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, message.ErrInvalidBase64))
	assert.False(t, called, "hook must not see undecodable envelopes")
	assert.Empty(t, sink.envelopes())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesProcessed.WithLabelValues("receiver", metrics.OutcomeRejected)))
}

func TestHandleHookErrorStopsDelivery(t *testing.T) {
	sink := newCollectSink()
	boom := errors.New("boom")
	hook := func(context.Context, *message.Envelope) (*message.Envelope, error) { return nil, boom }

	s, err := New(terminalConfig("0"), hook, WithSink(sink))
	require.NoError(t, err)

	err = s.Handle(context.Background(), encode(t, message.New(message.Config{})))
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, sink.envelopes())
}

func TestHandleHookMayDrop(t *testing.T) {
	sink := newCollectSink()
	hook := func(context.Context, *message.Envelope) (*message.Envelope, error) { return nil, nil }

	s, err := New(terminalConfig("0"), hook, WithSink(sink))
	require.NoError(t, err)

	require.NoError(t, s.Handle(context.Background(), encode(t, message.New(message.Config{}))))
	assert.Empty(t, sink.envelopes())
}

func TestHandleSinkError(t *testing.T) {
	sink := newCollectSink()
	sink.err = errors.New("disk full")

	s, err := New(terminalConfig("0"), PassThrough, WithSink(sink))
	require.NoError(t, err)

	err = s.Handle(context.Background(), encode(t, message.New(message.Config{})))
	assert.True(t, errors.Is(err, sink.err))
}

func TestStopWithoutStart(t *testing.T) {
	s, err := New(terminalConfig("0"), nil)
	require.NoError(t, err)
	assert.False(t, s.IsRunning())
	assert.True(t, errors.Is(s.Stop(), ErrStageNotRunning))
}

func TestDialerRequiresDestination(t *testing.T) {
	d := NewDialer("test")
	defer d.Close()
	err := d.SendEnvelope(message.New(message.Config{}), message.FormatJSON)
	assert.True(t, errors.Is(err, ErrNoDestination))
}

// TestPipelineForwarding runs a treater forwarding to a receiver over
// loopback TCP.
func TestPipelineForwarding(t *testing.T) {
	if testing.Short() {
		t.Skip("binds TCP ports")
	}

	receiverAddr := address.MustParse("tcp://127.0.0.1:33104/receiver")
	treaterAddr := address.MustParse("tcp://127.0.0.1:33102/treater")

	sink := newCollectSink()
	rcfg := DefaultConfig(RoleReceiver)
	rcfg.Listen = receiverAddr
	receiver, err := New(rcfg, PassThrough, WithSink(sink))
	require.NoError(t, err)
	require.NoError(t, receiver.Start())
	defer receiver.Stop()

	assert.True(t, errors.Is(receiver.Start(), ErrStageRunning))

	tcfg := DefaultConfig(RoleTreater)
	tcfg.Listen = treaterAddr
	tcfg.Next = receiverAddr
	stamp := func(_ context.Context, e *message.Envelope) (*message.Envelope, error) {
		return e.SetActivity("treated"), nil
	}
	treater, err := New(tcfg, stamp)
	require.NoError(t, err)
	require.NoError(t, treater.Start())
	defer treater.Stop()

	in := message.New(message.Config{}).
		SetOrigination(address.MustParse("tcp://127.0.0.1:33101/sender")).
		SetDestination(treaterAddr).
		SetCase("case-e2e").
		AddText("hello", "subject").
		AddBytes([]byte{1, 2, 3}, "att.bin")

	client := NewDialer("client")
	defer client.Close()
	require.NoError(t, client.SendEnvelope(in, message.FormatJSON))

	select {
	case <-sink.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for delivery")
	}

	got := sink.envelopes()[0]
	assert.Equal(t, "case-e2e", got.Case())
	assert.Equal(t, "treated", got.Activity())
	assert.True(t, treaterAddr.Equal(got.Origination()))
	assert.True(t, receiverAddr.Equal(got.Destination()))

	d, err := got.ReadDatum(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, d.Payload.Bytes())

	assert.Eventually(t, func() bool {
		return treater.Stats().Pool.Completed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := backoff{min: 10 * time.Millisecond, max: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.next(), "step %d", i)
	}
	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.next())
}

// failingSocket fails every receive.
type failingSocket struct {
	zmq4.Socket
	calls atomic.Int64
}

func (f *failingSocket) Recv() (zmq4.Msg, error) {
	f.calls.Add(1)
	return zmq4.Msg{}, errors.New("connection reset")
}

func TestReceiverLoopBacksOffOnErrors(t *testing.T) {
	sock := &failingSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stage{
		cfg:    DefaultConfig(RoleTreater),
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		router: sock,
	}

	s.wg.Add(1)
	go s.receiverLoop()
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.wg.Wait()

	// 10+20+40+80ms of waiting fits at most five attempts in the window.
	calls := sock.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(2))
	assert.LessOrEqual(t, calls, int64(6))
}
