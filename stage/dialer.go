package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/strtrek/babelor-engine/message"
)

// Dialer sends serialized envelopes over DEALER sockets, one per endpoint.
type Dialer struct {
	id     string
	retry  time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	dealers map[string]zmq4.Socket
}

// NewDialer creates a dialer whose sockets identify as id.
func NewDialer(id string) *Dialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		id:      id,
		retry:   250 * time.Millisecond,
		ctx:     ctx,
		cancel:  cancel,
		dealers: make(map[string]zmq4.Socket),
	}
}

// Send delivers data to the ROUTER bound at endpoint.
func (d *Dialer) Send(endpoint string, data []byte) error {
	dealer, err := d.dealer(endpoint)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		d.drop(endpoint)
		return fmt.Errorf("%w to %s: %v", ErrSendFailed, endpoint, err)
	}
	return nil
}

// SendEnvelope serializes e and sends it to its destination.
func (d *Dialer) SendEnvelope(e *message.Envelope, f message.Format) error {
	dst := e.Destination()
	if dst == nil {
		return ErrNoDestination
	}
	data, err := message.Marshal(e, f)
	if err != nil {
		return err
	}
	return d.Send(dst.Endpoint(), data)
}

// Close closes every dealer socket.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for endpoint, dealer := range d.dealers {
		_ = dealer.Close()
		delete(d.dealers, endpoint)
	}
	d.cancel()
}

func (d *Dialer) dealer(endpoint string) (zmq4.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dealer, ok := d.dealers[endpoint]; ok {
		return dealer, nil
	}

	identity := fmt.Sprintf("%s-%s", d.id, uuid.NewString()[:8])
	dealer := zmq4.NewDealer(d.ctx,
		zmq4.WithID(zmq4.SocketIdentity(identity)),
		zmq4.WithDialerRetry(d.retry),
	)
	if err := dealer.Dial(endpoint); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	d.dealers[endpoint] = dealer
	return dealer, nil
}

func (d *Dialer) drop(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dealer, ok := d.dealers[endpoint]; ok {
		_ = dealer.Close()
		delete(d.dealers, endpoint)
	}
}
