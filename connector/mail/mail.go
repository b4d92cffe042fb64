// Package mail delivers envelopes as e-mail through an SMTP relay.
//
// The connector target is a three-hop address chain:
//
//	tomail://<rcpt user>@<rcpt host>/<rcpt name>#smtp://<user>:<password>@<relay host>:<port>#tomail://<sender user>@<sender host>/<sender name>
//
// Unit 0 of an envelope is the subject, unit 1 the body text and units 2..N
// are attachments named after their labels.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"

	"github.com/strtrek/babelor-engine/address"
	"github.com/strtrek/babelor-engine/message"
)

const (
	SchemeMailbox = "tomail"
	SchemeRelay   = "smtp"
	// DefaultRelayPort is the implicit-TLS submission port.
	DefaultRelayPort = 465
)

var ErrMailTarget = errors.New("invalid mail target")

// Relay is the SMTP server used for delivery.
type Relay struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port.
func (r Relay) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Transport submits a composed message through relay.
type Transport interface {
	Send(ctx context.Context, relay Relay, msg *gomail.Msg) error
}

// Connector composes and sends mail for envelopes.
type Connector struct {
	from      mail.Address
	to        mail.Address
	relay     Relay
	transport Transport
	log       zerolog.Logger
}

// New parses the target chain. A nil transport selects SMTP over TLS.
func New(target *address.Address, transport Transport, log zerolog.Logger) (*Connector, error) {
	if target == nil || !strings.EqualFold(target.Scheme, SchemeMailbox) {
		return nil, fmt.Errorf("%w: expected %s:// recipient", ErrMailTarget, SchemeMailbox)
	}
	relayAddr := target.Nested
	if relayAddr == nil || !strings.EqualFold(relayAddr.Scheme, SchemeRelay) {
		return nil, fmt.Errorf("%w: expected %s:// relay in fragment", ErrMailTarget, SchemeRelay)
	}
	senderAddr := relayAddr.Nested
	if senderAddr == nil || !strings.EqualFold(senderAddr.Scheme, SchemeMailbox) {
		return nil, fmt.Errorf("%w: expected %s:// sender in relay fragment", ErrMailTarget, SchemeMailbox)
	}

	to, err := mailbox(target)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrMailTarget, err)
	}
	from, err := mailbox(senderAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMailTarget, err)
	}

	relay := Relay{
		Host:     relayAddr.Hostname(),
		Port:     DefaultRelayPort,
		Username: relayAddr.Username(),
		Password: relayAddr.Password(),
	}
	if port, ok := relayAddr.Port(); ok {
		relay.Port = port
	}
	if relay.Host == "" {
		return nil, fmt.Errorf("%w: relay has no host", ErrMailTarget)
	}

	if transport == nil {
		transport = SMTPTransport{Timeout: 30 * time.Second}
	}
	return &Connector{
		from:      from,
		to:        to,
		relay:     relay,
		transport: transport,
		log:       log.With().Str("connector", "mail").Str("relay", relay.Addr()).Logger(),
	}, nil
}

func mailbox(a *address.Address) (mail.Address, error) {
	if a.Username() == "" || a.Hostname() == "" {
		return mail.Address{}, fmt.Errorf("%s needs user@host", a.Render(address.PartNone))
	}
	return mail.Address{
		Name:    strings.Trim(a.Path, "/"),
		Address: a.Username() + "@" + a.Hostname(),
	}, nil
}

// From returns the sender mailbox.
func (c *Connector) From() mail.Address { return c.from }

// To returns the recipient mailbox.
func (c *Connector) To() mail.Address { return c.to }

// Relay returns the SMTP relay settings.
func (c *Connector) Relay() Relay { return c.relay }

// Write composes e and submits it through the relay.
func (c *Connector) Write(ctx context.Context, e *message.Envelope) error {
	msg, err := c.Compose(e)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, c.relay, msg); err != nil {
		return err
	}
	c.log.Info().Str("to", c.to.Address).Str("case", e.Case()).Msg("mail sent")
	return nil
}

// Compose builds the message for e: unit 0 is the subject, unit 1 the plain
// text body and every further non-null unit an attachment named after the
// base of its label.
func (c *Connector) Compose(e *message.Envelope) (*gomail.Msg, error) {
	data, err := e.Data()
	if err != nil {
		return nil, err
	}
	var subject, body string
	if len(data) > 0 {
		subject = data[0].Payload.String()
	}
	if len(data) > 1 {
		body = data[1].Payload.String()
	}

	msg := gomail.NewMsg()
	if err := msg.FromFormat(c.from.Name, c.from.Address); err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMailTarget, err)
	}
	if err := msg.AddToFormat(c.to.Name, c.to.Address); err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrMailTarget, err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(e.Timestamp())
	msg.SetBodyString(gomail.TypeTextPlain, body)

	for i := 2; i < len(data); i++ {
		d := data[i]
		if d.Payload.IsNull() {
			continue
		}
		name := path.Base(d.Path)
		err := msg.AttachReader(name, bytes.NewReader(d.Payload.Bytes()),
			gomail.WithFileContentType(gomail.TypeAppOctetStream))
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", name, err)
		}
	}
	return msg, nil
}

// SMTPTransport submits mail over implicit TLS, authenticating with PLAIN
// when the relay carries a user name.
type SMTPTransport struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

func (t SMTPTransport) Send(ctx context.Context, relay Relay, msg *gomail.Msg) error {
	opts := []gomail.Option{
		gomail.WithPort(relay.Port),
		gomail.WithSSL(),
	}
	if t.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(t.Timeout))
	}
	if t.TLSConfig != nil {
		opts = append(opts, gomail.WithTLSConfig(t.TLSConfig))
	}
	if relay.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(relay.Username),
			gomail.WithPassword(relay.Password),
		)
	}

	client, err := gomail.NewClient(relay.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client %s: %w", relay.Addr(), err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s: %w", relay.Addr(), err)
	}
	return nil
}
