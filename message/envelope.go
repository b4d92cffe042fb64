package message

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/strtrek/babelor-engine/address"
)

// DefaultTimeLayout renders timestamps as 2024-01-01 00:00:00.000000.
const DefaultTimeLayout = "2006-01-02 15:04:05.000000"

// Config carries the settings an Envelope needs. It is passed explicitly to
// New and Unmarshal; there is no package-level configuration.
type Config struct {
	// Coding is the character coding label stamped on new units.
	Coding string
	// TimeLayout is the time.Format layout of the wire timestamp.
	TimeLayout string
	// Now is the clock used to refresh the timestamp.
	Now func() time.Time
}

// DefaultConfig returns a Config with utf-8 coding, DefaultTimeLayout and time.Now.
func DefaultConfig() Config {
	return Config{
		Coding:     DefaultCoding,
		TimeLayout: DefaultTimeLayout,
		Now:        time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Coding == "" {
		c.Coding = d.Coding
	}
	if c.TimeLayout == "" {
		c.TimeLayout = d.TimeLayout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// unit is one data unit in its encoded form. An empty dtype marks a null unit.
type unit struct {
	path   string
	coding string
	dtype  DType
	stream string
}

// Datum is a decoded data unit as returned by ReadDatum.
type Datum struct {
	Payload Payload
	Path    string
	Coding  string
}

// Envelope bundles routing metadata with an ordered sequence of data units.
// Every mutation except SetTimestamp refreshes the timestamp. Addresses are
// copied on the way in and out, so no Address is shared between envelopes.
type Envelope struct {
	cfg Config

	timestamp   time.Time
	origination *address.Address
	destination *address.Address
	treatment   *address.Address
	encryption  *address.Address
	caseID      string
	activity    string

	units []unit
}

// New creates an empty envelope stamped with the current time.
func New(cfg Config) *Envelope {
	cfg = cfg.withDefaults()
	return &Envelope{
		cfg:       cfg,
		timestamp: cfg.Now(),
	}
}

// NewCaseID returns a fresh case identifier.
func NewCaseID() string {
	return uuid.NewString()
}

func (e *Envelope) touch() {
	e.timestamp = e.cfg.Now()
}

// Config returns the configuration the envelope was created with.
func (e *Envelope) Config() Config { return e.cfg }

// Timestamp returns the time of creation or last mutation.
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// SetTimestamp overrides the timestamp.
func (e *Envelope) SetTimestamp(t time.Time) *Envelope {
	e.timestamp = t
	return e
}

func (e *Envelope) Origination() *address.Address { return e.origination.Clone() }
func (e *Envelope) Destination() *address.Address { return e.destination.Clone() }
func (e *Envelope) Treatment() *address.Address   { return e.treatment.Clone() }
func (e *Envelope) Encryption() *address.Address  { return e.encryption.Clone() }
func (e *Envelope) Case() string                  { return e.caseID }
func (e *Envelope) Activity() string              { return e.activity }

func (e *Envelope) SetOrigination(a *address.Address) *Envelope {
	e.origination = a.Clone()
	e.touch()
	return e
}

func (e *Envelope) SetDestination(a *address.Address) *Envelope {
	e.destination = a.Clone()
	e.touch()
	return e
}

func (e *Envelope) SetTreatment(a *address.Address) *Envelope {
	e.treatment = a.Clone()
	e.touch()
	return e
}

func (e *Envelope) SetEncryption(a *address.Address) *Envelope {
	e.encryption = a.Clone()
	e.touch()
	return e
}

func (e *Envelope) SetCase(id string) *Envelope {
	e.caseID = id
	e.touch()
	return e
}

func (e *Envelope) SetActivity(activity string) *Envelope {
	e.activity = activity
	e.touch()
	return e
}

// Nums returns the number of data units held.
func (e *Envelope) Nums() int { return len(e.units) }

// AddDatum encodes p and appends it under the given path label. Labels may
// repeat.
func (e *Envelope) AddDatum(p Payload, path string) *Envelope {
	u := unit{path: path}
	if !p.IsNull() {
		u.stream, u.dtype = EncodeDatum(p)
		u.coding = e.cfg.Coding
	}
	e.units = append(e.units, u)
	e.touch()
	return e
}

// AddText appends a text unit.
func (e *Envelope) AddText(text, path string) *Envelope {
	return e.AddDatum(TextPayload(text), path)
}

// AddBytes appends a binary unit.
func (e *Envelope) AddBytes(data []byte, path string) *Envelope {
	return e.AddDatum(BinaryPayload(data), path)
}

// AddNull appends a unit with no payload, keeping its label.
func (e *Envelope) AddNull(path string) *Envelope {
	return e.AddDatum(Payload{}, path)
}

// ReadDatum decodes the unit at index i (0-based). Indexes outside
// [0, Nums()) fail with ErrIndexOutOfRange.
func (e *Envelope) ReadDatum(i int) (Datum, error) {
	if i < 0 || i >= len(e.units) {
		return Datum{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(e.units))
	}
	u := e.units[i]
	p, err := u.decode()
	if err != nil {
		return Datum{}, fmt.Errorf("datum %d: %w", i, err)
	}
	return Datum{Payload: p, Path: u.path, Coding: u.coding}, nil
}

// Data decodes every unit in order.
func (e *Envelope) Data() ([]Datum, error) {
	out := make([]Datum, 0, len(e.units))
	for i := range e.units {
		d, err := e.ReadDatum(i)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteDatum removes the unit at index i. It is a no-op on an empty envelope.
func (e *Envelope) DeleteDatum(i int) error {
	if len(e.units) == 0 {
		return nil
	}
	if i < 0 || i >= len(e.units) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(e.units))
	}
	e.units = append(e.units[:i], e.units[i+1:]...)
	e.touch()
	return nil
}

// Swap exchanges origination and destination, turning the envelope into a
// reply along the reverse path.
func (e *Envelope) Swap() *Envelope {
	e.origination, e.destination = e.destination, e.origination
	e.touch()
	return e
}

// Forward advances one hop: origination becomes the current destination and
// next becomes the destination.
func (e *Envelope) Forward(next *address.Address) *Envelope {
	e.origination = e.destination
	e.destination = next.Clone()
	e.touch()
	return e
}

// Reply drops all units, treatment and encryption and swaps the route.
func (e *Envelope) Reply() *Envelope {
	e.units = nil
	e.treatment = nil
	e.encryption = nil
	return e.Swap()
}

// SuccessLabel is the path of the status unit in a success reply.
const SuccessLabel = "SUCCESS"

// SuccessReply turns e into an acknowledgement for its origination: a Reply
// whose only unit is the status ok.
func (e *Envelope) SuccessReply(ok bool) *Envelope {
	return e.Reply().AddText(strconv.FormatBool(ok), SuccessLabel)
}

// Succeeded reports whether e is a success reply carrying a true status. Any
// other envelope reports false.
func (e *Envelope) Succeeded() bool {
	for _, u := range e.units {
		if u.path != SuccessLabel || u.dtype != DTypeText {
			continue
		}
		ok, err := strconv.ParseBool(u.stream)
		return err == nil && ok
	}
	return false
}

// Clone returns a deep copy sharing only the configuration.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.origination = e.origination.Clone()
	c.destination = e.destination.Clone()
	c.treatment = e.treatment.Clone()
	c.encryption = e.encryption.Clone()
	c.units = append([]unit(nil), e.units...)
	return &c
}

// CopyHead returns a copy of the routing head with no data units.
func (e *Envelope) CopyHead() *Envelope {
	c := e.Clone()
	c.units = nil
	return c
}

// String renders the envelope as JSON.
func (e *Envelope) String() string {
	data, err := Marshal(e, FormatJSON)
	if err != nil {
		return fmt.Sprintf("<envelope: %v>", err)
	}
	return string(data)
}

func (u unit) decode() (Payload, error) {
	if u.dtype == "" {
		return Payload{}, nil
	}
	stream, coding, dtype := u.stream, u.coding, string(u.dtype)
	return DecodeDatum(&stream, &coding, &dtype)
}
