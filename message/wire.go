package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/strtrek/babelor-engine/address"
)

// Format names a wire representation.
type Format string

const (
	FormatJSON  Format = "json"
	FormatXML   Format = "xml"
	FormatArrow Format = "arrow"
)

// ParseFormat resolves a format name, case-insensitively.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatXML, FormatArrow:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Marshal renders e in the given wire format. Text that the format would
// alter is rejected with ErrUnencodableText: invalid UTF-8 in every format,
// and characters outside the XML character range for FormatXML.
func Marshal(e *Envelope, f Format) ([]byte, error) {
	w := toWire(e)
	if err := checkText(w, f == FormatXML); err != nil {
		return nil, err
	}
	switch f {
	case FormatJSON:
		return marshalJSON(w)
	case FormatXML:
		return marshalXML(w)
	case FormatArrow:
		return marshalArrow(w)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

// Unmarshal decodes an envelope and validates every unit, so the result is
// fully materialized. A missing head timestamp is replaced by cfg.Now().
func Unmarshal(data []byte, f Format, cfg Config) (*Envelope, error) {
	var (
		w   wireEnvelope
		err error
	)
	switch f {
	case FormatJSON:
		w, err = unmarshalJSON(data)
	case FormatXML:
		w, err = unmarshalXML(data)
	case FormatArrow:
		w, err = unmarshalArrow(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, err
	}
	if err := checkText(w, false); err != nil {
		return nil, err
	}
	return fromWire(w, cfg)
}

// wireEnvelope is the format-neutral head/body document. Nil pointers are
// rendered as null.
type wireEnvelope struct {
	Head wireHead `json:"head"`
	Body wireBody `json:"body"`
}

type wireHead struct {
	Timestamp   *string `json:"timestamp"`
	Origination *string `json:"origination"`
	Destination *string `json:"destination"`
	Treatment   *string `json:"treatment"`
	Encryption  *string `json:"encryption"`
	Case        *string `json:"case"`
	Activity    *string `json:"activity"`
}

type wireBody struct {
	Nums   int      `json:"nums"`
	Coding wireList `json:"coding"`
	DType  wireList `json:"dtype"`
	Path   wireList `json:"path"`
	Stream wireList `json:"stream"`
}

// wireList is one per-unit column. Readers accept a bare scalar in place of a
// one-element list, as written by older producers for single-unit envelopes.
type wireList []*string

// checkText validates every string of the document.
func checkText(w wireEnvelope, xmlChars bool) error {
	head := []struct {
		name string
		s    *string
	}{
		{"timestamp", w.Head.Timestamp},
		{"origination", w.Head.Origination},
		{"destination", w.Head.Destination},
		{"treatment", w.Head.Treatment},
		{"encryption", w.Head.Encryption},
		{"case", w.Head.Case},
		{"activity", w.Head.Activity},
	}
	for _, h := range head {
		if err := checkString(h.s, xmlChars); err != nil {
			return fmt.Errorf("%w: head %s %v", ErrUnencodableText, h.name, err)
		}
	}
	columns := []struct {
		name string
		col  wireList
	}{
		{"coding", w.Body.Coding},
		{"dtype", w.Body.DType},
		{"path", w.Body.Path},
		{"stream", w.Body.Stream},
	}
	for _, c := range columns {
		for i, s := range c.col {
			if err := checkString(s, xmlChars); err != nil {
				return fmt.Errorf("%w: %s %d %v", ErrUnencodableText, c.name, i, err)
			}
		}
	}
	return nil
}

func checkString(s *string, xmlChars bool) error {
	if s == nil {
		return nil
	}
	if !utf8.ValidString(*s) {
		return errors.New("is not valid UTF-8")
	}
	if !xmlChars {
		return nil
	}
	for i, r := range *s {
		if !isXMLChar(r) {
			return fmt.Errorf("has %U at byte %d", r, i)
		}
	}
	return nil
}

// isXMLChar reports whether r is in the XML 1.0 Char production.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalAddress(a *address.Address) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func toWire(e *Envelope) wireEnvelope {
	ts := e.timestamp.Format(e.cfg.TimeLayout)
	w := wireEnvelope{
		Head: wireHead{
			Timestamp:   &ts,
			Origination: optionalAddress(e.origination),
			Destination: optionalAddress(e.destination),
			Treatment:   optionalAddress(e.treatment),
			Encryption:  optionalAddress(e.encryption),
			Case:        optional(e.caseID),
			Activity:    optional(e.activity),
		},
		Body: wireBody{
			Nums:   len(e.units),
			Coding: make(wireList, 0, len(e.units)),
			DType:  make(wireList, 0, len(e.units)),
			Path:   make(wireList, 0, len(e.units)),
			Stream: make(wireList, 0, len(e.units)),
		},
	}
	for _, u := range e.units {
		w.Body.Path = append(w.Body.Path, optional(u.path))
		if u.dtype == "" {
			w.Body.Coding = append(w.Body.Coding, nil)
			w.Body.DType = append(w.Body.DType, nil)
			w.Body.Stream = append(w.Body.Stream, nil)
			continue
		}
		stream, coding, dtype := u.stream, u.coding, string(u.dtype)
		w.Body.Coding = append(w.Body.Coding, &coding)
		w.Body.DType = append(w.Body.DType, &dtype)
		w.Body.Stream = append(w.Body.Stream, &stream)
	}
	return w
}

func fromWire(w wireEnvelope, cfg Config) (*Envelope, error) {
	cfg = cfg.withDefaults()
	e := &Envelope{cfg: cfg}

	if w.Head.Timestamp == nil {
		e.timestamp = cfg.Now()
	} else {
		ts, err := time.ParseInLocation(cfg.TimeLayout, *w.Head.Timestamp, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedEnvelope, err)
		}
		e.timestamp = ts
	}

	fields := []struct {
		name string
		raw  *string
		dst  **address.Address
	}{
		{"origination", w.Head.Origination, &e.origination},
		{"destination", w.Head.Destination, &e.destination},
		{"treatment", w.Head.Treatment, &e.treatment},
		{"encryption", w.Head.Encryption, &e.encryption},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		a, err := address.Parse(*f.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: head %s: %w", ErrMalformedEnvelope, f.name, err)
		}
		*f.dst = a
	}
	e.caseID = deref(w.Head.Case)
	e.activity = deref(w.Head.Activity)

	nums := w.Body.Nums
	if nums < 0 {
		return nil, fmt.Errorf("%w: nums %d", ErrMalformedEnvelope, nums)
	}
	columns := map[string]wireList{
		"coding": w.Body.Coding,
		"dtype":  w.Body.DType,
		"path":   w.Body.Path,
		"stream": w.Body.Stream,
	}
	for name, col := range columns {
		if col == nil && nums == 1 {
			col = wireList{nil}
		}
		if col == nil {
			col = wireList{}
		}
		if len(col) != nums {
			return nil, fmt.Errorf("%w: %s has %d entries, nums is %d", ErrMalformedEnvelope, name, len(col), nums)
		}
		columns[name] = col
	}

	e.units = make([]unit, 0, nums)
	for i := 0; i < nums; i++ {
		stream, coding, dtype := columns["stream"][i], columns["coding"][i], columns["dtype"][i]
		if _, err := DecodeDatum(stream, coding, dtype); err != nil {
			return nil, fmt.Errorf("datum %d: %w", i, err)
		}
		u := unit{path: deref(columns["path"][i])}
		if dtype != nil {
			u.stream, u.coding, u.dtype = *stream, *coding, DType(*dtype)
		}
		e.units = append(e.units, u)
	}
	return e, nil
}
