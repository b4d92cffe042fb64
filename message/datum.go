package message

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DType tags how a unit's stream is stored on the wire.
type DType string

const (
	// DTypeText streams hold the text verbatim.
	DTypeText DType = "str"
	// DTypeBinary streams hold standard Base64 of the raw bytes.
	DTypeBinary DType = "base64"
)

// DefaultCoding is the character coding label stamped on new units.
const DefaultCoding = "utf-8"

// Payload is the decoded content of one data unit. The zero value is the
// null payload, used for "no unit here" slots.
type Payload struct {
	dtype DType
	text  string
	data  []byte
}

// TextPayload wraps text.
func TextPayload(text string) Payload {
	return Payload{dtype: DTypeText, text: text}
}

// BinaryPayload wraps a copy of data.
func BinaryPayload(data []byte) Payload {
	return Payload{dtype: DTypeBinary, data: append([]byte{}, data...)}
}

// IsNull reports whether the payload carries nothing.
func (p Payload) IsNull() bool { return p.dtype == "" }

// Type returns the payload tag, or "" for the null payload.
func (p Payload) Type() DType { return p.dtype }

// String returns text payloads verbatim and binary payloads as raw bytes.
func (p Payload) String() string {
	if p.dtype == DTypeBinary {
		return string(p.data)
	}
	return p.text
}

// Bytes returns binary payloads as is and text payloads as UTF-8.
func (p Payload) Bytes() []byte {
	switch p.dtype {
	case DTypeBinary:
		return p.data
	case DTypeText:
		return []byte(p.text)
	default:
		return nil
	}
}

// Encoded returns the bytes to persist for this payload. Text is converted to
// the given character coding; binary payloads are returned unchanged.
func (p Payload) Encoded(coding string) ([]byte, error) {
	if p.dtype != DTypeText {
		return p.Bytes(), nil
	}
	enc, err := lookupCoding(coding)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(p.text))
	if err != nil {
		return nil, fmt.Errorf("%w: %s cannot represent text: %v", ErrUnsupportedEncoding, coding, err)
	}
	return out, nil
}

// EncodeDatum converts a payload to its wire stream and tag. The null payload
// encodes to empty values.
func EncodeDatum(p Payload) (string, DType) {
	switch p.dtype {
	case DTypeText:
		return p.text, DTypeText
	case DTypeBinary:
		return base64.StdEncoding.EncodeToString(p.data), DTypeBinary
	default:
		return "", ""
	}
}

// DecodeDatum is the inverse of EncodeDatum. Stream, coding and dtype travel
// together: all nil yields the null payload, a partial triple is an error.
func DecodeDatum(stream, coding, dtype *string) (Payload, error) {
	present := 0
	for _, v := range []*string{stream, coding, dtype} {
		if v != nil {
			present++
		}
	}
	switch present {
	case 0:
		return Payload{}, nil
	case 3:
	default:
		return Payload{}, ErrInconsistentUnit
	}

	if _, err := lookupCoding(*coding); err != nil {
		return Payload{}, err
	}

	switch DType(*dtype) {
	case DTypeText:
		return TextPayload(*stream), nil
	case DTypeBinary:
		data, err := base64.StdEncoding.DecodeString(*stream)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
		return Payload{dtype: DTypeBinary, data: data}, nil
	default:
		return Payload{}, fmt.Errorf("%w: dtype %q", ErrUnsupportedEncoding, *dtype)
	}
}

func lookupCoding(label string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("%w: coding %q", ErrUnsupportedEncoding, label)
	}
	return enc, nil
}

// CheckCoding reports whether label names a supported character coding.
func CheckCoding(label string) error {
	_, err := lookupCoding(label)
	return err
}
