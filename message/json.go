package message

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

func marshalJSON(w wireEnvelope) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte) (wireEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return w, nil
}

// UnmarshalJSON accepts null, a string, or a list of strings and nulls.
func (l *wireList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var items []*string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if items == nil {
			items = []*string{}
		}
		*l = items
		return nil
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = wireList{&s}
		return nil
	}
}
