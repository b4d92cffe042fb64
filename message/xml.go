package message

import (
	"encoding/xml"
	"fmt"
)

// xmlValue is a text element; null="true" distinguishes null from "".
type xmlValue struct {
	Null bool   `xml:"null,attr,omitempty"`
	Text string `xml:",chardata"`
}

type xmlEnvelope struct {
	XMLName xml.Name `xml:"msg"`
	Head    xmlHead  `xml:"head"`
	Body    xmlBody  `xml:"body"`
}

// xmlHead fields are pointers so a missing element decodes as null.
type xmlHead struct {
	Timestamp   *xmlValue `xml:"timestamp"`
	Origination *xmlValue `xml:"origination"`
	Destination *xmlValue `xml:"destination"`
	Treatment   *xmlValue `xml:"treatment"`
	Encryption  *xmlValue `xml:"encryption"`
	Case        *xmlValue `xml:"case"`
	Activity    *xmlValue `xml:"activity"`
}

type xmlBody struct {
	Nums   int        `xml:"nums"`
	Coding []xmlValue `xml:"coding"`
	DType  []xmlValue `xml:"dtype"`
	Path   []xmlValue `xml:"path"`
	Stream []xmlValue `xml:"stream"`
}

func toXMLValue(s *string) *xmlValue {
	if s == nil {
		return &xmlValue{Null: true}
	}
	return &xmlValue{Text: *s}
}

func (v *xmlValue) ptr() *string {
	if v == nil || v.Null {
		return nil
	}
	s := v.Text
	return &s
}

func toXMLList(l wireList) []xmlValue {
	out := make([]xmlValue, len(l))
	for i, s := range l {
		out[i] = *toXMLValue(s)
	}
	return out
}

func fromXMLList(vs []xmlValue) wireList {
	if vs == nil {
		return nil
	}
	out := make(wireList, len(vs))
	for i := range vs {
		out[i] = vs[i].ptr()
	}
	return out
}

func marshalXML(w wireEnvelope) ([]byte, error) {
	doc := xmlEnvelope{
		Head: xmlHead{
			Timestamp:   toXMLValue(w.Head.Timestamp),
			Origination: toXMLValue(w.Head.Origination),
			Destination: toXMLValue(w.Head.Destination),
			Treatment:   toXMLValue(w.Head.Treatment),
			Encryption:  toXMLValue(w.Head.Encryption),
			Case:        toXMLValue(w.Head.Case),
			Activity:    toXMLValue(w.Head.Activity),
		},
		Body: xmlBody{
			Nums:   w.Body.Nums,
			Coding: toXMLList(w.Body.Coding),
			DType:  toXMLList(w.Body.DType),
			Path:   toXMLList(w.Body.Path),
			Stream: toXMLList(w.Body.Stream),
		},
	}
	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

func unmarshalXML(data []byte) (wireEnvelope, error) {
	var doc xmlEnvelope
	if err := xml.Unmarshal(data, &doc); err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return wireEnvelope{
		Head: wireHead{
			Timestamp:   doc.Head.Timestamp.ptr(),
			Origination: doc.Head.Origination.ptr(),
			Destination: doc.Head.Destination.ptr(),
			Treatment:   doc.Head.Treatment.ptr(),
			Encryption:  doc.Head.Encryption.ptr(),
			Case:        doc.Head.Case.ptr(),
			Activity:    doc.Head.Activity.ptr(),
		},
		Body: wireBody{
			Nums:   doc.Body.Nums,
			Coding: fromXMLList(doc.Body.Coding),
			DType:  fromXMLList(doc.Body.DType),
			Path:   fromXMLList(doc.Body.Path),
			Stream: fromXMLList(doc.Body.Stream),
		},
	}, nil
}
