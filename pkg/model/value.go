package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind discriminates the tagged attribute value union.
type ValueKind string

const (
	KindText  ValueKind = "text"
	KindInt   ValueKind = "int"
	KindFloat ValueKind = "float"
	KindDate  ValueKind = "date"
	KindBytes ValueKind = "bytes"
)

// AttrValue is a tagged attribute value: text, number, date, or raw bytes.
// Byte values round-trip exactly; there is no lossy text coercion.
type AttrValue struct {
	Kind  ValueKind
	Text  string
	Int   int64
	Float float64
	Date  string // YYYYMMDD
	Bytes []byte
}

func Text(s string) AttrValue   { return AttrValue{Kind: KindText, Text: s} }
func Int(v int64) AttrValue     { return AttrValue{Kind: KindInt, Int: v} }
func Float(v float64) AttrValue { return AttrValue{Kind: KindFloat, Float: v} }
func Bytes(b []byte) AttrValue  { return AttrValue{Kind: KindBytes, Bytes: b} }

// Date builds a date value from a time, keeping only the day.
func Date(t time.Time) AttrValue {
	return AttrValue{Kind: KindDate, Date: t.Format("20060102")}
}

// DateString builds a date value from an already formatted YYYYMMDD string.
func DateString(s string) AttrValue {
	return AttrValue{Kind: KindDate, Date: s}
}

// Equal reports deep equality, including byte content.
func (v AttrValue) Equal(o AttrValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.Text == o.Text
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindDate:
		return v.Date == o.Date
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for reports and audit details.
func (v AttrValue) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindDate:
		return v.Date
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.Bytes))
	}
	return ""
}

// jsonValue is the wire form inside the core attribute blob. Bytes are
// base64-encoded with an explicit kind marker so they survive JSON exactly.
type jsonValue struct {
	Kind  ValueKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Int   int64     `json:"int,omitempty"`
	Float float64   `json:"float,omitempty"`
	Date  string    `json:"date,omitempty"`
	Bytes string    `json:"bytes,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Kind: v.Kind, Text: v.Text, Int: v.Int, Float: v.Float, Date: v.Date}
	if v.Kind == KindBytes {
		jv.Bytes = base64.StdEncoding.EncodeToString(v.Bytes)
	}
	return json.Marshal(jv)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *AttrValue) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	*v = AttrValue{Kind: jv.Kind, Text: jv.Text, Int: jv.Int, Float: jv.Float, Date: jv.Date}
	if jv.Kind == KindBytes {
		b, err := base64.StdEncoding.DecodeString(jv.Bytes)
		if err != nil {
			return fmt.Errorf("decode bytes value: %w", err)
		}
		v.Bytes = b
	}
	return nil
}
