// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
)

// A Codec converts between Go values and the byte payloads of invocations
// and results.
type Codec interface {
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

var (
	// Binary is the default codec. It handles []byte and string (or pointers
	// to these) directly, and otherwise uses the encoding.BinaryMarshaler or
	// encoding.TextMarshaler methods of a value, preferring binary.
	Binary Codec = binaryCodec{}

	// JSON encodes values with encoding/json.
	JSON Codec = jsonCodec{}
)

type binaryCodec struct{}

// Unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.
func (binaryCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// Marshal encodes v into data. As a special case if v is a nil pointer to a
// string or []byte, the result is nil without error.
func (binaryCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal treats empty data as JSON null, so that a call without arguments
// decodes to the zero value.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
