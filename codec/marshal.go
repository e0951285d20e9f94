// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Marshaler encodes and decodes message bodies of one wire format.
type Marshaler interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Built-in marshalers.
var (
	JSON    Marshaler = jsonMarshaler{}
	Msgpack Marshaler = msgpackMarshaler{}
	Proto   Marshaler = protoMarshaler{}
)

// MarshalerByName resolves a marshaler from its configuration name.
func MarshalerByName(name string) (Marshaler, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	case "proto", "protobuf":
		return Proto, nil
	default:
		return nil, fmt.Errorf("unknown body codec %q", name)
	}
}

type jsonMarshaler struct{}

func (jsonMarshaler) Name() string                       { return "json" }
func (jsonMarshaler) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonMarshaler) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackMarshaler struct{}

func (msgpackMarshaler) Name() string                       { return "msgpack" }
func (msgpackMarshaler) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackMarshaler) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type protoMarshaler struct{}

func (protoMarshaler) Name() string { return "proto" }

func (protoMarshaler) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (protoMarshaler) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}
