// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/absmach/mom/message"
	"google.golang.org/protobuf/proto"
)

// Registry errors.
var (
	ErrDecode           = errors.New("decode error")
	ErrUnregisteredType = errors.New("unregistered body type")
	ErrDuplicateTag     = errors.New("type tag already registered")
	ErrInvalidType      = errors.New("body type must be a concrete type")
)

// Registry maps body types to wire type tags and back.
// The set of message kinds is open: applications register their own types.
type Registry struct {
	mu       sync.RWMutex
	byTag    map[string]*entry
	byType   map[reflect.Type]*entry
	fallback Marshaler
}

type entry struct {
	tag       string
	marshaler Marshaler
	decode    func(data []byte) (any, error)
}

// NewRegistry creates a registry whose Register calls use m.
// A nil marshaler selects JSON. ClientDetails is always registered.
func NewRegistry(m Marshaler) *Registry {
	if m == nil {
		m = JSON
	}
	r := &Registry{
		byTag:    make(map[string]*entry),
		byType:   make(map[reflect.Type]*entry),
		fallback: m,
	}
	if err := RegisterWith[message.ClientDetails](r, message.ClientDetailsType, JSON); err != nil {
		panic(err)
	}
	return r
}

// Marshaler returns the registry default body marshaler.
func (r *Registry) Marshaler() Marshaler {
	return r.fallback
}

// Register binds T to tag using the registry default marshaler.
func Register[T any](r *Registry, tag string) error {
	return RegisterWith[T](r, tag, r.fallback)
}

// RegisterWith binds T to tag using m.
func RegisterWith[T any](r *Registry, tag string, m Marshaler) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %s", ErrInvalidType, typ)
	}
	return r.add(typ, &entry{
		tag:       tag,
		marshaler: m,
		decode: func(data []byte) (any, error) {
			var v T
			if err := m.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

// RegisterProto binds a generated protobuf message type using its full name as tag.
func RegisterProto[T proto.Message](r *Registry) error {
	var zero T
	mt := zero.ProtoReflect().Type()
	tag := string(mt.Descriptor().FullName())
	return r.add(reflect.TypeOf(zero), &entry{
		tag:       tag,
		marshaler: Proto,
		decode: func(data []byte) (any, error) {
			msg := mt.New().Interface()
			if err := proto.Unmarshal(data, msg); err != nil {
				return nil, err
			}
			return msg.(T), nil
		},
	})
}

// As converts body to T, decoding it first when it is still Raw.
func As[T any](r *Registry, body any) (T, error) {
	var zero T
	if v, ok := body.(T); ok {
		return v, nil
	}
	raw, ok := body.(message.Raw)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnregisteredType, body)
	}
	v, err := r.Decode(raw.Type, raw.Payload)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: tag %s decodes to %T", ErrDecode, raw.Type, v)
	}
	return t, nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](r *Registry, tag string) {
	if err := Register[T](r, tag); err != nil {
		panic(err)
	}
}

func (r *Registry) add(typ reflect.Type, e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTag[e.tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, e.tag)
	}
	if prev, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %s already bound to %s", ErrDuplicateTag, typ, prev.tag)
	}
	r.byTag[e.tag] = e
	r.byType[typ] = e
	return nil
}

// TagOf returns the type tag of body's dynamic type.
func (r *Registry) TagOf(body any) (string, bool) {
	if raw, ok := body.(message.Raw); ok {
		return raw.Type, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byType[reflect.TypeOf(body)]
	if !ok {
		return "", false
	}
	return e.tag, true
}

// TagFor returns the type tag registered for T.
func TagFor[T any](r *Registry) (string, bool) {
	typ := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byType[typ]
	if !ok {
		return "", false
	}
	return e.tag, true
}

// Tags returns all registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Encode marshals body by value and returns its tag and payload.
// Raw bodies are passed through untouched.
func (r *Registry) Encode(body any) (string, []byte, error) {
	if raw, ok := body.(message.Raw); ok {
		return raw.Type, raw.Payload, nil
	}

	r.mu.RLock()
	e, ok := r.byType[reflect.TypeOf(body)]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrUnregisteredType, body)
	}

	data, err := e.marshaler.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", e.tag, err)
	}
	return e.tag, data, nil
}

// Known reports whether tag is registered.
func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byTag[tag]
	return ok
}

// Decode rebuilds a body from its tag and payload.
// Unknown tags and corrupt payloads are reported as ErrDecode.
func (r *Registry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	e, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type tag %q", ErrDecode, tag)
	}

	v, err := e.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, tag, err)
	}
	return v, nil
}
