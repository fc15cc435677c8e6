// Package codec serializes event payloads and names their data types.
//
// Payloads cross the network as JSON produced by sonic. Data types are
// identified by a type tag, which defaults to the Go type's String() form and
// can be overridden with RegisterName so two binaries agree on a tag.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Cloner lets a payload type provide its own deep copy for the Modify and
// NoModify copy policies. Clone must return a value of the same dynamic type.
type Cloner interface {
	Clone() any
}

var (
	namesMu sync.RWMutex
	names   = make(map[reflect.Type]string)
)

// RegisterName overrides the type tag used for T.
func RegisterName[T any](name string) {
	namesMu.Lock()
	defer namesMu.Unlock()
	names[reflect.TypeFor[T]()] = name
}

// TagFor returns the type tag of T.
func TagFor[T any]() string {
	return tagOfType(reflect.TypeFor[T]())
}

// TagOf returns the type tag of the dynamic type of v, or "" for nil.
func TagOf(v any) string {
	if v == nil {
		return ""
	}
	return tagOfType(reflect.TypeOf(v))
}

func tagOfType(t reflect.Type) string {
	namesMu.RLock()
	name, ok := names[t]
	namesMu.RUnlock()
	if ok {
		return name
	}
	return t.String()
}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Decode unmarshals data into a fresh T.
func Decode[T any](data []byte) (T, error) {
	var out T
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", TagFor[T](), err)
	}
	return out, nil
}

// Clone returns a deep copy of v. Values without references are returned as
// is; Cloner implementations copy themselves; everything else goes through a
// JSON round trip, which drops unexported fields.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c, ok := v.(Cloner); ok {
		return c.Clone(), nil
	}
	t := reflect.TypeOf(v)
	if isPlain(t) {
		return v, nil
	}
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", t, err)
	}
	target := reflect.New(t)
	if err := defaultConfig.Unmarshal(data, target.Interface()); err != nil {
		return nil, fmt.Errorf("clone %s: %w", t, err)
	}
	return target.Elem().Interface(), nil
}

func isPlain(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPlain(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPlain(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
