// Package json wraps jsoniter. Every encode and decode fills struct
// `default` tags first, and MarshalCanonical produces a stable byte form
// for hashing.
package json

import (
	stdjson "encoding/json"
	"io"
	"reflect"

	"github.com/creasty/defaults"
	jsoniter "github.com/json-iterator/go"
)

var (
	std = jsoniter.ConfigCompatibleWithStandardLibrary

	// canonical sorts map keys so equal values always encode to the same bytes.
	canonical = jsoniter.Config{
		EscapeHTML:             false,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()
)

// RawMessage is a raw encoded JSON value.
type RawMessage = jsoniter.RawMessage

// Number is the value UseNumber decodes numbers into.
type Number = stdjson.Number

type Encoder struct {
	*jsoniter.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		Encoder: std.NewEncoder(w),
	}
}

// Encode 覆盖嵌入的 Encode 方法，添加 defaults.Set 逻辑
func (e *Encoder) Encode(v any) error {
	if err := setDefaults(v); err != nil {
		return err
	}
	return e.Encoder.Encode(v)
}

type Decoder struct {
	*jsoniter.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		Decoder: std.NewDecoder(r),
	}
}

// Decode 覆盖嵌入的 Decode 方法，添加 defaults.Set 逻辑
func (d *Decoder) Decode(v any) error {
	if err := setDefaults(v); err != nil {
		return err
	}
	return d.Decoder.Decode(v)
}

func Marshal(v any) ([]byte, error) {
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	return std.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	if err := setDefaults(v); err != nil {
		return err
	}
	return std.Unmarshal(data, v)
}

// MarshalCanonical encodes v with sorted map keys and no HTML escaping.
// Defaults are not applied: the output must reflect v exactly.
func MarshalCanonical(v any) ([]byte, error) {
	return canonical.Marshal(v)
}

// setDefaults applies `default` tags when v is a pointer to a struct and
// ignores every other kind of value.
func setDefaults(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil
	}
	return defaults.Set(v)
}
