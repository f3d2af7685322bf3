package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ValueCodec encodes non scalar field values (maps, slices, structs) into
// hash values.
type ValueCodec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec stores structured values as JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec stores structured values as msgpack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName resolves "json" (also the empty string) or "msgpack".
func CodecByName(name string) (ValueCodec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown value encoding %q", name)
}

var timeType = reflect.TypeOf(time.Time{})

// FieldCodec converts entities to and from flat string maps.
type FieldCodec struct {
	schema *Schema
	values ValueCodec
}

// NewFieldCodec returns a codec for s. A nil ValueCodec means JSON.
func NewFieldCodec(s *Schema, values ValueCodec) *FieldCodec {
	if values == nil {
		values = JSONCodec{}
	}
	return &FieldCodec{schema: s, values: values}
}

func (c *FieldCodec) Schema() *Schema { return c.schema }

// Encode serializes the fields of m participating in tier.
func (c *FieldCodec) Encode(m Model, tier Tier) (map[string]string, error) {
	out := make(map[string]string)
	for _, f := range c.schema.fields {
		if !f.Class.In(tier) {
			continue
		}
		s, err := c.encodeValue(c.schema.fieldValue(m, f))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		out[f.Name] = s
	}
	return out, nil
}

// EncodeValues serializes a change set.
func (c *FieldCodec) EncodeValues(values map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		s, err := c.EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// EncodeValue serializes one value the way Encode does.
func (c *FieldCodec) EncodeValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return c.encodeValue(reflect.ValueOf(v))
}

func (c *FieldCodec) encodeValue(rv reflect.Value) (string, error) {
	if s, ok := formatScalar(rv); ok {
		return s, nil
	}
	data, err := c.values.Marshal(rv.Interface())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// formatScalar renders strings, numbers, booleans and times in their natural
// form. Nil pointers render as the empty string.
func formatScalar(rv reflect.Value) (string, bool) {
	if rv.Type() == timeType {
		t := rv.Interface().(time.Time)
		if t.IsZero() {
			return "", true
		}
		return t.Format(time.RFC3339Nano), true
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "", true
		}
		return formatScalar(rv.Elem())
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 32), true
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), true
	}
	return "", false
}

// Decode populates m from data. Keys that are not tracked fields are ignored.
// The tracker is not notified.
func (c *FieldCodec) Decode(data map[string]string, m Model) error {
	for name, raw := range data {
		f, ok := c.schema.Field(name)
		if !ok {
			continue
		}
		if err := c.decodeInto(c.schema.fieldValue(m, f), raw); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return nil
}

// DecodeNew allocates a fresh entity and decodes data into it.
func (c *FieldCodec) DecodeNew(data map[string]string) (Model, error) {
	m := c.schema.New()
	if err := c.Decode(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *FieldCodec) decodeInto(fv reflect.Value, raw string) error {
	if fv.Type() == timeType {
		if raw == "" {
			fv.Set(reflect.Zero(timeType))
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(t))
		return nil
	}

	switch fv.Kind() {
	case reflect.Pointer:
		if raw == "" {
			fv.Set(reflect.Zero(fv.Type()))
			return nil
		}
		elem := reflect.New(fv.Type().Elem())
		if err := c.decodeInto(elem.Elem(), raw); err != nil {
			return err
		}
		fv.Set(elem)
		return nil
	case reflect.String:
		fv.SetString(raw)
		return nil
	case reflect.Bool:
		if raw == "" {
			fv.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if raw == "" {
			fv.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if raw == "" {
			fv.SetUint(0)
			return nil
		}
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		if raw == "" {
			fv.SetFloat(0)
			return nil
		}
		n, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(n)
		return nil
	}

	fv.Set(reflect.Zero(fv.Type()))
	if raw == "" {
		return nil
	}
	return c.values.Unmarshal([]byte(raw), fv.Addr().Interface())
}

// EncodeMember serializes the cache tier of m as one collection hash value.
func (c *FieldCodec) EncodeMember(m Model) (string, error) {
	fields, err := c.Encode(m, TierCache)
	if err != nil {
		return "", err
	}
	data, err := c.values.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMember is the inverse of EncodeMember.
func (c *FieldCodec) DecodeMember(raw string) (Model, error) {
	var fields map[string]string
	if err := c.values.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return c.DecodeNew(fields)
}
