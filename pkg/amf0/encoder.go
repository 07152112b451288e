package amf0

import (
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Marshaler lets a host type take over its own AMF0 encoding. The
// encoder consults the object reference cache first, then the
// marshaler, then the default dispatch.
type Marshaler interface {
	MarshalAMF0(e *Encoder) error
}

// Encoder encodes host values to AMF0. Encode resets the object
// reference table and the output buffer, so one encoder produces one
// top-level value at a time and must not be used concurrently.
type Encoder struct {
	w      *amf.Writer
	mapper amf.ClassMapper

	objects *amf.ObjectTable
}

// NewEncoder creates an encoder. A nil mapper falls back to an empty
// TypeRegistry, under which only *amf.TypedObject values with a
// class name encode as typed objects.
func NewEncoder(mapper amf.ClassMapper) *Encoder {
	if mapper == nil {
		mapper = amf.NewTypeRegistry()
	}
	return &Encoder{w: amf.NewWriter(), mapper: mapper}
}

// Writer exposes the output stream, primarily for Marshaler
// implementations.
func (e *Encoder) Writer() *amf.Writer { return e.w }

// Encode serializes one value and returns its bytes. A failed encode
// leaves no partial output behind.
func (e *Encoder) Encode(v any) ([]byte, error) {
	e.w.Reset()
	e.objects = amf.NewObjectTable()

	if err := e.WriteValue(v); err != nil {
		return nil, err
	}
	out := make([]byte, e.w.Len())
	copy(out, e.w.Bytes())
	return out, nil
}

// WriteValue encodes one value into the current stream. Revisited
// composites emit a reference marker instead of a second inline
// copy, which is also what terminates cyclic graphs.
func (e *Encoder) WriteValue(v any) error {
	if idx, ok := e.objects.Lookup(v); ok {
		return e.writeReference(idx)
	}
	if m, ok := v.(Marshaler); ok {
		return m.MarshalAMF0(e)
	}

	switch val := v.(type) {
	case nil:
		return e.w.WriteByte(TypeNull)
	case bool:
		if err := e.w.WriteByte(TypeBoolean); err != nil {
			return err
		}
		if val {
			return e.w.WriteByte(1)
		}
		return e.w.WriteByte(0)
	case int:
		return e.writeNumber(float64(val))
	case int8:
		return e.writeNumber(float64(val))
	case int16:
		return e.writeNumber(float64(val))
	case int32:
		return e.writeNumber(float64(val))
	case int64:
		return e.writeNumber(float64(val))
	case uint:
		return e.writeNumber(float64(val))
	case uint8:
		return e.writeNumber(float64(val))
	case uint16:
		return e.writeNumber(float64(val))
	case uint32:
		return e.writeNumber(float64(val))
	case uint64:
		return e.writeNumber(float64(val))
	case float32:
		return e.writeNumber(float64(val))
	case float64:
		return e.writeNumber(val)
	case string:
		return e.writeString(val)
	case []byte:
		// Opaque byte buffers only exist in AMF3.
		return fmt.Errorf("byte array in amf0: %w", amf.ErrUnsupportedValue)
	case amf.XMLDocument:
		return e.writeXMLDocument(string(val))
	case time.Time:
		return e.writeDate(val)
	case []any:
		return e.writeStrictArray(val, val)
	case *amf.TypedObject, map[string]any, amf.ECMAArray:
		return e.writeObject(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		arr := make([]any, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return e.writeStrictArray(arr, v)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return e.writeObject(v)
		}
	case reflect.Struct, reflect.Ptr:
		if e.mapper.PropsForSerialization(v) != nil {
			return e.writeObject(v)
		}
	}
	return fmt.Errorf("type %T: %w", v, amf.ErrUnsupportedValue)
}

func (e *Encoder) writeReference(idx int) error {
	if idx > 0xFFFF {
		return fmt.Errorf("reference index %d: %w", idx, amf.ErrRange)
	}
	if err := e.w.WriteByte(TypeReference); err != nil {
		return err
	}
	return e.w.WriteUint16(uint16(idx))
}

func (e *Encoder) writeNumber(v float64) error {
	if err := e.w.WriteByte(TypeNumber); err != nil {
		return err
	}
	return e.w.WriteDouble(v)
}

// writeString writes a string value, picking the short or long
// marker by length.
func (e *Encoder) writeString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q: %w", s, amf.ErrEncoding)
	}
	if len(s) > 0xFFFF {
		if err := e.w.WriteByte(TypeLongString); err != nil {
			return err
		}
		if err := e.w.WriteUint32(uint32(len(s))); err != nil {
			return err
		}
		return e.w.Write([]byte(s))
	}
	if err := e.w.WriteByte(TypeString); err != nil {
		return err
	}
	return e.writeKey(s)
}

// writeKey writes a marker-less u16-length string, the form used for
// property names and class names.
func (e *Encoder) writeKey(s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("key length %d: %w", len(s), amf.ErrRange)
	}
	if err := e.w.WriteUint16(uint16(len(s))); err != nil {
		return err
	}
	return e.w.Write([]byte(s))
}

func (e *Encoder) writeXMLDocument(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("xml payload: %w", amf.ErrEncoding)
	}
	if err := e.w.WriteByte(TypeXMLDocument); err != nil {
		return err
	}
	if err := e.w.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return e.w.Write([]byte(s))
}

func (e *Encoder) writeDate(t time.Time) error {
	if err := e.w.WriteByte(TypeDate); err != nil {
		return err
	}
	if err := e.w.WriteDouble(float64(t.UnixMilli())); err != nil {
		return err
	}
	return e.w.WriteUint16(0)
}

func (e *Encoder) writeStrictArray(arr []any, identity any) error {
	e.objects.Add(identity)
	if err := e.w.WriteByte(TypeStrictArray); err != nil {
		return err
	}
	if err := e.w.WriteUint32(uint32(len(arr))); err != nil {
		return err
	}
	for _, elem := range arr {
		if err := e.WriteValue(elem); err != nil {
			return err
		}
	}
	return nil
}

// writeObject writes a mapping or typed object: the typed-object
// marker with the mapper's class name when there is one, the ECMA
// array marker with its count for plain mappings, the anonymous
// object marker otherwise. Properties iterate in sorted order so
// output is deterministic.
func (e *Encoder) writeObject(v any) error {
	e.objects.Add(v)

	props := e.mapper.PropsForSerialization(v)
	if props == nil {
		return fmt.Errorf("type %T: %w", v, amf.ErrUnsupportedValue)
	}

	className, named := e.mapper.WireClassName(v)
	switch {
	case named:
		if err := e.w.WriteByte(TypeTypedObject); err != nil {
			return err
		}
		if err := e.writeKey(className); err != nil {
			return err
		}
	case isHash(v):
		if err := e.w.WriteByte(TypeEcmaArray); err != nil {
			return err
		}
		if err := e.w.WriteUint32(uint32(len(props))); err != nil {
			return err
		}
	default:
		if err := e.w.WriteByte(TypeObject); err != nil {
			return err
		}
	}

	translate := amf.OptionBool(e.mapper, v, amf.OptionTranslateCase)
	for _, k := range amf.SortedKeys(props) {
		name := k
		if translate {
			name = amf.CamelCase(k)
		}
		if err := e.writeKey(name); err != nil {
			return err
		}
		if err := e.WriteValue(props[k]); err != nil {
			return err
		}
	}

	if err := e.w.WriteUint16(0); err != nil {
		return err
	}
	return e.w.WriteByte(TypeObjectEnd)
}

func isHash(v any) bool {
	switch v.(type) {
	case map[string]any, amf.ECMAArray:
		return true
	}
	return reflect.ValueOf(v).Kind() == reflect.Map
}
