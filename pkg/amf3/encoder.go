package amf3

import (
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Marshaler lets a host type take over its own AMF3 encoding. The
// encoder dispatches to it before any default handling, so a
// marshaler can emit any wire shape through the encoder's public
// operations.
type Marshaler interface {
	MarshalAMF3(e *Encoder) error
}

// Encoder encodes host values to AMF3. An encoder owns the string,
// object and trait reference tables for its output stream; Encode
// resets them, so one encoder produces one top-level value at a time
// and must not be used concurrently.
type Encoder struct {
	w      *amf.Writer
	mapper amf.ClassMapper

	objects *amf.ObjectTable
	strings *amf.StringTable
	traits  *amf.StringTable
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

// Writer exposes the output stream, primarily for Marshaler and
// Externalizable implementations.
func (e *Encoder) Writer() *amf.Writer { return e.w }

// Encode serializes one value and returns its bytes. The reference
// tables and output buffer reset on entry, so a failed encode leaves
// no partial output behind.
func (e *Encoder) Encode(v any) ([]byte, error) {
	e.w.Reset()
	e.objects = amf.NewObjectTable()
	e.strings = amf.NewStringTable()
	e.traits = amf.NewStringTable()

	if err := e.WriteValue(v); err != nil {
		return nil, err
	}
	out := make([]byte, e.w.Len())
	copy(out, e.w.Bytes())
	return out, nil
}

// WriteValue encodes one value into the current stream. It is the
// recursion point for composite values and the entry point for
// Marshaler implementations writing sub-values.
func (e *Encoder) WriteValue(v any) error {
	if m, ok := v.(Marshaler); ok {
		return m.MarshalAMF3(e)
	}

	switch val := v.(type) {
	case nil:
		return e.w.WriteByte(TypeNull)
	case bool:
		if val {
			return e.w.WriteByte(TypeTrue)
		}
		return e.w.WriteByte(TypeFalse)
	case int:
		return e.writeInteger(int64(val))
	case int8:
		return e.writeInteger(int64(val))
	case int16:
		return e.writeInteger(int64(val))
	case int32:
		return e.writeInteger(int64(val))
	case int64:
		return e.writeInteger(val)
	case uint:
		return e.writeUinteger(uint64(val))
	case uint8:
		return e.writeUinteger(uint64(val))
	case uint16:
		return e.writeUinteger(uint64(val))
	case uint32:
		return e.writeUinteger(uint64(val))
	case uint64:
		return e.writeUinteger(val)
	case float32:
		return e.writeDouble(float64(val))
	case float64:
		return e.writeDouble(val)
	case string:
		if err := e.w.WriteByte(TypeString); err != nil {
			return err
		}
		return e.WriteUTF8VR(val)
	case []byte:
		return e.writeByteArray(val)
	case time.Time:
		return e.writeDate(val)
	case []any:
		return e.writeArray(val, val)
	case amf.XMLDocument:
		return e.writeXML(TypeXMLDoc, string(val), val)
	case amf.XML:
		return e.writeXML(TypeXML, string(val), val)
	case *amf.Dictionary:
		return e.writeDictionary(val)
	case *amf.TypedObject, map[string]any, amf.ECMAArray:
		return e.writeObject(val)
	}

	// Fall back on reflection for other slices, string-keyed maps
	// and mapper-known structs.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		arr := make([]any, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return e.writeArray(arr, v)
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

func (e *Encoder) writeInteger(n int64) error {
	if n < amf.MinInt29 || n > amf.MaxInt29 {
		return e.writeDouble(float64(n))
	}
	if err := e.w.WriteByte(TypeInteger); err != nil {
		return err
	}
	return e.w.WriteInt29(int32(n))
}

func (e *Encoder) writeUinteger(n uint64) error {
	if n > amf.MaxInt29 {
		return e.writeDouble(float64(n))
	}
	return e.writeInteger(int64(n))
}

func (e *Encoder) writeDouble(v float64) error {
	if err := e.w.WriteByte(TypeDouble); err != nil {
		return err
	}
	return e.w.WriteDouble(v)
}

// WriteUTF8VR writes a string using the reference scheme: the empty
// string as its dedicated one-byte form, a cached string as a
// back-reference, anything else inline and cached.
func (e *Encoder) WriteUTF8VR(s string) error {
	if s == "" {
		return e.w.WriteByte(emptyString)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q: %w", s, amf.ErrEncoding)
	}
	if idx, ok := e.strings.Lookup(s); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.strings.Add(s)
	if err := e.writeLengthHeader(len(s)); err != nil {
		return err
	}
	return e.w.Write([]byte(s))
}

func (e *Encoder) writeLengthHeader(n int) error {
	if n > amf.MaxInt29 {
		return fmt.Errorf("length %d: %w", n, amf.ErrRange)
	}
	return e.w.WriteUInt29(uint32(n)<<1 | 1)
}

func (e *Encoder) writeDate(t time.Time) error {
	if err := e.w.WriteByte(TypeDate); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(t); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.objects.Add(t)
	if err := e.w.WriteByte(emptyString); err != nil {
		return err
	}
	return e.w.WriteDouble(float64(t.UnixMilli()))
}

func (e *Encoder) writeByteArray(b []byte) error {
	if err := e.w.WriteByte(TypeByteArray); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(b); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.objects.Add(b)
	if err := e.writeLengthHeader(len(b)); err != nil {
		return err
	}
	return e.w.Write(b)
}

// writeXML writes an XML payload: string-shaped on the wire but
// tracked in the object table. An empty payload takes no table slot,
// matching the decoder.
func (e *Encoder) writeXML(marker byte, s string, identity any) error {
	if err := e.w.WriteByte(marker); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(identity); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	if s == "" {
		return e.w.WriteByte(emptyString)
	}
	e.objects.Add(identity)
	if !utf8.ValidString(s) {
		return fmt.Errorf("xml payload: %w", amf.ErrEncoding)
	}
	if err := e.writeLengthHeader(len(s)); err != nil {
		return err
	}
	return e.w.Write([]byte(s))
}

// writeArray writes a dense array. identity is the original host
// value for reference-table purposes, which may differ from the
// []any view when the caller converted a typed slice.
func (e *Encoder) writeArray(arr []any, identity any) error {
	if err := e.w.WriteByte(TypeArray); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(identity); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.objects.Add(identity)
	if err := e.writeLengthHeader(len(arr)); err != nil {
		return err
	}
	if err := e.w.WriteByte(emptyString); err != nil {
		return err
	}
	for _, elem := range arr {
		if err := e.WriteValue(elem); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeDictionary(dict *amf.Dictionary) error {
	if err := e.w.WriteByte(TypeDictionary); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(dict); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.objects.Add(dict)
	if err := e.writeLengthHeader(len(dict.Entries)); err != nil {
		return err
	}
	var weak uint32
	if dict.WeakKeys {
		weak = 1
	}
	if err := e.w.WriteUInt29(weak); err != nil {
		return err
	}
	for _, entry := range dict.Entries {
		if err := e.WriteValue(entry.Key); err != nil {
			return err
		}
		if err := e.WriteValue(entry.Value); err != nil {
			return err
		}
	}
	return nil
}

// writeObject writes a typed or anonymous object: reference header,
// trait reference or inline traits, sealed member values in declared
// order, then dynamic properties terminated by the empty string.
func (e *Encoder) writeObject(v any) error {
	if err := e.w.WriteByte(TypeObject); err != nil {
		return err
	}
	if idx, ok := e.objects.Lookup(v); ok {
		return e.w.WriteUInt29(uint32(idx) << 1)
	}
	e.objects.Add(v)

	className, named := e.mapper.WireClassName(v)
	translate := amf.OptionBool(e.mapper, v, amf.OptionTranslateCase)

	var members []string
	dynamic := true
	ext, externalizable := v.(Externalizable)
	if externalizable {
		dynamic = false
	} else if to, ok := v.(*amf.TypedObject); ok {
		members = to.Members
		if members == nil && len(to.Props) > 0 {
			members = amf.SortedKeys(to.Props)
		}
		dynamic = to.Dynamic != nil || len(members) == 0
	}

	wroteTraitRef := false
	if named {
		if idx, ok := e.traits.Lookup(className); ok {
			if err := e.w.WriteUInt29(uint32(idx)<<2 | 0x01); err != nil {
				return err
			}
			wroteTraitRef = true
		} else {
			e.traits.Add(className)
		}
	}
	if !wroteTraitRef {
		header := uint32(0x03)
		if dynamic {
			header |= 0x08
		}
		if externalizable {
			header |= 0x04
		}
		header |= uint32(len(members)) << 4
		if err := e.w.WriteUInt29(header); err != nil {
			return err
		}
		if err := e.WriteUTF8VR(className); err != nil {
			return err
		}
		for _, m := range members {
			name := m
			if translate {
				name = amf.CamelCase(m)
			}
			if err := e.WriteUTF8VR(name); err != nil {
				return err
			}
		}
	}

	if externalizable {
		return ext.WriteExternal(e)
	}

	props := e.mapper.PropsForSerialization(v)
	if props == nil {
		return fmt.Errorf("type %T: %w", v, amf.ErrUnsupportedValue)
	}

	sealed := make(map[string]bool, len(members))
	for _, m := range members {
		sealed[m] = true
		if err := e.WriteValue(props[m]); err != nil {
			return err
		}
	}

	if dynamic {
		for _, k := range amf.SortedKeys(props) {
			if sealed[k] {
				continue
			}
			name := k
			if translate {
				name = amf.CamelCase(k)
			}
			if err := e.WriteUTF8VR(name); err != nil {
				return err
			}
			if err := e.WriteValue(props[k]); err != nil {
				return err
			}
		}
		return e.w.WriteByte(emptyString)
	}
	return nil
}
