// Package amf3 implements encoding and decoding of Action Message
// Format 3 (AMF3), the compact binary serialization format used by
// Flash Player 9+ and Flex. AMF3 deduplicates strings, objects and
// class traits through per-stream reference tables; both directions
// of the codec maintain those tables so cyclic value graphs and
// repeated values survive a round trip.
package amf3

import (
	"fmt"
	"strconv"
	"time"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// AMF3 type markers
const (
	TypeUndefined  = 0x00
	TypeNull       = 0x01
	TypeFalse      = 0x02
	TypeTrue       = 0x03
	TypeInteger    = 0x04
	TypeDouble     = 0x05
	TypeString     = 0x06
	TypeXMLDoc     = 0x07
	TypeDate       = 0x08
	TypeArray      = 0x09
	TypeObject     = 0x0A
	TypeXML        = 0x0B
	TypeByteArray  = 0x0C
	TypeDictionary = 0x11
)

// emptyString is the one-byte encoding of a zero-length string:
// length 0 with the inline bit set.
const emptyString = 0x01

// ArrayCollectionClass is decoded transparently: the wrapped value
// is returned in place of the collection, occupying two object-cache
// slots (one for the collection, one for its source array).
const ArrayCollectionClass = "flex.messaging.io.ArrayCollection"

// Externalizable is implemented by host types that read and write
// their own AMF3 body, opaque to the codec. Instances come from the
// class mapper on decode.
type Externalizable interface {
	ReadExternal(d *Decoder) error
	WriteExternal(e *Encoder) error
}

// Decoder decodes AMF3 values from a byte stream. A decoder owns the
// three reference caches for its stream; the caches reset on each
// top-level Decode and are shared by nested reads, so a decoder must
// not be used concurrently.
type Decoder struct {
	r      *amf.Reader
	mapper amf.ClassMapper

	objects []any
	strings []string
	traits  []amf.Traits
	depth   int
}

// NewDecoder creates a decoder over the given bytes. A nil mapper
// falls back to an empty TypeRegistry, which decodes every typed
// object into *amf.TypedObject.
func NewDecoder(data []byte, mapper amf.ClassMapper) *Decoder {
	return NewDecoderWithReader(amf.NewReader(data), mapper)
}

// NewDecoderWithReader creates a decoder sharing an existing reader.
// The AMF0 decoder uses this to hand off a stream mid-decode when it
// meets the AMF3-switch marker.
func NewDecoderWithReader(r *amf.Reader, mapper amf.ClassMapper) *Decoder {
	if mapper == nil {
		mapper = amf.NewTypeRegistry()
	}
	return &Decoder{r: r, mapper: mapper}
}

// Reader exposes the underlying stream, primarily for Externalizable
// implementations that need raw reads.
func (d *Decoder) Reader() *amf.Reader { return d.r }

// Decode reads one AMF3 value. At the top level it resets the
// reference caches; recursive calls from composite values and
// Externalizable bodies share them.
func (d *Decoder) Decode() (any, error) {
	if d.depth == 0 {
		d.objects = d.objects[:0]
		d.strings = d.strings[:0]
		d.traits = d.traits[:0]
	}
	d.depth++
	defer func() { d.depth-- }()

	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch marker {
	case TypeUndefined, TypeNull:
		return nil, nil
	case TypeFalse:
		return false, nil
	case TypeTrue:
		return true, nil
	case TypeInteger:
		return d.r.ReadInt29()
	case TypeDouble:
		// NaN is preserved as-is.
		return d.r.ReadDouble()
	case TypeString:
		return d.readString()
	case TypeXMLDoc, TypeXML:
		return d.readXML(marker)
	case TypeDate:
		return d.readDate()
	case TypeArray:
		return d.readArray()
	case TypeObject:
		return d.readObject()
	case TypeByteArray:
		return d.readByteArray()
	case TypeDictionary:
		return d.readDictionary()
	default:
		return nil, &amf.MarkerError{Marker: marker, Version: 3}
	}
}

// readString reads a string via the reference scheme: an even header
// is a back-reference into the string cache, an odd header carries
// the inline length. Empty strings are never cached.
func (d *Decoder) readString() (string, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return "", err
	}
	if h&1 == 0 {
		idx := int(h >> 1)
		if idx >= len(d.strings) {
			return "", &amf.ReferenceError{Kind: "string", Index: idx, Size: len(d.strings)}
		}
		return d.strings[idx], nil
	}
	length := int(h >> 1)
	if length == 0 {
		return "", nil
	}
	s, err := d.r.ReadUTF8(length)
	if err != nil {
		return "", err
	}
	d.strings = append(d.strings, s)
	return s, nil
}

// readXML reads an XML document or E4X XML value. The payload is
// string-shaped but cached in the object table, not the string
// table. An empty payload is not cached.
func (d *Decoder) readXML(marker byte) (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}
	s, err := d.r.ReadUTF8(int(h >> 1))
	if err != nil {
		return nil, err
	}
	var v any
	if marker == TypeXMLDoc {
		v = amf.XMLDocument(s)
	} else {
		v = amf.XML(s)
	}
	if len(s) > 0 {
		d.objects = append(d.objects, v)
	}
	return v, nil
}

// readDate reads a timestamp: an object reference, or an inline
// millisecond double since the Unix epoch.
func (d *Decoder) readDate() (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}
	millis, err := d.r.ReadDouble()
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(millis)).UTC()
	d.objects = append(d.objects, t)
	return t, nil
}

// readArray reads an array. A purely dense array decodes to []any;
// any associative entries turn the result into a map combining the
// associative keys with stringified indices for the dense part.
func (d *Decoder) readArray() (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}
	length := int(h >> 1)

	key, err := d.readString()
	if err != nil {
		return nil, err
	}
	if key != "" {
		obj := make(map[string]any)
		d.objects = append(d.objects, obj)
		for key != "" {
			if obj[key], err = d.Decode(); err != nil {
				return nil, err
			}
			if key, err = d.readString(); err != nil {
				return nil, err
			}
		}
		for i := 0; i < length; i++ {
			if obj[strconv.Itoa(i)], err = d.Decode(); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}

	// Each element costs at least one byte, so a declared length
	// beyond the remaining input cannot be satisfied. Refusing it
	// here keeps a hostile header from forcing a huge allocation.
	if length > d.r.Remaining() {
		return nil, fmt.Errorf("array length %d with %d bytes left: %w", length, d.r.Remaining(), amf.ErrTruncatedStream)
	}
	arr := make([]any, length)
	d.objects = append(d.objects, arr)
	for i := range arr {
		if arr[i], err = d.Decode(); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// readObject reads a typed or anonymous object: object reference,
// trait reference or inline traits, then the sealed and dynamic
// members, installed through the class mapper.
func (d *Decoder) readObject() (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}

	h >>= 1
	var tr amf.Traits
	if h&1 == 0 {
		idx := int(h >> 1)
		if idx >= len(d.traits) {
			return nil, &amf.ReferenceError{Kind: "trait", Index: idx, Size: len(d.traits)}
		}
		tr = d.traits[idx]
	} else {
		tr.Externalizable = h&2 != 0
		tr.Dynamic = h&4 != 0
		count := int(h >> 3)
		if count > d.r.Remaining() {
			return nil, fmt.Errorf("%d trait members with %d bytes left: %w", count, d.r.Remaining(), amf.ErrTruncatedStream)
		}
		if tr.ClassName, err = d.readString(); err != nil {
			return nil, err
		}
		tr.Members = make([]string, count)
		for i := range tr.Members {
			if tr.Members[i], err = d.readString(); err != nil {
				return nil, err
			}
		}
		d.traits = append(d.traits, tr)
	}

	// ArrayCollection is transparent: decode the wrapped value and
	// cache it a second time, covering both the collection's slot
	// and the source array's.
	if tr.ClassName == ArrayCollectionClass {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		d.objects = append(d.objects, v)
		return v, nil
	}

	obj := d.mapper.HostInstance(tr.ClassName)
	d.objects = append(d.objects, obj)

	if tr.Externalizable {
		ext, ok := obj.(Externalizable)
		if !ok {
			return nil, fmt.Errorf("externalizable class %q maps to %T: %w", tr.ClassName, obj, amf.ErrUnsupportedValue)
		}
		if err := ext.ReadExternal(d); err != nil {
			return nil, err
		}
		return obj, nil
	}

	translate := amf.OptionBool(d.mapper, obj, amf.OptionTranslateCase)

	members := tr.Members
	if translate {
		members = make([]string, len(tr.Members))
		for i, m := range tr.Members {
			members[i] = amf.SnakeCase(m)
		}
	}
	sealed := make(map[string]any, len(members))
	for _, m := range members {
		if sealed[m], err = d.Decode(); err != nil {
			return nil, err
		}
	}

	var dynamic map[string]any
	if tr.Dynamic {
		dynamic = make(map[string]any)
		for {
			key, err := d.readString()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if translate {
				key = amf.SnakeCase(key)
			}
			if dynamic[key], err = d.Decode(); err != nil {
				return nil, err
			}
		}
	}

	if err := d.mapper.Populate(obj, members, sealed, dynamic); err != nil {
		return nil, &amf.MapperError{Class: tr.ClassName, Err: err}
	}
	return obj, nil
}

// readByteArray reads an opaque byte buffer: an object reference, or
// an inline length-prefixed copy of the raw bytes.
func (d *Decoder) readByteArray() (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}
	b, err := d.r.ReadBytes(int(h >> 1))
	if err != nil {
		return nil, err
	}
	d.objects = append(d.objects, b)
	return b, nil
}

// readDictionary reads a dictionary: the entry count, a U29
// weak-keys flag preserved on the host value, then fully decoded
// key/value pairs.
func (d *Decoder) readDictionary() (any, error) {
	h, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if h&1 == 0 {
		return d.objectRef(int(h >> 1))
	}
	length := int(h >> 1)
	weak, err := d.r.ReadUInt29()
	if err != nil {
		return nil, err
	}
	if length > d.r.Remaining() {
		return nil, fmt.Errorf("dictionary length %d with %d bytes left: %w", length, d.r.Remaining(), amf.ErrTruncatedStream)
	}

	dict := &amf.Dictionary{WeakKeys: weak != 0, Entries: make([]amf.DictEntry, length)}
	d.objects = append(d.objects, dict)
	for i := range dict.Entries {
		if dict.Entries[i].Key, err = d.Decode(); err != nil {
			return nil, err
		}
		if dict.Entries[i].Value, err = d.Decode(); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

func (d *Decoder) objectRef(idx int) (any, error) {
	if idx >= len(d.objects) {
		return nil, &amf.ReferenceError{Kind: "object", Index: idx, Size: len(d.objects)}
	}
	return d.objects[idx], nil
}
