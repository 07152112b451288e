// Package amf0 implements encoding and decoding of Action Message
// Format 0 (AMF0), the original binary serialization format of Flash
// remoting. AMF0 deduplicates composite values through a per-stream
// object reference table and can hand a stream off to the AMF3 codec
// mid-decode via the avmplus switch marker.
package amf0

import (
	"fmt"
	"math"
	"time"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/amf3"
)

// AMF0 type markers
const (
	TypeNumber      = 0x00
	TypeBoolean     = 0x01
	TypeString      = 0x02
	TypeObject      = 0x03
	TypeMovieClip   = 0x04 // Reserved, not supported
	TypeNull        = 0x05
	TypeUndefined   = 0x06
	TypeReference   = 0x07
	TypeEcmaArray   = 0x08
	TypeObjectEnd   = 0x09
	TypeStrictArray = 0x0A
	TypeDate        = 0x0B
	TypeLongString  = 0x0C
	TypeUnsupported = 0x0D
	TypeRecordset   = 0x0E // Reserved, not supported
	TypeXMLDocument = 0x0F
	TypeTypedObject = 0x10
	TypeAVMPlus     = 0x11 // Switch to AMF3
)

// Decoder decodes AMF0 values from a byte stream. The object
// reference cache resets on each top-level Decode; a decoder must
// not be used concurrently.
type Decoder struct {
	r      *amf.Reader
	mapper amf.ClassMapper

	objects []any
	depth   int
}

// NewDecoder creates a decoder over the given bytes. A nil mapper
// falls back to an empty TypeRegistry.
func NewDecoder(data []byte, mapper amf.ClassMapper) *Decoder {
	return NewDecoderWithReader(amf.NewReader(data), mapper)
}

// NewDecoderWithReader creates a decoder sharing an existing reader.
func NewDecoderWithReader(r *amf.Reader, mapper amf.ClassMapper) *Decoder {
	if mapper == nil {
		mapper = amf.NewTypeRegistry()
	}
	return &Decoder{r: r, mapper: mapper}
}

// Reader exposes the underlying stream.
func (d *Decoder) Reader() *amf.Reader { return d.r }

// Decode reads one AMF0 value. At the top level it resets the
// object reference cache; recursive reads share it.
func (d *Decoder) Decode() (any, error) {
	if d.depth == 0 {
		d.objects = d.objects[:0]
	}
	d.depth++
	defer func() { d.depth-- }()

	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	return d.decodeValue(marker)
}

func (d *Decoder) decodeValue(marker byte) (any, error) {
	switch marker {
	case TypeNumber:
		n, err := d.r.ReadDouble()
		if err != nil {
			return nil, err
		}
		if math.IsNaN(n) {
			return nil, nil
		}
		return n, nil
	case TypeBoolean:
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case TypeString:
		return d.readShortString()
	case TypeObject:
		return d.readObject()
	case TypeNull, TypeUndefined, TypeUnsupported:
		return nil, nil
	case TypeReference:
		idx, err := d.r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(d.objects) {
			return nil, &amf.ReferenceError{Kind: "object", Index: int(idx), Size: len(d.objects)}
		}
		return d.objects[idx], nil
	case TypeEcmaArray:
		return d.readHash()
	case TypeStrictArray:
		return d.readStrictArray()
	case TypeDate:
		return d.readDate()
	case TypeLongString:
		return d.readLongString()
	case TypeXMLDocument:
		s, err := d.readLongString()
		if err != nil {
			return nil, err
		}
		return amf.XMLDocument(s), nil
	case TypeTypedObject:
		return d.readTypedObject()
	case TypeAVMPlus:
		// The remainder of this value is AMF3. The AMF3 decoder
		// shares the byte source but starts with fresh caches of its
		// own.
		return amf3.NewDecoderWithReader(d.r, d.mapper).Decode()
	default:
		return nil, &amf.MarkerError{Marker: marker, Version: 0}
	}
}

func (d *Decoder) readShortString() (string, error) {
	n, err := d.r.ReadUint16()
	if err != nil {
		return "", err
	}
	return d.r.ReadUTF8(int(n))
}

func (d *Decoder) readLongString() (string, error) {
	n, err := d.r.ReadUint32()
	if err != nil {
		return "", err
	}
	return d.r.ReadUTF8(int(n))
}

// readProps reads object-mode key/value pairs into props until the
// empty-key/object-end pair terminates the sequence.
func (d *Decoder) readProps(props map[string]any, translate bool) error {
	for {
		key, err := d.readShortString()
		if err != nil {
			return err
		}
		marker, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if key == "" && marker == TypeObjectEnd {
			return nil
		}
		value, err := d.decodeValue(marker)
		if err != nil {
			return err
		}
		if translate {
			key = amf.SnakeCase(key)
		}
		props[key] = value
	}
}

func (d *Decoder) readObject() (any, error) {
	obj := make(map[string]any)
	d.objects = append(d.objects, obj)
	if err := d.readProps(obj, false); err != nil {
		return nil, err
	}
	return obj, nil
}

// readHash reads an ECMA array. The mapper is consulted under the
// Hash pseudo class so untyped hash decoding can be customized; the
// associative count is read but carries no information worth acting
// on.
func (d *Decoder) readHash() (any, error) {
	obj := d.mapper.HostInstance(amf.HashClassName)
	translate := amf.OptionBool(d.mapper, amf.HashClassName, amf.OptionTranslateCase)

	if _, err := d.r.ReadUint32(); err != nil {
		return nil, err
	}
	d.objects = append(d.objects, obj)

	props := make(map[string]any)
	if err := d.readProps(props, translate); err != nil {
		return nil, err
	}
	if err := d.mapper.Populate(obj, nil, props, nil); err != nil {
		return nil, &amf.MapperError{Class: amf.HashClassName, Err: err}
	}
	return obj, nil
}

func (d *Decoder) readTypedObject() (any, error) {
	className, err := d.readShortString()
	if err != nil {
		return nil, err
	}
	obj := d.mapper.HostInstance(className)
	d.objects = append(d.objects, obj)

	translate := amf.OptionBool(d.mapper, obj, amf.OptionTranslateCase)
	props := make(map[string]any)
	if err := d.readProps(props, translate); err != nil {
		return nil, err
	}
	if err := d.mapper.Populate(obj, nil, props, nil); err != nil {
		return nil, &amf.MapperError{Class: className, Err: err}
	}
	return obj, nil
}

func (d *Decoder) readStrictArray() (any, error) {
	n, err := d.r.ReadUint32()
	if err != nil {
		return nil, err
	}
	length := int(n)
	// Each element costs at least one byte; refuse allocation-bomb
	// headers before allocating.
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

func (d *Decoder) readDate() (any, error) {
	millis, err := d.r.ReadDouble()
	if err != nil {
		return nil, err
	}
	// Timezone field, reserved and ignored.
	if _, err := d.r.ReadUint16(); err != nil {
		return nil, err
	}
	return time.UnixMilli(int64(millis)).UTC(), nil
}
