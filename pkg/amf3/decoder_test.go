package amf3

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

func TestDecode_Scalars(t *testing.T) {
	testCases := []struct {
		name     string
		data     []byte
		expected any
	}{
		{"undefined", []byte{TypeUndefined}, nil},
		{"null", []byte{TypeNull}, nil},
		{"false", []byte{TypeFalse}, false},
		{"true", []byte{TypeTrue}, true},
		{"integer", []byte{TypeInteger, 0x7F}, int32(127)},
		{"integer_two_byte", []byte{TypeInteger, 0x81, 0x00}, int32(128)},
		{"integer_negative", []byte{TypeInteger, 0xFF, 0xFF, 0xFF, 0xFF}, int32(-1)},
		{"double", []byte{TypeDouble, 0x40, 0x0C, 0, 0, 0, 0, 0, 0}, 3.5},
		{"string", []byte{TypeString, 0x07, 'f', 'o', 'o'}, "foo"},
		{"empty_string", []byte{TypeString, 0x01}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewDecoder(tc.data, nil).Decode()
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestDecode_NaNPreserved(t *testing.T) {
	data := append([]byte{TypeDouble}, 0x7F, 0xF8, 0, 0, 0, 0, 0, 0)
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	f, ok := got.(float64)
	if !ok || !math.IsNaN(f) {
		t.Errorf("expected NaN, got %v", got)
	}
}

func TestDecode_StringReference(t *testing.T) {
	data := []byte{0x09, 0x05, 0x01, TypeString, 0x07, 'f', 'o', 'o', TypeString, 0x00}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := got.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("expected array of 2, got %v", got)
	}
	if arr[0] != "foo" || arr[1] != "foo" {
		t.Errorf("expected two foo strings, got %v", arr)
	}
}

func TestDecode_SelfCycle(t *testing.T) {
	got, err := NewDecoder([]byte{0x09, 0x03, 0x01, 0x09, 0x00}, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	outer, ok := got.([]any)
	if !ok || len(outer) != 1 {
		t.Fatalf("expected array of 1, got %v", got)
	}
	inner, ok := outer[0].([]any)
	if !ok {
		t.Fatalf("expected nested array, got %T", outer[0])
	}
	if reflect.ValueOf(outer).Pointer() != reflect.ValueOf(inner).Pointer() {
		t.Error("self reference must decode to the same backing array")
	}
}

func TestDecode_ObjectReferenceIdentity(t *testing.T) {
	shared := map[string]any{}
	data, err := NewEncoder(nil).Encode([]any{shared, shared})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	arr := got.([]any)
	a := reflect.ValueOf(arr[0]).Pointer()
	b := reflect.ValueOf(arr[1]).Pointer()
	if a != b {
		t.Error("back-reference must reuse the same decoded object")
	}
}

func TestDecode_AssociativeArray(t *testing.T) {
	// Dense length 1 with one associative key: decodes to a map
	// combining the key with the stringified index.
	data := []byte{
		TypeArray, 0x03,
		0x03, 'k', TypeString, 0x03, 'v',
		0x01,
		TypeInteger, 0x2A,
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	expected := map[string]any{"k": "v", "0": int32(42)}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestDecode_Date(t *testing.T) {
	original := time.UnixMilli(1234567890123).UTC()
	data, err := NewEncoder(nil).Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !got.(time.Time).Equal(original) {
		t.Errorf("expected %v, got %v", original, got)
	}
}

func TestDecode_ByteArray(t *testing.T) {
	got, err := NewDecoder([]byte{TypeByteArray, 0x05, 0xDE, 0xAD}, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.([]byte), []byte{0xDE, 0xAD}) {
		t.Errorf("expected DE AD, got % X", got)
	}
}

func TestDecode_Dictionary(t *testing.T) {
	data := []byte{TypeDictionary, 0x03, 0x01, TypeString, 0x03, 'k', TypeInteger, 0x01}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	dict, ok := got.(*amf.Dictionary)
	if !ok {
		t.Fatalf("expected dictionary, got %T", got)
	}
	if !dict.WeakKeys {
		t.Error("weak-keys flag must be preserved")
	}
	if len(dict.Entries) != 1 || dict.Entries[0].Key != "k" || dict.Entries[0].Value != int32(1) {
		t.Errorf("unexpected entries: %v", dict.Entries)
	}
}

func TestDecode_XML(t *testing.T) {
	got, err := NewDecoder([]byte{TypeXML, 0x09, '<', 'a', '/', '>'}, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got != amf.XML("<a/>") {
		t.Errorf("expected XML value, got %#v", got)
	}

	got, err = NewDecoder([]byte{TypeXMLDoc, 0x09, '<', 'a', '/', '>'}, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got != amf.XMLDocument("<a/>") {
		t.Errorf("expected XML document value, got %#v", got)
	}
}

func TestDecode_AnonymousObject(t *testing.T) {
	data := []byte{
		TypeObject, 0x0B, 0x01,
		0x07, 'f', 'o', 'o', TypeString, 0x07, 'b', 'a', 'r',
		0x01,
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	expected := map[string]any{"foo": "bar"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestDecode_SealedTypedObject(t *testing.T) {
	data := []byte{
		TypeObject, 0x13, 0x03, 'T', 0x03, 'a', TypeInteger, 0x01,
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	to, ok := got.(*amf.TypedObject)
	if !ok {
		t.Fatalf("expected TypedObject, got %T", got)
	}
	if to.ClassName != "T" || !reflect.DeepEqual(to.Members, []string{"a"}) || to.Props["a"] != int32(1) {
		t.Errorf("unexpected typed object: %+v", to)
	}
	if to.Dynamic != nil {
		t.Error("sealed object must not gain dynamic props")
	}
}

func TestDecode_TraitReference(t *testing.T) {
	data := []byte{
		0x09, 0x05, 0x01,
		TypeObject, 0x13, 0x03, 'T', 0x03, 'a', TypeInteger, 0x01,
		TypeObject, 0x01, TypeInteger, 0x02,
	}
	got, err := NewDecoder(data, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	arr := got.([]any)
	first := arr[0].(*amf.TypedObject)
	second := arr[1].(*amf.TypedObject)
	if second.ClassName != first.ClassName {
		t.Errorf("trait reference must reuse the class name, got %q", second.ClassName)
	}
	if second.Props["a"] != int32(2) {
		t.Errorf("expected second object's own value, got %v", second.Props["a"])
	}
}

func TestDecode_RegisteredClass(t *testing.T) {
	type account struct {
		Name    string
		Balance float64
	}
	reg := amf.NewTypeRegistry()
	reg.Register("com.example.Account", func() any { return &account{} })

	original := &account{Name: "savings", Balance: 12.5}
	data, err := NewEncoder(reg).Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(data, reg).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, original) {
		t.Errorf("expected %+v, got %+v", original, got)
	}
}

func TestDecode_ArrayCollection(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x09, 0x05, 0x01) // outer array of 2
	buf = append(buf, TypeObject, 0x07, 0x43)
	buf = append(buf, ArrayCollectionClass...)
	buf = append(buf, 0x09, 0x03, 0x01, TypeInteger, 0x01) // wrapped [1]
	buf = append(buf, 0x09, 0x04)                          // reference to cache slot 2

	got, err := NewDecoder(buf, nil).Decode()
	if err != nil {
		t.Fatal(err)
	}
	outer := got.([]any)
	wrapped, ok := outer[0].([]any)
	if !ok || len(wrapped) != 1 || wrapped[0] != int32(1) {
		t.Fatalf("expected unwrapped inner array, got %v", outer[0])
	}
	// The collection occupies two cache slots, so slot 2 still
	// resolves to the same array.
	ref, ok := outer[1].([]any)
	if !ok || reflect.ValueOf(wrapped).Pointer() != reflect.ValueOf(ref).Pointer() {
		t.Error("reference past the collection must resolve to the same array")
	}
}

func TestDecode_Externalizable(t *testing.T) {
	reg := amf.NewTypeRegistry()
	reg.Register("com.example.Ext", func() any { return &extThing{} })

	data, err := NewEncoder(reg).Encode(&extThing{payload: "x"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(data, reg).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got.(*extThing).payload != "x" {
		t.Errorf("expected externalizable round trip, got %+v", got)
	}
}

func TestDecode_ExternalizableUnmapped(t *testing.T) {
	// Externalizable traits for a class whose host instance cannot
	// read its own body.
	data := []byte{TypeObject, 0x07, 0x03, 'E'}
	_, err := NewDecoder(data, nil).Decode()
	if !errors.Is(err, amf.ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestDecode_TranslateCase(t *testing.T) {
	reg := amf.NewTypeRegistry()
	reg.SetOption(amf.HashClassName, amf.OptionTranslateCase, true)

	data, err := NewEncoder(reg).Encode(map[string]any{"a_b": int32(1), "c_d_e": int32(2)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(data, reg).Decode()
	if err != nil {
		t.Fatal(err)
	}
	expected := map[string]any{"a_b": int32(1), "c_d_e": int32(2)}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestDecode_ReferenceOutOfRange(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		kind string
	}{
		{"object", []byte{TypeObject, 0x02}, "object"},
		{"string", []byte{TypeString, 0x02}, "string"},
		{"trait", []byte{TypeObject, 0x05}, "trait"},
		{"array", []byte{TypeArray, 0x02}, "object"},
		{"date", []byte{TypeDate, 0x02}, "object"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(tc.data, nil).Decode()
			var refErr *amf.ReferenceError
			if !errors.As(err, &refErr) {
				t.Fatalf("expected ReferenceError, got %v", err)
			}
			if refErr.Kind != tc.kind {
				t.Errorf("expected %s reference error, got %s", tc.kind, refErr.Kind)
			}
		})
	}
}

func TestDecode_UnknownMarker(t *testing.T) {
	_, err := NewDecoder([]byte{0x0D}, nil).Decode()
	var markerErr *amf.MarkerError
	if !errors.As(err, &markerErr) {
		t.Fatalf("expected MarkerError, got %v", err)
	}
	if markerErr.Version != 3 || markerErr.Marker != 0x0D {
		t.Errorf("unexpected marker error: %v", markerErr)
	}
}

func TestDecode_ArrayLengthBeyondInput(t *testing.T) {
	// Dense length 6 declared with no element bytes behind it.
	_, err := NewDecoder([]byte{TypeArray, 0x0D, 0x01}, nil).Decode()
	if !errors.Is(err, amf.ErrTruncatedStream) {
		t.Errorf("expected ErrTruncatedStream, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	testCases := [][]byte{
		{},
		{TypeInteger},
		{TypeDouble, 0x40},
		{TypeString, 0x07, 'f'},
		{TypeObject, 0x0B},
	}
	for i, data := range testCases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			if _, err := NewDecoder(data, nil).Decode(); !errors.Is(err, amf.ErrTruncatedStream) {
				t.Errorf("expected ErrTruncatedStream, got %v", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		false,
		int32(0),
		int32(amf.MaxInt29),
		int32(amf.MinInt29),
		3.14159,
		"hello",
		"",
		[]any{int32(1), "two", 3.0},
		map[string]any{"nested": []any{int32(1)}},
		[]byte{1, 2, 3},
		&amf.Dictionary{Entries: []amf.DictEntry{{Key: int32(1), Value: "one"}}},
		amf.XML("<x/>"),
	}

	for i, v := range values {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			data, err := NewEncoder(nil).Encode(v)
			if err != nil {
				t.Fatal(err)
			}
			got, err := NewDecoder(data, nil).Decode()
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, v) {
				t.Errorf("expected %#v, got %#v", v, got)
			}
		})
	}
}

func TestRoundTrip_CanonicalBytes(t *testing.T) {
	// decode → encode must reproduce canonical input bytes.
	streams := [][]byte{
		{TypeInteger, 0x7F},
		{TypeInteger, 0x81, 0x00},
		{0x09, 0x05, 0x01, TypeString, 0x07, 'f', 'o', 'o', TypeString, 0x00},
		{0x09, 0x03, 0x01, 0x09, 0x00},
	}

	for i, data := range streams {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			v, err := NewDecoder(data, nil).Decode()
			if err != nil {
				t.Fatal(err)
			}
			got, err := NewEncoder(nil).Encode(v)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("expected % X, got % X", data, got)
			}
		})
	}
}
