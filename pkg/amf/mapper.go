package amf

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Option names honored by the codec.
const (
	// OptionTranslateCase rewrites property names between the wire's
	// camelCase and the host's snake_case in both directions.
	OptionTranslateCase = "translate_case"
)

// HashClassName is the pseudo class name the AMF0 decoder asks the
// mapper about when decoding an untyped hash, so that per-class
// options such as translate_case can apply to it.
const HashClassName = "Hash"

// ClassMapper mediates between wire class names and host values. It
// is injected into every encoder and decoder; the codec never
// mutates it, so one mapper may back many codec instances.
type ClassMapper interface {
	// WireClassName returns the wire class name for a host value, or
	// false to request anonymous-object encoding.
	WireClassName(v any) (string, bool)

	// HostInstance returns a fresh host value for a decoded typed
	// object. Unregistered names yield a generic container.
	HostInstance(className string) any

	// PropsForSerialization returns the named properties of a host
	// value for encoding.
	PropsForSerialization(v any) map[string]any

	// Populate installs decoded properties on a host instance.
	// members preserves the sealed declaration order; dynamic is nil
	// when the traits were not dynamic.
	Populate(v any, members []string, sealed, dynamic map[string]any) error

	// Option reports a per-class option. class is either a wire
	// class name or a host value.
	Option(class any, name string) any
}

// OptionBool reads a mapper option as a boolean, treating anything
// but true as false.
func OptionBool(m ClassMapper, class any, name string) bool {
	b, _ := m.Option(class, name).(bool)
	return b
}

// TypeRegistry is the default ClassMapper: an explicit registry of
// wire class name to factory associations with an options bag per
// class. Registered struct types are populated and serialized by
// reflection over their exported fields; unregistered class names
// decode into *TypedObject.
//
// A TypeRegistry must be fully configured before use; it is
// read-only from the codec's point of view.
type TypeRegistry struct {
	factories map[string]func() any
	names     map[reflect.Type]string
	options   map[string]map[string]any
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]func() any),
		names:     make(map[reflect.Type]string),
		options:   make(map[string]map[string]any),
	}
}

// Register associates a wire class name with a factory for fresh
// host instances. The factory's return type is also recorded so
// values of that type encode under className.
func (t *TypeRegistry) Register(className string, factory func() any) {
	t.factories[className] = factory
	t.names[reflect.TypeOf(factory())] = className
}

// SetOption stores a per-class option, keyed by wire class name.
// Options for untyped hash decoding go under HashClassName.
func (t *TypeRegistry) SetOption(className, name string, value any) {
	opts := t.options[className]
	if opts == nil {
		opts = make(map[string]any)
		t.options[className] = opts
	}
	opts[name] = value
}

// WireClassName implements ClassMapper.
func (t *TypeRegistry) WireClassName(v any) (string, bool) {
	if to, ok := v.(*TypedObject); ok {
		return to.ClassName, to.ClassName != ""
	}
	if name, ok := t.names[reflect.TypeOf(v)]; ok {
		return name, true
	}
	return "", false
}

// HostInstance implements ClassMapper.
func (t *TypeRegistry) HostInstance(className string) any {
	if factory, ok := t.factories[className]; ok {
		return factory()
	}
	if className == "" || className == HashClassName {
		return map[string]any{}
	}
	return NewTypedObject(className)
}

// PropsForSerialization implements ClassMapper.
func (t *TypeRegistry) PropsForSerialization(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case ECMAArray:
		return val
	case *TypedObject:
		props := make(map[string]any, len(val.Props)+len(val.Dynamic))
		for k, p := range val.Props {
			props[k] = p
		}
		for k, p := range val.Dynamic {
			props[k] = p
		}
		return props
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		props := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			props[iter.Key().String()] = iter.Value().Interface()
		}
		return props
	}
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	props := make(map[string]any)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		props[propertyName(field.Name)] = rv.Field(i).Interface()
	}
	return props
}

// Populate implements ClassMapper.
func (t *TypeRegistry) Populate(v any, members []string, sealed, dynamic map[string]any) error {
	switch val := v.(type) {
	case *TypedObject:
		val.Members = members
		val.Props = sealed
		val.Dynamic = dynamic
		return nil
	case map[string]any:
		for k, p := range sealed {
			val[k] = p
		}
		for k, p := range dynamic {
			val[k] = p
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("cannot populate %T", v)
	}
	rv = rv.Elem()
	setField := func(name string, p any) {
		field := fieldByName(rv, name)
		if !field.IsValid() || !field.CanSet() || p == nil {
			return
		}
		pv := reflect.ValueOf(p)
		if pv.Type().AssignableTo(field.Type()) {
			field.Set(pv)
		} else if pv.Type().ConvertibleTo(field.Type()) {
			field.Set(pv.Convert(field.Type()))
		}
	}
	for k, p := range sealed {
		setField(k, p)
	}
	for k, p := range dynamic {
		setField(k, p)
	}
	return nil
}

// Option implements ClassMapper.
func (t *TypeRegistry) Option(class any, name string) any {
	className, ok := class.(string)
	if !ok {
		switch class.(type) {
		case map[string]any, ECMAArray:
			className = HashClassName
		default:
			if className, ok = t.WireClassName(class); !ok {
				return nil
			}
		}
	}
	if opts, ok := t.options[className]; ok {
		return opts[name]
	}
	return nil
}

// SortedKeys returns the keys of a property map in stable order. Go
// map iteration is randomized, so encoders sort keys to keep output
// deterministic.
func SortedKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// propertyName lowers the first rune of an exported field name so
// struct fields serialize under wire-conventional names.
func propertyName(field string) string {
	r, n := utf8.DecodeRuneInString(field)
	return string(unicode.ToLower(r)) + field[n:]
}

// fieldByName finds a struct field matching a decoded property name,
// first exactly, then case-insensitively.
func fieldByName(rv reflect.Value, name string) reflect.Value {
	if f := rv.FieldByName(name); f.IsValid() {
		return f
	}
	return rv.FieldByNameFunc(func(field string) bool {
		return strings.EqualFold(field, name)
	})
}
