package store

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// field describes one settable member of the state struct.
type field struct {
	name  string
	index []int
	typ   reflect.Type
}

// schema maps JSON field names onto struct fields.
type schema struct {
	typ    reflect.Type
	order  []string
	byName map[string]field
}

// buildSchema walks the visible fields of t and keeps the ones encoding/json
// would serialize, keyed by their JSON name.
func buildSchema(t reflect.Type) (*schema, error) {
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidState, t)
	}

	sc := &schema{
		typ:    t,
		byName: make(map[string]field),
	}

	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name, _, _ := strings.Cut(tag, ",")

		// Embedded structs without an explicit name are flattened by
		// encoding/json; their promoted fields show up on their own.
		if sf.Anonymous && name == "" && indirect(sf.Type).Kind() == reflect.Struct {
			continue
		}

		if name == "" {
			name = sf.Name
		}
		if _, exists := sc.byName[name]; exists {
			continue
		}

		sc.byName[name] = field{name: name, index: sf.Index, typ: sf.Type}
		sc.order = append(sc.order, name)
	}

	return sc, nil
}

func indirect(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

// merge applies partial onto a copy of current. Every key is checked before
// anything is assigned so a rejected update never leaves a half-written value.
// The returned field names follow the schema's declaration order.
func (sc *schema) merge(current reflect.Value, partial Partial) (reflect.Value, []string, error) {
	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := sc.byName[k]; !ok {
			return reflect.Value{}, nil, fmt.Errorf("%w: unknown field %q", ErrSchemaViolation, k)
		}
	}

	next := reflect.New(sc.typ).Elem()
	next.Set(copyValue(current))

	for _, k := range keys {
		f := sc.byName[k]
		dst, err := next.FieldByIndexErr(f.index)
		if err != nil {
			return reflect.Value{}, nil, fmt.Errorf("%w: field %q: %v", ErrSchemaViolation, k, err)
		}
		if err := assign(dst, partial[k]); err != nil {
			return reflect.Value{}, nil, fmt.Errorf("%w: field %q: %w", ErrSchemaViolation, k, err)
		}
	}

	changed := make([]string, 0, len(keys))
	for _, name := range sc.order {
		if _, ok := partial[name]; ok {
			changed = append(changed, name)
		}
	}

	return copyValue(next), changed, nil
}

// assign sets dst to value. Assignable values are stored as is, values of the
// same kind are converted (named types), and numeric values are converted
// only when the field can hold the value exactly.
func assign(dst reflect.Value, value any) error {
	if value == nil {
		switch dst.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		return fmt.Errorf("%w: nil cannot be assigned to %v", ErrTypeMismatch, dst.Type())
	}

	v := reflect.ValueOf(value)

	if v.Type().AssignableTo(dst.Type()) {
		dst.Set(v)
		return nil
	}

	if v.Kind() == dst.Kind() && v.CanConvert(dst.Type()) {
		dst.Set(v.Convert(dst.Type()))
		return nil
	}

	if isNumeric(v.Kind()) && isNumeric(dst.Kind()) {
		if assignNumeric(dst, v) {
			return nil
		}
		return fmt.Errorf("%w: %v (%v) does not fit in %v", ErrTypeMismatch, value, v.Type(), dst.Type())
	}

	return fmt.Errorf("%w: value type %v cannot be assigned to field type %v", ErrTypeMismatch, v.Type(), dst.Type())
}

// assignNumeric stores v into dst when dst can hold it exactly: integers must
// be in range and carry the right sign, floats assigned to integers must be
// whole and finite. It reports false and leaves dst untouched otherwise.
func assignNumeric(dst, v reflect.Value) bool {
	switch {
	case isSigned(v.Kind()):
		return assignInt(dst, v.Int())
	case isUnsigned(v.Kind()):
		return assignUint(dst, v.Uint())
	default:
		return assignFloat(dst, v.Float())
	}
}

func assignInt(dst reflect.Value, n int64) bool {
	switch {
	case isSigned(dst.Kind()):
		if dst.OverflowInt(n) {
			return false
		}
		dst.SetInt(n)
	case isUnsigned(dst.Kind()):
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return false
		}
		dst.SetUint(uint64(n))
	default:
		dst.SetFloat(float64(n))
	}
	return true
}

func assignUint(dst reflect.Value, n uint64) bool {
	switch {
	case isSigned(dst.Kind()):
		if n > math.MaxInt64 || dst.OverflowInt(int64(n)) {
			return false
		}
		dst.SetInt(int64(n))
	case isUnsigned(dst.Kind()):
		if dst.OverflowUint(n) {
			return false
		}
		dst.SetUint(n)
	default:
		dst.SetFloat(float64(n))
	}
	return true
}

func assignFloat(dst reflect.Value, f float64) bool {
	if !isSigned(dst.Kind()) && !isUnsigned(dst.Kind()) {
		if !math.IsNaN(f) && !math.IsInf(f, 0) && dst.OverflowFloat(f) {
			return false
		}
		dst.SetFloat(f)
		return true
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return false
	}
	// 2^63 and 2^64 are exact as float64; anything at or above them
	// cannot be converted without wrapping.
	if isSigned(dst.Kind()) {
		if f < -(1<<63) || f >= 1<<63 {
			return false
		}
		return assignInt(dst, int64(f))
	}
	if f < 0 || f >= 1<<64 {
		return false
	}
	return assignUint(dst, uint64(f))
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	default:
		return false
	}
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
