package store

import "reflect"

// clone returns a deep copy of v.
func clone[S any](v S) S {
	return copyValue(reflect.ValueOf(&v).Elem()).Interface().(S)
}

// copyValue deep copies maps, slices, arrays, pointers and the exported
// fields of structs so that no reference is shared between the original and
// the copy. Unexported struct fields are copied shallowly. Values must not
// contain pointer cycles.
func copyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type().Elem())
		cp.Elem().Set(copyValue(v.Elem()))
		return cp

	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type()).Elem()
		cp.Set(copyValue(v.Elem()))
		return cp

	case reflect.Struct:
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := cp.Field(i); f.CanSet() {
				f.Set(copyValue(v.Field(i)))
			}
		}
		return cp

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), copyValue(iter.Value()))
		}
		return cp

	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(copyValue(v.Index(i)))
		}
		return cp

	case reflect.Array:
		cp := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(copyValue(v.Index(i)))
		}
		return cp

	default:
		return v
	}
}
