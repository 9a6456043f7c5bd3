package canonicalize

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// visitKey identifies a reference-typed value on the current descent path.
// Slices sharing a backing array but with different lengths are distinct.
type visitKey struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

// walker keeps the set of references on the path from the root to the
// current value. Entries are removed on the way back up, so the same
// object may appear in sibling positions without being reported as a cycle.
type walker struct {
	seen map[visitKey]struct{}
}

func validate(v interface{}) error {
	w := &walker{seen: make(map[visitKey]struct{})}
	return w.walk(reflect.ValueOf(v), "$")
}

func (w *walker) enter(k visitKey, path string) error {
	if _, ok := w.seen[k]; ok {
		return fmt.Errorf("%w at %s", ErrCycle, path)
	}
	w.seen[k] = struct{}{}
	return nil
}

func (w *walker) leave(k visitKey) {
	delete(w.seen, k)
}

func (w *walker) walk(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}

	if v.Kind() != reflect.Interface && v.Kind() != reflect.Pointer && v.Type().Implements(jsonMarshalerType) {
		return nil
	}
	if v.Kind() != reflect.Interface && v.Kind() != reflect.Pointer && v.Type().Implements(textMarshalerType) {
		return nil
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128, reflect.Uintptr:
		return fmt.Errorf("%w: %s at %s", ErrUnsupportedType, v.Type(), path)

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w at %s", ErrNonFinite, path)
		}
		return nil

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), path)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
			return nil
		}
		k := visitKey{kind: reflect.Pointer, ptr: v.Pointer()}
		if err := w.enter(k, path); err != nil {
			return err
		}
		defer w.leave(k)
		return w.walk(v.Elem(), path)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		k := visitKey{kind: reflect.Map, ptr: v.Pointer()}
		if err := w.enter(k, path); err != nil {
			return err
		}
		defer w.leave(k)
		iter := v.MapRange()
		for iter.Next() {
			if err := w.walk(iter.Value(), path+"."+fmt.Sprint(iter.Key())); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		// []byte is encoded as base64 by encoding/json.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		k := visitKey{kind: reflect.Slice, ptr: v.Pointer(), len: v.Len()}
		if err := w.enter(k, path); err != nil {
			return err
		}
		defer w.leave(k)
		return w.walkElems(v, path)

	case reflect.Array:
		return w.walkElems(v, path)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() && !f.Anonymous {
				continue
			}
			name := f.Name
			if tag := f.Tag.Get("json"); tag != "" {
				if tag == "-" {
					continue
				}
				if n, _, _ := strings.Cut(tag, ","); n != "" {
					name = n
				}
			}
			if err := w.walk(v.Field(i), path+"."+name); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (w *walker) walkElems(v reflect.Value, path string) error {
	for i := 0; i < v.Len(); i++ {
		if err := w.walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}
