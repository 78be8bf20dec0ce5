package tools

import (
	"fmt"
	"reflect"
)

// maxSanitizeDepth bounds recursion for deeply nested config objects.
const maxSanitizeDepth = 32

// SanitizeConfig coerces a free-form, model-supplied config object into
// JSON-serializable primitives. Functions, channels, and other
// unserializable values are dropped, circular references become nil,
// and anything unrecognizable degrades to safe defaults. The returned
// issue list describes what was altered; the result is always usable,
// never an error.
func SanitizeConfig(v any) (map[string]any, []string) {
	var issues []string
	seen := make(map[uintptr]bool)

	clean := sanitizeValue(reflect.ValueOf(v), seen, 0, "", &issues)
	m, ok := clean.(map[string]any)
	if !ok {
		if clean != nil {
			issues = append(issues, fmt.Sprintf("config is %T, not an object; using empty config", v))
		}
		return map[string]any{}, issues
	}
	return m, issues
}

func sanitizeValue(v reflect.Value, seen map[uintptr]bool, depth int, path string, issues *[]string) any {
	if depth > maxSanitizeDepth {
		*issues = append(*issues, path+": nesting too deep, truncated")
		return nil
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if seen[ptr] {
				*issues = append(*issues, path+": circular reference replaced with null")
				return nil
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return sanitizeValue(v.Elem(), seen, depth, path, issues)

	case reflect.Map:
		ptr := v.Pointer()
		if seen[ptr] {
			*issues = append(*issues, path+": circular reference replaced with null")
			return nil
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			out[key] = sanitizeValue(iter.Value(), seen, depth+1, path+"."+key, issues)
		}
		return out

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil
			}
			ptr := v.Pointer()
			if seen[ptr] {
				*issues = append(*issues, path+": circular reference replaced with null")
				return nil
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, sanitizeValue(v.Index(i), seen, depth+1, fmt.Sprintf("%s[%d]", path, i), issues))
		}
		return out

	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = sanitizeValue(v.Field(i), seen, depth+1, path+"."+f.Name, issues)
		}
		return out

	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()

	default:
		// Func, Chan, Complex, UnsafePointer: not representable in JSON.
		*issues = append(*issues, fmt.Sprintf("%s: dropped unserializable %s value", path, v.Kind()))
		return nil
	}
}
