package config

import (
	"reflect"
)

// Overlay copies every non-zero field of src over dst, recursing through
// nested sections. Override files only state the fields they change, so a
// zero src field means "not set" and leaves dst alone.
func Overlay(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	overlayValues(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem())
}

func overlayValues(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			overlayValues(dst.Field(i), src.Field(i))
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !isZeroValue(src) {
			dst.Set(src)
		}
	}
}

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
