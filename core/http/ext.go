package http

import "reflect"

// PathParams maps route parameter names to the raw matched segments.
type PathParams map[string]string

// SetExt stores v in the request's extension bag under its type.
func SetExt[T any](r *Request, v T) {
	if r.ext == nil {
		r.ext = make(map[reflect.Type]any, 4)
	}
	r.ext[reflect.TypeFor[T]()] = v
}

// Ext returns the extension of type T, if present.
func Ext[T any](r *Request) (T, bool) {
	var zero T
	if r.ext == nil {
		return zero, false
	}
	v, ok := r.ext[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Params returns the path parameters attached by the router.
func (r *Request) Params() PathParams {
	p, _ := Ext[PathParams](r)
	return p
}

// Param returns one path parameter, or "" if absent.
func (r *Request) Param(name string) string {
	return r.Params()[name]
}
