// Package state holds application values shared by every request: database
// handles, configuration, caches. Values are stored by type or by name and
// read concurrently from handlers.
package state

import (
	"fmt"
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/searchktools/fastcore/core/http"
)

type namedKey string

// Store is a concurrent keyed store. The zero value is not usable, call New.
type Store struct {
	m *xsync.MapOf[any, any]
}

// New returns an empty store.
func New() *Store {
	return &Store{m: xsync.NewMapOf[any, any]()}
}

// Set stores v under its type, replacing any previous value of that type.
func Set[T any](s *Store, v T) {
	s.m.Store(reflect.TypeFor[T](), v)
}

// Get returns the value stored under type T.
func Get[T any](s *Store) (T, bool) {
	v, ok := s.m.Load(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustGet is Get for values the application installs at startup. It panics
// when T is missing.
func MustGet[T any](s *Store) T {
	v, ok := Get[T](s)
	if !ok {
		panic(fmt.Sprintf("state: no value of type %s", reflect.TypeFor[T]()))
	}
	return v
}

// SetNamed stores v under name. Named and typed entries never collide.
func (s *Store) SetNamed(name string, v any) {
	s.m.Store(namedKey(name), v)
}

// GetNamed returns the value stored under name.
func (s *Store) GetNamed(name string) (any, bool) {
	return s.m.Load(namedKey(name))
}

// Delete removes the value stored under name.
func (s *Store) Delete(name string) {
	s.m.Delete(namedKey(name))
}

// Len returns the number of stored values.
func (s *Store) Len() int {
	return s.m.Size()
}

// GetNamedAs returns the value stored under name if it has type T.
func GetNamedAs[T any](s *Store, name string) (T, bool) {
	v, ok := s.GetNamed(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Attach makes s reachable from req via From.
func Attach(req *http.Request, s *Store) {
	http.SetExt(req, s)
}

// From returns the store attached to req by the router, or nil.
func From(req *http.Request) *Store {
	s, _ := http.Ext[*Store](req)
	return s
}
