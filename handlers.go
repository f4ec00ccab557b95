package wrpc_async

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrDuplicateHandler = errors.New("rpc: duplicate handler")
	ErrNilHandler       = errors.New("rpc: nil handler")
	ErrMissingHandler   = errors.New("rpc: method has no handler")
	ErrNoListener       = errors.New("rpc: handler has no listener")
)

// HandlerRegistry maps method names to descriptors. It is filled before the
// server starts and only read afterwards.
type HandlerRegistry struct {
	methods map[string]MethodDesc
	order   []string
}

func NewHandlerRegistry(methods ...MethodDesc) (*HandlerRegistry, error) {
	r := &HandlerRegistry{methods: make(map[string]MethodDesc)}
	for _, m := range methods {
		if err := r.add(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *HandlerRegistry) add(m MethodDesc) error {
	if m == nil || reflect.ValueOf(m).IsNil() {
		return ErrNilHandler
	}
	if _, ok := r.methods[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, m.Name())
	}
	r.methods[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

func (r *HandlerRegistry) Lookup(name string) (MethodDesc, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names returns method names in registration order.
func (r *HandlerRegistry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *HandlerRegistry) Len() int {
	return len(r.methods)
}
