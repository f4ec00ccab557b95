package wrpc_async

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

// HandlerFunc is the business logic of one method. A returned
// *uerror.Error carries its status code to the caller; any other error is
// reported as CodeInternal.
type HandlerFunc[Req, Resp any] func(ctx context.Context, req *Req) (*Resp, error)

// MethodDesc describes one rpc method: its name, its request and response
// types and the handler serving it. The only implementation is Method, so
// the set of descriptors is closed over the methods a service declares.
type MethodDesc interface {
	Name() string
	RequestType() reflect.Type
	ResponseType() reflect.Type

	// Encoders lists the encode types the method accepts. Empty means any
	// registered encoder.
	Encoders() []string

	encoder(name string) (Encoder, error)
	invoke(ctx context.Context, enc Encoder, payload []byte) ([]byte, error)
}

type MethodOption func(opt *methodOptions)

type methodOptions struct {
	encoders []string
}

// WithMethodEncoders restricts a method to the named encode types. The first
// one is used when a call names none.
func WithMethodEncoders(names ...string) MethodOption {
	return func(opt *methodOptions) {
		opt.encoders = append(opt.encoders, names...)
	}
}

type Method[Req, Resp any] struct {
	name    string
	handler HandlerFunc[Req, Resp]
	opts    methodOptions
}

var _ MethodDesc = (*Method[struct{}, struct{}])(nil)

func NewMethod[Req, Resp any](name string, handler HandlerFunc[Req, Resp], opts ...MethodOption) *Method[Req, Resp] {
	m := &Method[Req, Resp]{name: name, handler: handler}
	for _, opt := range opts {
		opt(&m.opts)
	}
	return m
}

func (m *Method[Req, Resp]) Name() string { return m.name }

func (m *Method[Req, Resp]) Encoders() []string {
	return append([]string(nil), m.opts.encoders...)
}

// encoder resolves the encode type a call asked for.
func (m *Method[Req, Resp]) encoder(name string) (Encoder, error) {
	if allowed := m.opts.encoders; len(allowed) > 0 {
		if name == "" {
			name = allowed[0]
		} else if !slices.Contains(allowed, name) {
			return nil, uerror.ErrEncoderNotFound
		}
	}
	enc := GetEncoder(name)
	if enc == nil {
		return nil, uerror.ErrEncoderNotFound
	}
	return enc, nil
}

func (m *Method[Req, Resp]) RequestType() reflect.Type {
	return reflect.TypeOf((*Req)(nil)).Elem()
}

func (m *Method[Req, Resp]) ResponseType() reflect.Type {
	return reflect.TypeOf((*Resp)(nil)).Elem()
}

func (m *Method[Req, Resp]) invoke(ctx context.Context, enc Encoder, payload []byte) ([]byte, error) {
	req := new(Req)
	if len(payload) > 0 {
		if err := enc.Decode(payload, req); err != nil {
			return nil, uerror.NewError(uerror.CodeBadRequest, fmt.Sprintf("decode %s request: %v", m.name, err))
		}
	}
	resp, err := m.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = new(Resp)
	}
	bs, err := enc.Encode(resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", m.name, err)
	}
	return bs, nil
}
