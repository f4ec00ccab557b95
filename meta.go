package wrpc_async

import "context"

type (
	outgoingKey struct{}
	incomingKey struct{}
)

// Meta travels with every request and is echoed back on the response.
type Meta map[string]string

func (m Meta) Set(k, v string) {
	if m == nil {
		return
	}
	m[k] = v
}

func (m Meta) Get(k string) string {
	if m == nil {
		return ""
	}
	return m[k]
}

func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	c := make(Meta, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// FromOutgoingContext returns meta a client attached to ctx.
func FromOutgoingContext(ctx context.Context) (Meta, bool) {
	md, ok := ctx.Value(outgoingKey{}).(Meta)
	return md, ok
}

func NewOutgoingContext(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, outgoingKey{}, meta)
}

// CallInfo describes the request a handler is serving.
type CallInfo struct {
	ID     string
	Method string
	Origin string
	Meta   Meta
}

// FromIncomingContext returns the call a handler was invoked for.
func FromIncomingContext(ctx context.Context) (*CallInfo, bool) {
	info, ok := ctx.Value(incomingKey{}).(*CallInfo)
	return info, ok
}

func newIncomingContext(ctx context.Context, info *CallInfo) context.Context {
	return context.WithValue(ctx, incomingKey{}, info)
}

const (
	EncodeType        = "encode-type"
	ConsistentHashKey = "consistent-hash-key"
	RequestIDKey      = "request-id"
)
