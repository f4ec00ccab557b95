package wrpc_async

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

func TestHandlerRegistry(t *testing.T) {
	echo := NewMethod("echo", func(ctx context.Context, req *echoReq) (*echoResp, error) { return req2resp(req), nil })
	ping := NewMethod("ping", func(ctx context.Context, req *struct{}) (*struct{}, error) { return nil, nil })

	r, err := NewHandlerRegistry(echo, ping)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"echo", "ping"}, r.Names())

	got, ok := r.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name())
	assert.Equal(t, reflect.TypeOf(echoReq{}), got.RequestType())
	assert.Equal(t, reflect.TypeOf(echoResp{}), got.ResponseType())

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestHandlerRegistry_errors(t *testing.T) {
	echo := NewMethod("echo", func(ctx context.Context, req *echoReq) (*echoResp, error) { return req2resp(req), nil })

	_, err := NewHandlerRegistry(echo, echo)
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	var missing *Method[echoReq, echoResp]
	_, err = NewHandlerRegistry(missing)
	assert.ErrorIs(t, err, ErrNilHandler)
	_, err = NewHandlerRegistry(nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestMethod_invoke(t *testing.T) {
	enc := GetEncoder(EncoderJSON)
	echo := NewMethod("echo", func(ctx context.Context, req *echoReq) (*echoResp, error) { return req2resp(req), nil })
	out, err := echo.invoke(context.Background(), enc, []byte(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(out))

	_, err = echo.invoke(context.Background(), enc, []byte(`[`))
	assert.Equal(t, uerror.CodeBadRequest, uerror.ParseError(err).Code)

	empty := NewMethod("empty", func(ctx context.Context, req *echoReq) (*echoResp, error) { return nil, nil })
	out, err = empty.invoke(context.Background(), enc, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":""}`, string(out))
}

func TestGetEncoder(t *testing.T) {
	assert.Equal(t, EncoderJSON, GetEncoder("").Name())
	assert.Equal(t, EncoderProto, GetEncoder(EncoderProto).Name())
	assert.Nil(t, GetEncoder("xml"))
	assert.Subset(t, EncoderNames(), []string{EncoderJSON, EncoderProto})
	assert.ErrorIs(t, RegisterEncoder(nil), ErrInvalidEncoder)
}

func TestMethod_encoder(t *testing.T) {
	loose := NewMethod("loose", func(ctx context.Context, req *echoReq) (*echoResp, error) { return req2resp(req), nil })
	enc, err := loose.encoder("")
	require.NoError(t, err)
	assert.Equal(t, EncoderJSON, enc.Name())
	enc, err = loose.encoder(EncoderProto)
	require.NoError(t, err)
	assert.Equal(t, EncoderProto, enc.Name())
	_, err = loose.encoder("xml")
	assert.ErrorIs(t, err, uerror.ErrEncoderNotFound)
	assert.Empty(t, loose.Encoders())

	protoOnly := NewMethod("proto", func(ctx context.Context, req *echoReq) (*echoResp, error) { return req2resp(req), nil },
		WithMethodEncoders(EncoderProto))
	assert.Equal(t, []string{EncoderProto}, protoOnly.Encoders())
	enc, err = protoOnly.encoder("")
	require.NoError(t, err)
	assert.Equal(t, EncoderProto, enc.Name())
	_, err = protoOnly.encoder(EncoderJSON)
	assert.ErrorIs(t, err, uerror.ErrEncoderNotFound)
}

type stubInvoker struct {
	meta   Meta
	method string
	in     []byte
	out    []byte
	err    error
}

func (s *stubInvoker) Invoke(ctx context.Context, method string, in []byte) ([]byte, error) {
	s.meta, _ = FromOutgoingContext(ctx)
	s.method, s.in = method, in
	return s.out, s.err
}

func (s *stubInvoker) EncodeType() string { return EncoderJSON }

func TestCall(t *testing.T) {
	inv := &stubInvoker{out: []byte(`{"msg":"pong"}`)}
	ctx := NewOutgoingContext(context.Background(), Meta{ConsistentHashKey: "k"})

	resp, err := Call[echoReq, echoResp](ctx, inv, "echo", &echoReq{Msg: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Msg)
	assert.Equal(t, "echo", inv.method)
	assert.JSONEq(t, `{"msg":"ping"}`, string(inv.in))
	assert.Equal(t, EncoderJSON, inv.meta.Get(EncodeType))
	assert.Equal(t, "k", inv.meta.Get(ConsistentHashKey))

	orig, _ := FromOutgoingContext(ctx)
	assert.Empty(t, orig.Get(EncodeType))
}

func TestCall_errors(t *testing.T) {
	inv := &stubInvoker{err: uerror.ErrRequestTimeout}
	_, err := Call[echoReq, echoResp](context.Background(), inv, "echo", &echoReq{})
	assert.ErrorIs(t, err, uerror.ErrRequestTimeout)

	ctx := NewOutgoingContext(context.Background(), Meta{EncodeType: "xml"})
	_, err = Call[echoReq, echoResp](ctx, &stubInvoker{}, "echo", &echoReq{})
	assert.ErrorIs(t, err, uerror.ErrEncoderNotFound)
}
