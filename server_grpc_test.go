package wrpc_async

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

func newGrpcTestServer(t *testing.T, admission Admission) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	tr := NewGrpcTransport("Strings", WithGrpcListener(lis), WithGrpcLogger(logx.Discard()))

	opts := []ServerOption{
		WithServerOptionLogger(logx.Discard()),
		WithServerOptionTransport(tr),
	}
	if admission != nil {
		opts = append(opts, WithServerOptionAdmission(admission))
	}
	srv := NewServer(ServiceDesc{Name: "Strings", Methods: []string{"upper", "fail"}}, opts...)
	require.NoError(t, srv.Handle(
		NewMethod("upper", func(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return wrapperspb.String(strings.ToUpper(req.GetValue())), nil
		}, WithMethodEncoders(EncoderProto)),
		NewMethod("fail", func(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return nil, uerror.NewError(uerror.CodeBadRequest, "no "+req.GetValue())
		}),
	))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	cc, err := grpc.NewClient(
		"passthrough:bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func protoContext(t *testing.T) context.Context {
	return metadata.AppendToOutgoingContext(testContext(t), EncodeType, EncoderProto)
}

func TestGrpc_call(t *testing.T) {
	cc := newGrpcTestServer(t, nil)

	resp := &wrapperspb.StringValue{}
	err := cc.Invoke(protoContext(t), "/Strings/upper", wrapperspb.String("ledger"), resp)
	require.NoError(t, err)
	assert.Equal(t, "LEDGER", resp.GetValue())
}

func TestGrpc_methodDefaultEncoder(t *testing.T) {
	cc := newGrpcTestServer(t, nil)

	resp := &wrapperspb.StringValue{}
	require.NoError(t, cc.Invoke(testContext(t), "/Strings/upper", wrapperspb.String("plain"), resp))
	assert.Equal(t, "PLAIN", resp.GetValue())

	ctx := metadata.AppendToOutgoingContext(testContext(t), EncodeType, EncoderJSON)
	err := cc.Invoke(ctx, "/Strings/upper", wrapperspb.String("plain"), resp)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGrpc_handlerError(t *testing.T) {
	cc := newGrpcTestServer(t, nil)

	var trailer metadata.MD
	err := cc.Invoke(protoContext(t), "/Strings/fail", wrapperspb.String("way"), &wrapperspb.StringValue{}, grpc.Trailer(&trailer))
	require.Error(t, err)
	st := status.Convert(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "no way", st.Message())
	assert.Equal(t, []string{"400"}, trailer.Get(CodeTrailer))
}

func TestGrpc_unknownMethod(t *testing.T) {
	cc := newGrpcTestServer(t, nil)
	ctx := protoContext(t)

	err := cc.Invoke(ctx, "/Strings/lower", wrapperspb.String("x"), &wrapperspb.StringValue{})
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = cc.Invoke(ctx, "/Other/upper", wrapperspb.String("x"), &wrapperspb.StringValue{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGrpc_admissionUsesPeerAddress(t *testing.T) {
	origins := make(chan string, 8)
	deny := AdmissionFunc(func(origin, method string) bool {
		origins <- origin
		return false
	})
	cc := newGrpcTestServer(t, deny)

	err := cc.Invoke(protoContext(t), "/Strings/upper", wrapperspb.String("x"), &wrapperspb.StringValue{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Len(t, origins, 1)
	assert.NotEmpty(t, <-origins)
}

func TestSplitFullMethod(t *testing.T) {
	service, method, ok := splitFullMethod("/pkg.Service/Do")
	require.True(t, ok)
	assert.Equal(t, "pkg.Service", service)
	assert.Equal(t, "Do", method)

	for _, bad := range []string{"", "/", "/Service", "/Service/", "nomethod"} {
		_, _, ok := splitFullMethod(bad)
		assert.False(t, ok, bad)
	}
}

func TestGrpcCode(t *testing.T) {
	assert.Equal(t, codes.OK, grpcCode(uerror.CodeOK))
	assert.Equal(t, codes.DeadlineExceeded, grpcCode(uerror.CodeTimeout))
	assert.Equal(t, codes.Unavailable, grpcCode(uerror.CodeUnavailable))
	assert.Equal(t, codes.Internal, grpcCode(uerror.CodeInternal))
	assert.Equal(t, codes.Unknown, grpcCode(999))
}

func TestGrpc_stopAnswersCallerWithoutDeadline(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	tr := NewGrpcTransport("Strings", WithGrpcListener(lis), WithGrpcLogger(logx.Discard()))
	srv := NewServer(ServiceDesc{Name: "Strings", Methods: []string{"hold"}},
		WithServerOptionLogger(logx.Discard()),
		WithServerOptionTransport(tr),
	)
	started, release := make(chan struct{}, 1), make(chan struct{})
	require.NoError(t, srv.Handle(
		NewMethod("hold", func(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			started <- struct{}{}
			<-release
			return req, nil
		}),
	))
	require.NoError(t, srv.Start())

	cc, err := grpc.NewClient(
		"passthrough:bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer cc.Close()

	callErr := make(chan error, 1)
	go func() {
		ctx := metadata.AppendToOutgoingContext(context.Background(), EncodeType, EncoderProto)
		callErr <- cc.Invoke(ctx, "/Strings/hold", wrapperspb.String("x"), &wrapperspb.StringValue{})
	}()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop(context.Background()) }()
	require.Eventually(t, srv.queue.Closed, 2*time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-callErr:
		assert.Equal(t, codes.Unavailable, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("caller got no answer")
	}
	assert.Zero(t, srv.Stats().Live)
}
