package wrpc_async

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

// CodeTrailer carries the exact status code next to the grpc status, which
// only has room for the coarser grpc code.
const CodeTrailer = "wrpc-code"

var errCallerGone = errors.New("rpc: grpc caller went away")

type GrpcOptions struct {
	Addr     string
	Listener net.Listener
	Logger   *logx.Logger
	// ServerOptions are passed to grpc.NewServer after the transport's own.
	ServerOptions []grpc.ServerOption
}

type GrpcOption func(opt *GrpcOptions)

func WithGrpcAddr(addr string) GrpcOption {
	return func(opt *GrpcOptions) {
		opt.Addr = addr
	}
}

// WithGrpcListener serves on lis instead of listening on Addr.
func WithGrpcListener(lis net.Listener) GrpcOption {
	return func(opt *GrpcOptions) {
		opt.Listener = lis
	}
}

func WithGrpcLogger(l *logx.Logger) GrpcOption {
	return func(opt *GrpcOptions) {
		opt.Logger = l
	}
}

func WithGrpcServerOptions(opts ...grpc.ServerOption) GrpcOption {
	return func(opt *GrpcOptions) {
		opt.ServerOptions = append(opt.ServerOptions, opts...)
	}
}

// GrpcTransport serves every method of one service as a unary grpc method
// named /<service>/<method>. Messages are passed through as raw bytes and
// decoded by the server's encoder, so no generated code is needed.
type GrpcTransport struct {
	service string
	opts    *GrpcOptions

	mu       sync.Mutex
	server   *grpc.Server
	inbox    Inbox
	lis      net.Listener
	done     chan struct{}
	stopping chan struct{}
}

func NewGrpcTransport(service string, opts ...GrpcOption) *GrpcTransport {
	options := &GrpcOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logx.Default()
	}
	return &GrpcTransport{service: service, opts: options}
}

func (t *GrpcTransport) Name() string {
	return "grpc"
}

func (t *GrpcTransport) Serve(inbox Inbox) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return ErrServerIsRunning
	}
	lis := t.opts.Listener
	if lis == nil {
		var err error
		if lis, err = net.Listen("tcp", t.opts.Addr); err != nil {
			return err
		}
	}
	opts := append([]grpc.ServerOption{
		grpc.UnknownServiceHandler(t.handle),
		grpc.ForceServerCodec(rawCodec{}),
	}, t.opts.ServerOptions...)
	t.server = grpc.NewServer(opts...)
	t.inbox = inbox
	t.lis = lis
	t.done = make(chan struct{})
	t.stopping = make(chan struct{})

	go func(server *grpc.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(lis); err != nil {
			t.opts.Logger.Err().Err(err).Log("grpc serve")
		}
	}(t.server, t.done)
	t.opts.Logger.Info().Str("addr", lis.Addr().String()).Log("grpc listen")
	return nil
}

// Addr is the address being served.
func (t *GrpcTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lis == nil {
		return nil
	}
	return t.lis.Addr()
}

// Stop drains in-flight calls gracefully until ctx ends, then cuts the rest.
// Callers still waiting for a response are answered Unavailable, since the
// server sends nothing once its queue is drained.
func (t *GrpcTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	server, done, stopping := t.server, t.done, t.stopping
	t.server = nil
	t.mu.Unlock()
	if server == nil {
		return nil
	}
	close(stopping)
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
	}
	<-done
	return nil
}

func (t *GrpcTransport) handle(_ any, stream grpc.ServerStream) error {
	ctx := stream.Context()
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "rpc: no method in stream")
	}
	service, method, ok := splitFullMethod(fullMethod)
	if !ok || service != t.service {
		return status.Errorf(codes.Unimplemented, "unknown method %s", fullMethod)
	}

	req := &rawFrame{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	meta := make(Meta)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, vs := range md {
			if len(vs) > 0 {
				meta[k] = vs[0]
			}
		}
	}
	id := meta.Get(RequestIDKey)
	if id == "" {
		id = uuid.NewString()
	}
	origin := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		origin = p.Addr.String()
	}

	replies := make(chan *cq.Outbound, 1)
	in := &cq.Inbound{
		ID:      id,
		Method:  method,
		Origin:  origin,
		Meta:    meta,
		Payload: req.data,
		Context: ctx,
		Reply: func(_ context.Context, out *cq.Outbound) error {
			select {
			case replies <- out:
				return nil
			default:
				return errCallerGone
			}
		},
	}
	t.mu.Lock()
	inbox, stopping := t.inbox, t.stopping
	t.mu.Unlock()
	if err := inbox.Deliver(in); err != nil {
		return t.fail(stream, deliverError(err))
	}

	select {
	case out := <-replies:
		return t.reply(stream, out)
	case <-stopping:
		select {
		case out := <-replies:
			return t.reply(stream, out)
		default:
		}
		return t.fail(stream, uerror.ErrUnavailable)
	case <-ctx.Done():
		// Fill the slot so a late reply is reported as lost.
		select {
		case replies <- nil:
		default:
		}
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (t *GrpcTransport) reply(stream grpc.ServerStream, out *cq.Outbound) error {
	if out.Code != uerror.CodeOK {
		return t.fail(stream, uerror.NewError(out.Code, out.Status))
	}
	return stream.SendMsg(&rawFrame{data: out.Payload})
}

func (t *GrpcTransport) fail(stream grpc.ServerStream, err error) error {
	e := uerror.ParseError(err)
	stream.SetTrailer(metadata.Pairs(CodeTrailer, strconv.Itoa(int(e.Code))))
	return status.Error(grpcCode(e.Code), e.ErrMsg)
}

func splitFullMethod(fullMethod string) (service, method string, ok bool) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(fullMethod, "/")
	if i <= 0 || i == len(fullMethod)-1 {
		return "", "", false
	}
	return fullMethod[:i], fullMethod[i+1:], true
}

func grpcCode(code int32) codes.Code {
	switch code {
	case uerror.CodeOK:
		return codes.OK
	case uerror.CodeBadRequest:
		return codes.InvalidArgument
	case uerror.CodeNotFound:
		return codes.NotFound
	case uerror.CodeTimeout:
		return codes.DeadlineExceeded
	case uerror.CodeResourceExhausted, uerror.CodeFull:
		return codes.ResourceExhausted
	case uerror.CodeUnavailable:
		return codes.Unavailable
	case uerror.CodeInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// rawFrame is the message type of every grpc call: the payload exactly as
// the server encoder produced or expects it.
type rawFrame struct {
	data []byte
}

// rawCodec passes rawFrame through untouched and marshals real proto
// messages, so a plain grpc client can talk to the transport.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawFrame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *rawFrame:
		m.data = append([]byte(nil), data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
}

func (rawCodec) Name() string {
	return "proto"
}
