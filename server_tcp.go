package wrpc_async

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

const defaultReadBufSize = 8192

var ErrReplyTimedOut = errors.New("rpc: call already answered with a timeout")

type TcpOptions struct {
	Addr     string
	ReadSize int
	// InvokeTimeout answers a call with uerror.ErrRequestTimeout when the
	// server did not respond in time. Zero waits forever.
	InvokeTimeout time.Duration
	Logger        *logx.Logger
}

type TcpOption func(opt *TcpOptions)

func WithTcpAddr(addr string) TcpOption {
	return func(opt *TcpOptions) {
		opt.Addr = addr
	}
}

func WithTcpReadSize(size int) TcpOption {
	return func(opt *TcpOptions) {
		opt.ReadSize = size
	}
}

func WithTcpInvokeTimeout(d time.Duration) TcpOption {
	return func(opt *TcpOptions) {
		opt.InvokeTimeout = d
	}
}

func WithTcpLogger(l *logx.Logger) TcpOption {
	return func(opt *TcpOptions) {
		opt.Logger = l
	}
}

// TcpTransport accepts framed envelope requests over tcp. Every decoded
// request is delivered to the inbox straight from the connection's read
// loop; responses are written back whenever the server sends them, so
// replies on one connection may come back in any order.
type TcpTransport struct {
	opts     *TcpOptions
	protocol Protocol

	mu       sync.Mutex
	listen   net.Listener
	conns    map[*tcpConn]struct{}
	inbox    Inbox
	doneChan chan struct{}
	running  bool

	wg sync.WaitGroup
}

func NewTcpTransport(opts ...TcpOption) *TcpTransport {
	options := &TcpOptions{ReadSize: defaultReadBufSize}
	for _, opt := range opts {
		opt(options)
	}
	if options.ReadSize <= 0 {
		options.ReadSize = defaultReadBufSize
	}
	if options.Logger == nil {
		options.Logger = logx.Default()
	}
	return &TcpTransport{
		opts:     options,
		protocol: newWRPCProtocol(),
		conns:    make(map[*tcpConn]struct{}),
	}
}

func (srv *TcpTransport) Name() string {
	return "tcp"
}

func (srv *TcpTransport) Serve(inbox Inbox) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.running {
		return ErrServerIsRunning
	}
	listen, err := net.Listen("tcp", srv.opts.Addr)
	if err != nil {
		return err
	}
	srv.listen = listen
	srv.inbox = inbox
	srv.running = true
	srv.doneChan = make(chan struct{})
	srv.opts.Logger.Info().Str("addr", listen.Addr().String()).Log("tcp listen")

	srv.wg.Add(1)
	go srv.accept(listen, srv.doneChan)
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (srv *TcpTransport) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listen == nil {
		return nil
	}
	return srv.listen.Addr()
}

func (srv *TcpTransport) accept(listen net.Listener, done <-chan struct{}) {
	defer srv.wg.Done()
	defer logx.Recover(srv.opts.Logger, "tcp.accept")

	var tempDelay time.Duration
	for {
		rw, err := listen.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.opts.Logger.Warning().Err(err).Dur("retry", tempDelay).Log("tcp accept")
				time.Sleep(tempDelay)
				continue
			}
			srv.opts.Logger.Err().Err(err).Log("tcp accept failed")
			return
		}
		tempDelay = 0
		conn := newConn(srv, rw)
		if !srv.addConn(conn) {
			rw.Close()
			return
		}
		srv.wg.Add(1)
		go conn.handle()
	}
}

func (srv *TcpTransport) Stop(ctx context.Context) error {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return nil
	}
	srv.running = false
	close(srv.doneChan)
	err := srv.listen.Close()
	conns := srv.conns
	srv.conns = make(map[*tcpConn]struct{})
	srv.mu.Unlock()

	for conn := range conns {
		conn.close()
	}
	if werr := waitContext(ctx, srv.wg.Wait); werr != nil {
		return werr
	}
	return err
}

func (srv *TcpTransport) addConn(conn *tcpConn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.running {
		return false
	}
	srv.conns[conn] = struct{}{}
	return true
}

func (srv *TcpTransport) removeConn(conn *tcpConn) {
	srv.mu.Lock()
	delete(srv.conns, conn)
	srv.mu.Unlock()
}

type tcpConn struct {
	srv    *TcpTransport
	rw     net.Conn
	remote string
	inbox  Inbox

	// wmu keeps frames written by concurrent replies whole.
	wmu    sync.Mutex
	closed atomic.Bool
}

func newConn(srv *TcpTransport, rw net.Conn) *tcpConn {
	return &tcpConn{
		srv:    srv,
		rw:     rw,
		remote: rw.RemoteAddr().String(),
		inbox:  srv.inbox,
	}
}

func (conn *tcpConn) handle() {
	defer conn.srv.wg.Done()
	defer logx.Recover(conn.srv.opts.Logger, "tcp.handle")
	defer conn.close()

	var (
		buf     = make([]byte, 0, conn.srv.opts.ReadSize)
		readBuf = make([]byte, conn.srv.opts.ReadSize)
	)
	for {
		n, err := conn.rw.Read(readBuf)
		if err != nil {
			return
		}
		buf = append(buf, readBuf[:n]...)
		for {
			body, n, state := readFrame(buf)
			if state == stateFull {
				conn.invoke(body)
				buf = buf[n:]
				continue
			}
			if state == stateNeedRead {
				break
			}
			conn.srv.opts.Logger.Warning().Str("remote", conn.remote).Log("bad frame, closing connection")
			return
		}
	}
}

func (conn *tcpConn) close() {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	conn.srv.removeConn(conn)
	conn.rw.Close()
}

func (conn *tcpConn) invoke(body []byte) {
	req, err := conn.srv.protocol.UnPacketRequest(body)
	if err != nil {
		conn.srv.opts.Logger.Warning().
			Str("remote", conn.remote).
			Str("protocol", conn.srv.protocol.Name()).
			Err(err).
			Log("unpacket failed")
		return
	}
	meta := req.Meta
	if meta == nil {
		meta = make(Meta)
	}
	id := meta.Get(RequestIDKey)
	if id == "" {
		id = uuid.NewString()
	}

	r := &tcpReply{conn: conn, requestID: req.RequestID, meta: meta}
	in := &cq.Inbound{
		ID:      id,
		Method:  req.Method,
		Origin:  conn.remote,
		Meta:    meta,
		Payload: req.Body,
		Reply:   r.reply,
	}
	if d := conn.srv.opts.InvokeTimeout; d > 0 {
		r.mu.Lock()
		r.timer = time.AfterFunc(d, r.timeout)
		r.mu.Unlock()
	}
	if err := conn.inbox.Deliver(in); err != nil {
		r.answer(context.Background(), deliverError(err))
	}
}

func (conn *tcpConn) send(ctx context.Context, pkg []byte) error {
	if conn.closed.Load() {
		return net.ErrClosed
	}
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.rw.SetWriteDeadline(deadline)
		defer conn.rw.SetWriteDeadline(time.Time{})
	}
	_, err := conn.rw.Write(pkg)
	return err
}

// tcpReply writes the single response of one request. Whichever of the
// server reply, the invoke timeout or a delivery refusal comes first wins.
type tcpReply struct {
	conn      *tcpConn
	requestID int64
	meta      Meta
	done      atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

func (r *tcpReply) stopTimer() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
}

func (r *tcpReply) reply(ctx context.Context, out *cq.Outbound) error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrReplyTimedOut
	}
	r.stopTimer()
	return r.write(ctx, &Response{
		RequestID:  r.requestID,
		Body:       out.Payload,
		Meta:       Meta(out.Meta),
		Code:       out.Code,
		CodeStatus: out.Status,
	})
}

func (r *tcpReply) timeout() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	r.answer(ctx, uerror.ErrRequestTimeout)
}

func (r *tcpReply) answer(ctx context.Context, err error) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.stopTimer()
	e := uerror.ParseError(err)
	werr := r.write(ctx, &Response{
		RequestID:  r.requestID,
		Meta:       r.meta,
		Code:       e.Code,
		CodeStatus: e.ErrMsg,
	})
	if werr != nil {
		r.conn.srv.opts.Logger.Debug().Str("remote", r.conn.remote).Err(werr).Log("write refusal failed")
	}
}

func (r *tcpReply) write(ctx context.Context, resp *Response) error {
	bs, err := r.conn.srv.protocol.PacketResponse(resp)
	if err != nil {
		return err
	}
	return r.conn.send(ctx, bs)
}
