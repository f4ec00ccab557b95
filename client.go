package wrpc_async

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"github.com/wukong-cloud/wrpc-async/internal/discovery"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

var (
	ErrConnectNotFound = errors.New("rpc: connect not found")
	ErrClientClosed    = errors.New("rpc: client is closed")
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxIdleTime    = 2 * time.Hour
	defaultRefresh        = 10 * time.Second
	retryBackoff          = 10 * time.Millisecond
)

var requestId int64

func nextRequestId() int64 {
	if atomic.CompareAndSwapInt64(&requestId, math.MaxInt32, 1) {
		return 1
	}
	return atomic.AddInt64(&requestId, 1)
}

// Invoker sends an encoded request and returns the encoded response. Meta
// from NewOutgoingContext travels with the request.
type Invoker interface {
	Invoke(ctx context.Context, method string, in []byte) ([]byte, error)
	// EncodeType is the encoder used when the request meta names none.
	EncodeType() string
}

// Call encodes req, invokes method through inv and decodes the response.
func Call[Req, Resp any](ctx context.Context, inv Invoker, method string, req *Req) (*Resp, error) {
	meta, _ := FromOutgoingContext(ctx)
	encName := meta.Get(EncodeType)
	if encName == "" {
		encName = inv.EncodeType()
		meta = meta.Clone()
		if meta == nil {
			meta = make(Meta)
		}
		meta.Set(EncodeType, encName)
		ctx = NewOutgoingContext(ctx, meta)
	}
	enc := GetEncoder(encName)
	if enc == nil {
		return nil, uerror.ErrEncoderNotFound
	}
	in, err := enc.Encode(req)
	if err != nil {
		return nil, err
	}
	out, err := inv.Invoke(ctx, method, in)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if len(out) > 0 {
		if err := enc.Decode(out, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

type ClientOptions struct {
	addr           string
	maxConn        int
	requestTimeout time.Duration
	maxIdleTime    time.Duration
	readSize       int
	encodeType     string
	reTry          int
	discover       discovery.Discover
	logger         *logx.Logger
}

type ClientOption func(opt *ClientOptions)

// WithClientOptionAddr fixes ';' separated endpoints that discovery never
// removes.
func WithClientOptionAddr(addr string) ClientOption {
	return func(opt *ClientOptions) {
		opt.addr = addr
	}
}

func WithClientOptionMaxConn(max int) ClientOption {
	return func(opt *ClientOptions) {
		opt.maxConn = max
	}
}

func WithClientOptionEncodeType(encodeType string) ClientOption {
	return func(opt *ClientOptions) {
		opt.encodeType = encodeType
	}
}

func WithClientOptionRequestTimeout(d time.Duration) ClientOption {
	return func(opt *ClientOptions) {
		opt.requestTimeout = d
	}
}

func WithClientOptionRetry(n int) ClientOption {
	return func(opt *ClientOptions) {
		opt.reTry = n
	}
}

func WithClientOptionsDiscover(discover discovery.Discover) ClientOption {
	return func(opt *ClientOptions) {
		opt.discover = discover
	}
}

func WithClientOptionLogger(l *logx.Logger) ClientOption {
	return func(opt *ClientOptions) {
		opt.logger = l
	}
}

// WithClientConfig applies a client-config section.
func WithClientConfig(cfg *ClientConfig) ClientOption {
	return func(opt *ClientOptions) {
		if cfg == nil {
			return
		}
		if cfg.RequestTimeout > 0 {
			opt.requestTimeout = cfg.RequestTimeout
		}
		if cfg.ReadBufferSize > 0 {
			opt.readSize = int(cfg.ReadBufferSize)
		}
		if cfg.Thread > 0 {
			opt.maxConn = cfg.Thread
		}
		if cfg.MaxIdleTime > 0 {
			opt.maxIdleTime = cfg.MaxIdleTime
		}
		if cfg.EncodeType != "" {
			opt.encodeType = cfg.EncodeType
		}
		if cfg.ReTry > 0 {
			opt.reTry = cfg.ReTry
		}
	}
}

func loadClientOptions(opts ...ClientOption) *ClientOptions {
	options := &ClientOptions{
		requestTimeout: defaultRequestTimeout,
		readSize:       defaultReadBufSize,
		maxConn:        1,
		maxIdleTime:    defaultMaxIdleTime,
		encodeType:     EncoderJSON,
		reTry:          1,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.maxConn <= 0 {
		options.maxConn = 1
	}
	if options.readSize <= 0 {
		options.readSize = defaultReadBufSize
	}
	if options.discover == nil {
		options.discover = discovery.Nop()
	}
	if options.logger == nil {
		options.logger = logx.Default()
	}
	return options
}

// Client calls the methods of one service over tcp. Endpoints come from
// the fixed address option and from discovery; a request goes to the
// endpoint named by the caller, the one its consistent-hash-key maps to,
// or the next one in turn.
type Client struct {
	name     string
	opts     *ClientOptions
	protocol Protocol

	mu         sync.Mutex
	idx        int
	connectors []*connector
	hasher     *hashring.HashRing

	rwLock sync.Mutex
	reqMap map[int64]chan *Response

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewClient(name string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		name:       name,
		opts:       loadClientOptions(opts...),
		protocol:   newWRPCProtocol(),
		connectors: make([]*connector, 0),
		reqMap:     make(map[int64]chan *Response),
		hasher:     hashring.New([]string{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	client.initConnect()
	return client
}

func (client *Client) initConnect() {
	if client.opts.addr != "" {
		client.updateConnector(strings.Split(client.opts.addr, ";"), true)
	}
	client.refresh()

	watch := client.opts.discover.Watch(client.ctx, client.name)
	go func() {
		defer logx.Recover(client.opts.logger, "client.discover")
		ticker := time.NewTicker(defaultRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-client.ctx.Done():
				return
			case <-ticker.C:
				client.refresh()
			case endpoints, ok := <-watch:
				if !ok {
					watch = nil
					continue
				}
				client.updateConnector(endpoints, false)
			}
		}
	}()
}

func (client *Client) refresh() {
	ctx, cancel := context.WithTimeout(client.ctx, 5*time.Second)
	defer cancel()
	endpoints, err := client.opts.discover.Find(ctx, client.name)
	if err != nil {
		client.opts.logger.Warning().Str("service", client.name).Err(err).Log("discover failed")
		return
	}
	if len(endpoints) > 0 || client.opts.addr == "" {
		client.updateConnector(endpoints, false)
	}
}

func (client *Client) updateConnector(addrs []string, isFixed bool) {
	client.mu.Lock()

	oldConnectors := client.connectors
	newConnectors := make([]*connector, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))

	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		var connect *connector
		for _, old := range oldConnectors {
			if old.addr == addr {
				connect = old
				break
			}
		}
		if connect == nil {
			connect = newConnector(client, addr, isFixed)
		}
		newConnectors = append(newConnectors, connect)
	}

	delConnectors := make([]*connector, 0)
	for _, oldConn := range oldConnectors {
		if _, ok := seen[oldConn.addr]; ok {
			continue
		}
		if oldConn.isFixed {
			newConnectors = append(newConnectors, oldConn)
			continue
		}
		delConnectors = append(delConnectors, oldConn)
	}
	newNodes := map[string]int{}
	for _, node := range newConnectors {
		newNodes[node.addr] = 10
	}
	client.hasher = hashring.NewWithWeights(newNodes)
	client.connectors = newConnectors
	client.mu.Unlock()

	for _, delConn := range delConnectors {
		delConn.close()
	}
}

const (
	findTypeNext = iota + 1
	findTypeAddr
	findTypeConsistentHash
)

func (client *Client) connector(key string, findType int) *connector {
	switch findType {
	case findTypeAddr:
		return client.findConnector(key)
	case findTypeConsistentHash:
		return client.consistentHashConnector(key)
	default:
		return client.nextConnector()
	}
}

func (client *Client) findConnector(addr string) *connector {
	client.mu.Lock()
	defer client.mu.Unlock()
	for _, c := range client.connectors {
		if c.addr == addr {
			return c
		}
	}
	return nil
}

func (client *Client) consistentHashConnector(key string) *connector {
	client.mu.Lock()
	node, ok := client.hasher.GetNode(key)
	client.mu.Unlock()
	if !ok {
		return nil
	}
	return client.findConnector(node)
}

func (client *Client) nextConnector() *connector {
	client.mu.Lock()
	defer client.mu.Unlock()
	connectNum := len(client.connectors)
	if connectNum == 0 {
		return nil
	}
	if client.idx >= connectNum {
		client.idx = 0
	}
	connect := client.connectors[client.idx]
	client.idx++
	return connect
}

func (client *Client) GetAllEndpoints() []string {
	client.mu.Lock()
	defer client.mu.Unlock()
	addrs := make([]string, 0, len(client.connectors))
	for _, connect := range client.connectors {
		addrs = append(addrs, connect.addr)
	}
	return addrs
}

func (client *Client) EncodeType() string {
	return client.opts.encodeType
}

func (client *Client) Invoke(ctx context.Context, method string, in []byte) ([]byte, error) {
	return client.InvokeAddr(ctx, "", method, in)
}

// InvokeAddr sends the request to addr, or picks an endpoint when addr is
// empty.
func (client *Client) InvokeAddr(ctx context.Context, addr, method string, in []byte) ([]byte, error) {
	if client.closed.Load() {
		return nil, ErrClientClosed
	}
	if client.opts.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.opts.requestTimeout)
		defer cancel()
	}
	metadata, _ := FromOutgoingContext(ctx)
	metadata = metadata.Clone()
	if metadata == nil {
		metadata = make(Meta)
	}
	if metadata.Get(EncodeType) == "" {
		metadata.Set(EncodeType, client.opts.encodeType)
	}
	req := &Request{
		RequestID: nextRequestId(),
		Method:    method,
		Body:      in,
		Meta:      metadata,
	}

	respChan := make(chan *Response, 1)
	client.rwLock.Lock()
	client.reqMap[req.RequestID] = respChan
	client.rwLock.Unlock()
	defer func() {
		client.rwLock.Lock()
		delete(client.reqMap, req.RequestID)
		client.rwLock.Unlock()
	}()

	if err := client.sendRequest(ctx, addr, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, uerror.ErrRequestTimeout
	case resp := <-respChan:
		if resp.Code > 0 && resp.Code != uerror.CodeOK {
			return nil, uerror.NewError(resp.Code, resp.CodeStatus)
		}
		return resp.Body, nil
	}
}

func (client *Client) sendRequest(ctx context.Context, addr string, req *Request) error {
	bs, err := client.protocol.PacketRequest(req)
	if err != nil {
		return err
	}

	tryTime := client.opts.reTry
	if tryTime <= 0 {
		tryTime = 1
	}

	findType := findTypeNext
	key := ""
	if addr != "" {
		key = addr
		findType = findTypeAddr
	} else if hash := req.Meta.Get(ConsistentHashKey); hash != "" {
		key = hash
		findType = findTypeConsistentHash
	}

	for i := 0; i < tryTime; i++ {
		if i > 0 {
			if findType != findTypeAddr {
				findType = findTypeNext
			}
			select {
			case <-ctx.Done():
				return uerror.ErrRequestTimeout
			case <-time.After(retryBackoff):
			}
		}
		connect := client.connector(key, findType)
		if connect == nil {
			return ErrConnectNotFound
		}
		conn, cerr := connect.getConn()
		if cerr != nil {
			err = cerr
			continue
		}
		if serr := conn.send(bs); serr != nil {
			err = serr
			continue
		}
		return nil
	}
	return err
}

func (client *Client) dispatch(resp *Response) {
	client.rwLock.Lock()
	respChan, ok := client.reqMap[resp.RequestID]
	if ok {
		delete(client.reqMap, resp.RequestID)
	}
	client.rwLock.Unlock()
	if ok {
		respChan <- resp
	}
}

// Close stops discovery and closes every connection. Calls in flight fail.
func (client *Client) Close() error {
	if !client.closed.CompareAndSwap(false, true) {
		return nil
	}
	client.cancel()
	client.mu.Lock()
	connectors := client.connectors
	client.connectors = nil
	client.mu.Unlock()
	for _, c := range connectors {
		c.close()
	}
	return client.opts.discover.Close()
}

type connector struct {
	addr    string
	client  *Client
	nextId  int32
	idx     int
	conns   []*clientConn
	mu      sync.Mutex
	isFixed bool
}

func newConnector(client *Client, addr string, isFixed bool) *connector {
	return &connector{
		client:  client,
		addr:    addr,
		isFixed: isFixed,
		conns:   make([]*clientConn, 0, client.opts.maxConn),
	}
}

// getConn hands out connections round robin, dialing new ones until
// maxConn are open.
func (c *connector) getConn() (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	connNum := len(c.conns)
	if connNum < c.client.opts.maxConn && (connNum == 0 || c.idx >= connNum) {
		rw, err := net.Dial("tcp", c.addr)
		if err != nil {
			if connNum == 0 {
				return nil, err
			}
		} else {
			c.conns = append(c.conns, newClientConn(c, rw))
			connNum++
		}
	}
	if c.idx >= connNum {
		c.idx = 0
	}
	conn := c.conns[c.idx]
	c.idx++
	return conn, nil
}

func (c *connector) nextConnId() int32 {
	return atomic.AddInt32(&c.nextId, 1)
}

func (c *connector) removeConn(connId int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*clientConn, 0, len(c.conns))
	for _, conn := range c.conns {
		if conn.connId == connId {
			continue
		}
		conns = append(conns, conn)
	}
	c.conns = conns
}

func (c *connector) close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

type clientConn struct {
	connId   int32
	connect  *connector
	createAt time.Time

	mu      sync.Mutex
	rw      net.Conn
	running bool
}

func newClientConn(c *connector, rw net.Conn) *clientConn {
	conn := &clientConn{
		connId:   c.nextConnId(),
		connect:  c,
		running:  true,
		rw:       rw,
		createAt: time.Now(),
	}
	go conn.recv(rw)
	return conn
}

// reconnectLocked replaces a closed or expired connection.
func (conn *clientConn) reconnectLocked() error {
	if conn.running && !conn.expired() {
		return nil
	}
	if conn.running {
		conn.rw.Close()
	}
	rw, err := net.Dial("tcp", conn.connect.addr)
	if err != nil {
		conn.running = false
		return err
	}
	conn.rw = rw
	conn.running = true
	conn.createAt = time.Now()
	go conn.recv(rw)
	return nil
}

func (conn *clientConn) expired() bool {
	if maxIdle := conn.connect.client.opts.maxIdleTime; maxIdle > 0 {
		return time.Since(conn.createAt) >= maxIdle
	}
	return false
}

func (conn *clientConn) close() {
	conn.mu.Lock()
	if !conn.running {
		conn.mu.Unlock()
		return
	}
	conn.running = false
	rw := conn.rw
	conn.mu.Unlock()
	rw.Close()
	conn.connect.removeConn(conn.connId)
}

func (conn *clientConn) recv(rw net.Conn) {
	defer logx.Recover(conn.connect.client.opts.logger, "client.recv")
	defer func() {
		conn.mu.Lock()
		if conn.rw == rw {
			conn.running = false
		}
		conn.mu.Unlock()
		rw.Close()
	}()

	readSize := conn.connect.client.opts.readSize
	var (
		buf     = make([]byte, 0, readSize)
		readBuf = make([]byte, readSize)
	)
	for {
		n, err := rw.Read(readBuf)
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
			return
		}
	}
}

func (conn *clientConn) invoke(body []byte) {
	resp, err := conn.connect.client.protocol.UnPacketResponse(body)
	if err != nil {
		return
	}
	conn.connect.client.dispatch(resp)
}

func (conn *clientConn) send(pkg []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.reconnectLocked(); err != nil {
		return err
	}
	_, err := conn.rw.Write(pkg)
	return err
}
