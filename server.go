package wrpc_async

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/internal/register"
	"github.com/wukong-cloud/wrpc-async/util/logx"
)

const (
	defaultBacklog           = 1024
	defaultMaxInvoke         = 10000
	defaultWriteTimeout      = 10 * time.Second
	defaultKeepAliveInterval = 10 * time.Second
	registerTimeout          = 5 * time.Second
)

var (
	ErrServerIsRunning = errors.New("rpc: server is running")
	ErrServerIsClosed  = errors.New("rpc: server is closed")
	ErrNoMethods       = errors.New("rpc: service declares no methods")
	ErrNoServiceName   = errors.New("rpc: service has no name")
)

// ServiceDesc names a service and the methods it listens for. Every method
// needs a handler, and every handler a method, before Start succeeds.
type ServiceDesc struct {
	Name    string
	Methods []string
}

type ServerOptions struct {
	// IP and Port are published to the register.
	IP   string
	Port string

	Workers int
	// Backlog bounds requests per method waiting for a listener.
	Backlog int
	// MaxInvoke caps the calls being processed at once; calls above it are
	// refused like an admission rejection. Zero disables the cap.
	MaxInvoke    int32
	WriteTimeout time.Duration
	Admission    Admission

	Logger     *logx.Logger
	Registerer prometheus.Registerer

	Register          register.Register
	KeepAliveInterval time.Duration

	Transports []Transport

	// configErr is set by options that could not be applied.
	configErr error
}

func loadServerOptions(opts ...ServerOption) *ServerOptions {
	option := &ServerOptions{
		Workers:           runtime.NumCPU(),
		Backlog:           defaultBacklog,
		MaxInvoke:         defaultMaxInvoke,
		WriteTimeout:      defaultWriteTimeout,
		KeepAliveInterval: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(option)
	}
	if option.Logger == nil {
		option.Logger = logx.Default()
	}
	if option.Register == nil {
		option.Register = register.Nop()
	}
	return option
}

type ServerOption func(opt *ServerOptions)

func WithServerOptionTarget(ip, port string) ServerOption {
	return func(opt *ServerOptions) {
		opt.IP = ip
		opt.Port = port
	}
}

func WithServerOptionWorkers(n int) ServerOption {
	return func(opt *ServerOptions) {
		opt.Workers = n
	}
}

func WithServerOptionBacklog(n int) ServerOption {
	return func(opt *ServerOptions) {
		opt.Backlog = n
	}
}

func WithServerOptionMaxInvoke(n int32) ServerOption {
	return func(opt *ServerOptions) {
		opt.MaxInvoke = n
	}
}

func WithServerOptionWriteTimeout(d time.Duration) ServerOption {
	return func(opt *ServerOptions) {
		opt.WriteTimeout = d
	}
}

func WithServerOptionAdmission(a Admission) ServerOption {
	return func(opt *ServerOptions) {
		opt.Admission = a
	}
}

func WithServerOptionLogger(l *logx.Logger) ServerOption {
	return func(opt *ServerOptions) {
		opt.Logger = l
	}
}

func WithServerOptionRegisterer(reg prometheus.Registerer) ServerOption {
	return func(opt *ServerOptions) {
		opt.Registerer = reg
	}
}

func WithServerOptionRegister(r register.Register) ServerOption {
	return func(opt *ServerOptions) {
		opt.Register = r
	}
}

func WithServerOptionTransport(t ...Transport) ServerOption {
	return func(opt *ServerOptions) {
		opt.Transports = append(opt.Transports, t...)
	}
}

type serverState int

const (
	stateIdle serverState = iota
	stateRunning
	stateStopped
)

// Server serves the methods of one service. Requests come in through its
// transports, the event loop tracks every call from listener to sent
// response, and a worker pool runs the handlers.
type Server struct {
	desc     ServiceDesc
	opts     *ServerOptions
	logger   *logx.Logger
	handlers *HandlerRegistry
	// configErrs collects Handle failures so Start reports them too.
	configErrs *multierror.Error

	queue      *cq.Queue
	dispatcher *dispatcher
	reg        *registry
	counters   *counters
	metrics    *metrics
	target     register.Target

	mu       sync.Mutex
	state    serverState
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(desc ServiceDesc, opts ...ServerOption) *Server {
	options := loadServerOptions(opts...)
	logger := options.Logger.Clone().Str("server", desc.Name).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		desc:     desc,
		opts:     options,
		logger:   logger,
		handlers: &HandlerRegistry{methods: make(map[string]MethodDesc)},
		queue: cq.New(
			cq.WithBacklog(options.Backlog),
			cq.WithWriteTimeout(options.WriteTimeout),
			cq.WithLogger(logger),
		),
		dispatcher: newDispatcher(options.Workers, logger),
		reg:        newRegistry(),
		counters:   newCounters(desc.Methods),
		metrics:    newMetrics(desc.Name, options.Registerer),
		target:     register.Target{Name: desc.Name, IP: options.IP, Port: options.Port},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (srv *Server) Name() string {
	return srv.desc.Name
}

// Handle adds method handlers. It must be called before Start.
func (srv *Server) Handle(methods ...MethodDesc) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.state != stateIdle {
		return ErrServerIsRunning
	}
	var result *multierror.Error
	for _, m := range methods {
		if err := srv.handlers.add(m); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		srv.configErrs = multierror.Append(srv.configErrs, result.Errors...)
		return err
	}
	return nil
}

// AddTransport attaches a transport. It must be called before Start.
func (srv *Server) AddTransport(t Transport) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.state != stateIdle {
		return ErrServerIsRunning
	}
	srv.opts.Transports = append(srv.opts.Transports, t)
	return nil
}

func (srv *Server) validate() error {
	var result *multierror.Error
	if srv.configErrs != nil {
		result = multierror.Append(result, srv.configErrs.Errors...)
	}
	if srv.opts.configErr != nil {
		result = multierror.Append(result, srv.opts.configErr)
	}
	if srv.desc.Name == "" {
		result = multierror.Append(result, ErrNoServiceName)
	}
	if len(srv.desc.Methods) == 0 {
		result = multierror.Append(result, ErrNoMethods)
	}
	if srv.opts.Workers <= 0 {
		result = multierror.Append(result, fmt.Errorf("rpc: invalid worker count %d", srv.opts.Workers))
	}
	if srv.opts.Backlog <= 0 {
		result = multierror.Append(result, fmt.Errorf("rpc: invalid backlog %d", srv.opts.Backlog))
	}
	listeners := make(map[string]struct{}, len(srv.desc.Methods))
	for _, name := range srv.desc.Methods {
		if _, ok := listeners[name]; ok {
			result = multierror.Append(result, fmt.Errorf("%w: %s", cq.ErrDuplicateMethod, name))
			continue
		}
		listeners[name] = struct{}{}
		if _, ok := srv.handlers.Lookup(name); !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrMissingHandler, name))
		}
	}
	for _, name := range srv.handlers.Names() {
		if _, ok := listeners[name]; !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrNoListener, name))
		}
	}
	return result.ErrorOrNil()
}

// Start validates the service, arms one listener per method, starts the
// event loop and the workers, and then the transports. No request is
// served if it returns an error.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	switch srv.state {
	case stateRunning:
		return ErrServerIsRunning
	case stateStopped:
		return ErrServerIsClosed
	}
	if err := srv.validate(); err != nil {
		return err
	}
	for _, name := range srv.desc.Methods {
		if err := srv.queue.Register(name); err != nil {
			return fmt.Errorf("%w: %s", err, name)
		}
	}

	srv.dispatcher.start()
	for _, name := range srv.desc.Methods {
		m, _ := srv.handlers.Lookup(name)
		srv.listen(m)
	}
	srv.loopDone = make(chan struct{})
	go srv.loop()

	var result *multierror.Error
	started := make([]Transport, 0, len(srv.opts.Transports))
	for _, t := range srv.opts.Transports {
		if err := t.Serve(srv.queue); err != nil {
			result = multierror.Append(result, fmt.Errorf("rpc: transport %s: %w", t.Name(), err))
			break
		}
		started = append(started, t)
		srv.logger.Info().Str("transport", t.Name()).Log("transport serving")
	}
	if err := result.ErrorOrNil(); err != nil {
		srv.state = stateStopped
		srv.shutdown(context.Background(), started)
		return err
	}

	srv.state = stateRunning
	srv.publish()
	srv.logger.Info().
		Int("methods", len(srv.desc.Methods)).
		Int("workers", srv.opts.Workers).
		Log("start rpc server")
	return nil
}

// Stop shuts the completion queue, waits for the event loop to drain it,
// lets the workers finish, then stops the transports and unregisters the
// server. Calls still queued for a worker are dropped without a response.
func (srv *Server) Stop(ctx context.Context) error {
	srv.mu.Lock()
	if srv.state != stateRunning {
		srv.state = stateStopped
		srv.mu.Unlock()
		return nil
	}
	srv.state = stateStopped
	transports := append([]Transport(nil), srv.opts.Transports...)
	srv.mu.Unlock()

	err := srv.shutdown(ctx, transports)
	srv.logger.Info().Log("stop rpc server")
	return err
}

func (srv *Server) shutdown(ctx context.Context, transports []Transport) error {
	var result *multierror.Error

	srv.queue.Shutdown()
	select {
	case <-srv.loopDone:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("rpc: drain event loop: %w", ctx.Err()))
	}
	if err := srv.dispatcher.stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("rpc: stop workers: %w", err))
	}
	if err := waitContext(ctx, srv.queue.Wait); err != nil {
		result = multierror.Append(result, fmt.Errorf("rpc: flush responses: %w", err))
	}
	for _, t := range transports {
		if err := t.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("rpc: stop transport %s: %w", t.Name(), err))
		}
	}

	srv.cancel()
	srv.wg.Wait()
	if err := srv.unpublish(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (srv *Server) publish() {
	if srv.target.IP == "" && srv.target.Port == "" {
		return
	}
	ctx, cancel := context.WithTimeout(srv.ctx, registerTimeout)
	err := srv.opts.Register.Register(ctx, srv.target)
	cancel()
	if err != nil {
		srv.logger.Warning().Str("target", srv.target.String()).Err(err).Log("register failed")
	}
	srv.wg.Add(1)
	go srv.keepAlive()
}

func (srv *Server) keepAlive() {
	defer srv.wg.Done()
	defer logx.Recover(srv.logger, "server.keepAlive")

	interval := srv.opts.KeepAliveInterval
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-srv.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(srv.ctx, registerTimeout)
			err := srv.opts.Register.KeepAlive(ctx, srv.target)
			cancel()
			if err != nil {
				srv.logger.Warning().Str("target", srv.target.String()).Err(err).Log("keepalive failed")
			}
		}
	}
}

func (srv *Server) unpublish(ctx context.Context) error {
	var result *multierror.Error
	if srv.target.IP != "" || srv.target.Port != "" {
		if err := srv.opts.Register.UnRegister(ctx, srv.target); err != nil {
			result = multierror.Append(result, fmt.Errorf("rpc: unregister %s: %w", srv.target.String(), err))
		}
	}
	if err := srv.opts.Register.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the call handle counters.
func (srv *Server) Stats() Stats {
	s := srv.counters.snapshot()
	s.Workers = srv.dispatcher.workers
	s.Busy = srv.dispatcher.running()
	s.Pending = srv.dispatcher.pending()
	return s
}

func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
