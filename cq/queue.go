// Package cq implements the completion queue sitting between transports and
// the server event loop. Transports deliver requests, the loop registers
// listeners and submits responses, and every finished operation comes back
// out of Next as an Event tagged with whatever the submitter passed in.
//
// After Shutdown every outstanding tag is still returned exactly once, with
// OK set to false, and Next reports ErrDrained once nothing is left.
package cq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

var (
	ErrClosed          = errors.New("cq: queue is shut down")
	ErrDrained         = errors.New("cq: queue is drained")
	ErrUnknownMethod   = errors.New("cq: method not registered")
	ErrDuplicateMethod = errors.New("cq: method already registered")
	ErrBacklogFull     = errors.New("cq: backlog is full")
	ErrNilReply        = errors.New("cq: inbound has no reply func")
)

const (
	defaultBacklog      = 1024
	defaultWriteTimeout = 10 * time.Second
)

type Options struct {
	// Backlog bounds the number of requests per method waiting for a
	// listener.
	Backlog      int
	WriteTimeout time.Duration
	Logger       *logx.Logger
}

type Option func(opt *Options)

func WithBacklog(n int) Option {
	return func(opt *Options) {
		opt.Backlog = n
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(opt *Options) {
		opt.WriteTimeout = d
	}
}

func WithLogger(l *logx.Logger) Option {
	return func(opt *Options) {
		opt.Logger = l
	}
}

type method struct {
	listeners []any
	backlog   []*Inbound
}

type Queue struct {
	opts *Options

	mu          sync.Mutex
	methods     map[string]*method
	events      []Event
	outstanding int
	closed      bool
	drained     bool
	notify      chan struct{}

	sending sync.WaitGroup
}

func New(opts ...Option) *Queue {
	options := &Options{
		Backlog:      defaultBacklog,
		WriteTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logx.Default()
	}
	return &Queue{
		opts:    options,
		methods: make(map[string]*method),
		notify:  make(chan struct{}, 1),
	}
}

// Register makes method known to the queue. Requests for unregistered
// methods are refused by Deliver.
func (q *Queue) Register(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.methods[name]; ok {
		return ErrDuplicateMethod
	}
	q.methods[name] = &method{}
	return nil
}

// Methods returns the registered method names.
func (q *Queue) Methods() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.methods))
	for name := range q.methods {
		names = append(names, name)
	}
	return names
}

// Listen arms tag for the next request of method. If a request is already
// waiting in the backlog the arrival event is posted right away. After
// Shutdown the tag is surfaced with OK=false.
func (q *Queue) Listen(name string, tag any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.methods[name]
	if !ok {
		return ErrUnknownMethod
	}
	if q.drained {
		return ErrDrained
	}
	q.outstanding++
	if q.closed {
		q.postLocked(Event{Tag: tag})
		return nil
	}
	if len(m.backlog) > 0 {
		in := m.backlog[0]
		m.backlog[0] = nil
		m.backlog = m.backlog[1:]
		q.postLocked(Event{Tag: tag, OK: true, Inbound: in})
		return nil
	}
	m.listeners = append(m.listeners, tag)
	return nil
}

// Deliver hands a request from a transport to the oldest listener of its
// method. It never blocks.
func (q *Queue) Deliver(in *Inbound) error {
	if in == nil || in.Reply == nil {
		return ErrNilReply
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	m, ok := q.methods[in.Method]
	if !ok {
		return ErrUnknownMethod
	}
	if len(m.listeners) == 0 {
		if len(m.backlog) >= q.opts.Backlog {
			return ErrBacklogFull
		}
		m.backlog = append(m.backlog, in)
		return nil
	}
	tag := m.listeners[0]
	m.listeners[0] = nil
	m.listeners = m.listeners[1:]
	q.postLocked(Event{Tag: tag, OK: true, Inbound: in})
	return nil
}

// Send transmits out through in.Reply on a separate goroutine and posts the
// completion for tag once the write returns. After Shutdown nothing is
// transmitted and the tag comes back with OK=false.
func (q *Queue) Send(tag any, in *Inbound, out *Outbound) error {
	if in == nil || in.Reply == nil {
		return ErrNilReply
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drained {
		return ErrDrained
	}
	q.outstanding++
	if q.closed {
		q.postLocked(Event{Tag: tag})
		return nil
	}
	q.sending.Add(1)
	go q.transmit(tag, in, out)
	return nil
}

func (q *Queue) transmit(tag any, in *Inbound, out *Outbound) {
	defer q.sending.Done()

	ctx, cancel := q.writeContext()
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logx.RecoverValue(q.opts.Logger, "cq.transmit", r)
				err = uerror.ErrHandlerPanic
			}
		}()
		return in.Reply(ctx, out)
	}()

	q.mu.Lock()
	q.postLocked(Event{Tag: tag, OK: !q.closed, Err: err})
	q.mu.Unlock()
}

// Next blocks until an event is available. Once the queue is shut down and
// every outstanding tag has been returned it reports ErrDrained; from then
// on Listen and Send are refused.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = Event{}
			q.events = q.events[1:]
			q.outstanding--
			if len(q.events) > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed && q.outstanding == 0 {
			q.drained = true
			q.signalLocked()
			q.mu.Unlock()
			return Event{}, ErrDrained
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Shutdown refuses further deliveries and surfaces every armed listener with
// OK=false. Requests still waiting in a backlog are answered with
// uerror.ErrUnavailable. Safe to call more than once.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var orphans []*Inbound
	for _, m := range q.methods {
		for _, tag := range m.listeners {
			q.postLocked(Event{Tag: tag})
		}
		m.listeners = nil
		orphans = append(orphans, m.backlog...)
		m.backlog = nil
	}
	q.signalLocked()
	q.mu.Unlock()

	for _, in := range orphans {
		q.sending.Add(1)
		go q.refuse(in)
	}
}

func (q *Queue) refuse(in *Inbound) {
	defer q.sending.Done()
	defer logx.Recover(q.opts.Logger, "cq.refuse")
	e := uerror.ParseError(uerror.ErrUnavailable)
	ctx, cancel := q.writeContext()
	defer cancel()
	_ = in.Reply(ctx, &Outbound{Code: e.Code, Status: e.ErrMsg, Meta: in.Meta})
}

func (q *Queue) writeContext() (context.Context, context.CancelFunc) {
	if q.opts.WriteTimeout > 0 {
		return context.WithTimeout(context.Background(), q.opts.WriteTimeout)
	}
	return context.WithCancel(context.Background())
}

// Wait blocks until every transmission started by Send or Shutdown returned.
func (q *Queue) Wait() {
	q.sending.Wait()
}

// Closed reports whether Shutdown was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Outstanding is the number of tags the queue still owes to Next.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

func (q *Queue) postLocked(ev Event) {
	q.events = append(q.events, ev)
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
