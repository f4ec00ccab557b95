package wrpc_async

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

// loop is the only goroutine touching the registry and call states. It
// never runs a handler and only blocks in Next, or briefly on a call whose
// handler is running when shutdown aborts it.
func (srv *Server) loop() {
	defer close(srv.loopDone)
	for {
		ev, err := srv.queue.Next(context.Background())
		if err != nil {
			srv.sweep()
			return
		}
		c, ok := ev.Tag.(*call)
		if !ok {
			srv.logger.Err().Str("tag", typeName(ev.Tag)).Log("unexpected completion tag")
			continue
		}
		srv.handle(c, ev)
	}
}

func (srv *Server) handle(c *call, ev cq.Event) {
	if !ev.OK {
		srv.abortCall(c)
		return
	}
	switch c.state {
	case stateListening:
		srv.accept(c, ev.Inbound)
	case stateProcessing:
		c.transition(stateFinished)
		srv.finish(c, ev.Err)
	default:
		panic("rpc: completion for " + c.state.String() + " call " + c.key.String())
	}
}

// listen arms a fresh listener for m.
func (srv *Server) listen(m MethodDesc) {
	c := newCall(m, srv.releaseCall)
	srv.counters.live.Add(1)
	srv.metrics.live.Inc()
	if err := srv.queue.Listen(m.Name(), c); err != nil {
		srv.logger.Err().Str("method", m.Name()).Err(err).Log("listen failed")
		c.release()
		return
	}
	srv.reg.insert(c)
	srv.counters.listening[m.Name()].Add(1)
	srv.metrics.listening.WithLabelValues(m.Name()).Inc()
}

func (srv *Server) accept(c *call, in *cq.Inbound) {
	name := c.method.Name()
	c.transition(stateProcessing)
	c.in = in
	c.startAt = time.Now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	srv.counters.listening[name].Add(-1)
	srv.metrics.listening.WithLabelValues(name).Dec()
	srv.counters.processing.Add(1)
	srv.metrics.processing.Inc()

	srv.listen(c.method)

	if !srv.admit(c) {
		srv.counters.rejected.Add(1)
		srv.metrics.rejected.WithLabelValues(name).Inc()
		srv.respond(c, newOutbound(in, nil, uerror.ErrResourceExhausted))
		return
	}
	c.admitted = true
	c.retain()
	j := &job{ctx: srv.ctx, c: c, queue: srv.queue, logger: srv.logger}
	if err := srv.dispatcher.post(j); err != nil {
		c.release()
		srv.respond(c, newOutbound(in, nil, uerror.ErrUnavailable))
	}
}

func (srv *Server) admit(c *call) (ok bool) {
	if limit := srv.opts.MaxInvoke; limit > 0 && srv.counters.processing.Load() > int64(limit) {
		return false
	}
	if srv.opts.Admission == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			logx.RecoverValue(srv.logger, "admission", r)
			ok = false
		}
	}()
	return srv.opts.Admission.Admit(c.in.Origin, c.method.Name())
}

// respond sends out from the loop itself, for calls that never reach a
// worker.
func (srv *Server) respond(c *call, out *cq.Outbound) {
	c.mu.Lock()
	c.code = out.Code
	err := srv.queue.Send(c, c.in, out)
	if err == nil {
		c.populated = true
	}
	c.mu.Unlock()
	if err != nil {
		c.transition(stateFinished)
		srv.finish(c, err)
	}
}

func (srv *Server) finish(c *call, sendErr error) {
	name := c.method.Name()
	srv.counters.processing.Add(-1)
	srv.metrics.processing.Dec()
	srv.counters.finished.Add(1)

	spend := time.Since(c.startAt)
	srv.metrics.observe(name, c.code, spend)
	if sendErr != nil {
		srv.logger.Warning().
			Str("method", name).
			Str("id", c.in.ID).
			Str("origin", c.in.Origin).
			Err(sendErr).
			Log("send failed")
	} else {
		srv.logger.Debug().
			Str("method", name).
			Str("id", c.in.ID).
			Str("origin", c.in.Origin).
			Int("code", int(c.code)).
			Bool("admitted", c.admitted).
			Dur("spend", spend).
			Log("call finished")
	}
	srv.remove(c)
}

// abortCall tears down a call the queue gave back after shutdown. A job
// still waiting for a worker sees the flag and returns without answering.
func (srv *Server) abortCall(c *call) {
	name := c.method.Name()
	populated := c.abort()
	switch c.state {
	case stateListening:
		srv.counters.listening[name].Add(-1)
		srv.metrics.listening.WithLabelValues(name).Dec()
	case stateProcessing:
		srv.counters.processing.Add(-1)
		srv.metrics.processing.Dec()
	}
	srv.counters.aborted.Add(1)
	srv.metrics.aborted.Inc()
	srv.logger.Debug().
		Str("method", name).
		Str("state", c.state.String()).
		Bool("populated", populated).
		Log("abort")
	srv.remove(c)
}

// sweep runs once the queue is drained. What is left in the registry are
// calls whose job never got as far as sending. Every call that is not
// locked by a running handler is flagged first, so the loop never waits on
// one handler while a worker picks up the next queued job.
func (srv *Server) sweep() {
	calls := srv.reg.snapshot()
	for _, c := range calls {
		if c.mu.TryLock() {
			c.aborted = true
			c.mu.Unlock()
		}
	}
	for _, c := range calls {
		srv.abortCall(c)
	}
}

func (srv *Server) remove(c *call) {
	if _, err := srv.reg.remove(c.key); err != nil {
		srv.counters.staleRemovals.Add(1)
		srv.logger.Err().Str("method", c.method.Name()).Err(err).Log("registry remove")
		return
	}
	c.release()
}

func (srv *Server) releaseCall(*call) {
	srv.counters.live.Add(-1)
	srv.metrics.live.Dec()
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
