package wrpc_async

import (
	"context"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

// job runs the handler of one call on a worker. It owns one reference to
// the call, dropped when run returns.
type job struct {
	ctx    context.Context
	c      *call
	queue  *cq.Queue
	logger *logx.Logger
}

func (j *job) run() {
	c := j.c
	defer c.release()

	c.mu.Lock()
	defer c.mu.Unlock()
	// A job still queued when shutdown begins never runs its handler.
	if c.aborted || j.queue.Closed() {
		return
	}

	out := j.invoke()
	c.code = out.Code
	if err := j.queue.Send(c, c.in, out); err != nil {
		j.logger.Warning().
			Str("method", c.method.Name()).
			Str("id", c.in.ID).
			Err(err).
			Log("response dropped")
		return
	}
	c.populated = true
}

func (j *job) invoke() (out *cq.Outbound) {
	in := j.c.in
	defer func() {
		if r := recover(); r != nil {
			logx.RecoverValue(j.logger, "handler "+j.c.method.Name(), r)
			out = newOutbound(in, nil, uerror.ErrHandlerPanic)
		}
	}()

	enc, err := j.c.method.encoder(Meta(in.Meta).Get(EncodeType))
	if err != nil {
		return newOutbound(in, nil, err)
	}
	ctx := j.ctx
	if in.Context != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(in.Context, cancel)
		defer stop()
	}
	ctx = newIncomingContext(ctx, &CallInfo{
		ID:     in.ID,
		Method: in.Method,
		Origin: in.Origin,
		Meta:   Meta(in.Meta),
	})
	body, err := j.c.method.invoke(ctx, enc, in.Payload)
	return newOutbound(in, body, err)
}
