package wrpc_async

import (
	"context"
	"errors"
	"sync"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

var ErrTransportNotServing = errors.New("rpc: transport is not serving")

// InProcTransport delivers calls made in the same process, without any
// encoding of the envelope. It is what tests and embedders use.
type InProcTransport struct {
	mu    sync.RWMutex
	inbox Inbox
}

func NewInProcTransport() *InProcTransport {
	return &InProcTransport{}
}

func (t *InProcTransport) Name() string {
	return "inproc"
}

func (t *InProcTransport) Serve(inbox Inbox) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = inbox
	return nil
}

func (t *InProcTransport) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = nil
	return nil
}

// Invoke sends payload to method and waits for the response or for ctx.
// Refusals by the server come back as a coded response, never as an error;
// the error is only set when the response did not arrive.
func (t *InProcTransport) Invoke(ctx context.Context, method, origin string, payload []byte, meta Meta) (*cq.Outbound, error) {
	t.mu.RLock()
	inbox := t.inbox
	t.mu.RUnlock()
	if inbox == nil {
		return nil, ErrTransportNotServing
	}

	replies := make(chan *cq.Outbound, 1)
	in := &cq.Inbound{
		ID:      meta.Get(RequestIDKey),
		Method:  method,
		Origin:  origin,
		Meta:    meta,
		Payload: payload,
		Context: ctx,
		Reply: func(ctx context.Context, out *cq.Outbound) error {
			select {
			case replies <- out:
				return nil
			default:
				return errors.New("rpc: duplicate reply")
			}
		},
	}
	if err := inbox.Deliver(in); err != nil {
		return newOutbound(in, nil, deliverError(err)), nil
	}

	select {
	case out := <-replies:
		return out, nil
	case <-ctx.Done():
		return nil, uerror.ErrRequestTimeout
	}
}

// Invoker returns a client side view of t for origin, usable with Call.
func (t *InProcTransport) Invoker(origin string) Invoker {
	return &inprocInvoker{t: t, origin: origin}
}

type inprocInvoker struct {
	t      *InProcTransport
	origin string
}

func (inv *inprocInvoker) Invoke(ctx context.Context, method string, in []byte) ([]byte, error) {
	meta, _ := FromOutgoingContext(ctx)
	out, err := inv.t.Invoke(ctx, method, inv.origin, in, meta.Clone())
	if err != nil {
		return nil, err
	}
	if out.Code != uerror.CodeOK {
		return nil, uerror.NewError(out.Code, out.Status)
	}
	return out.Payload, nil
}

func (inv *inprocInvoker) EncodeType() string {
	return EncoderJSON
}
