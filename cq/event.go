package cq

import "context"

// Inbound is one request handed over by a transport. Reply transmits the
// response back to whoever sent the request; the queue calls it at most
// once, from its own goroutine.
//
// Context is the caller's context when the transport has one. The handler
// context is canceled along with it.
type Inbound struct {
	ID      string
	Method  string
	Origin  string
	Meta    map[string]string
	Payload []byte
	Reply   func(ctx context.Context, out *Outbound) error
	Context context.Context
}

// Outbound is a populated response.
type Outbound struct {
	Code    int32
	Status  string
	Payload []byte
	Meta    map[string]string
}

// Event is one completion. OK is false for every tag surfaced after
// Shutdown. Inbound is set when the completion is a request arrival, Err
// when a transmission failed.
type Event struct {
	Tag     any
	OK      bool
	Inbound *Inbound
	Err     error
}

// Arrival reports whether the event is a request arrival rather than a
// send completion.
func (ev Event) Arrival() bool {
	return ev.Inbound != nil
}
