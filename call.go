package wrpc_async

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wukong-cloud/wrpc-async/cq"
)

type callState int32

const (
	stateListening callState = iota
	stateProcessing
	stateFinished
)

func (s callState) String() string {
	switch s {
	case stateListening:
		return "listening"
	case stateProcessing:
		return "processing"
	case stateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// call tracks one rpc from the moment a listener is armed until the
// response went out. The pointer itself is the completion queue tag.
//
// state, key and the timestamps belong to the event loop. aborted and
// populated are shared with the job and guarded by mu. refs counts the
// registry reference plus the one held by a posted job; release runs once
// both are gone.
type call struct {
	method MethodDesc
	key    handleKey
	state  callState

	in       *cq.Inbound
	startAt  time.Time
	admitted bool

	mu        sync.Mutex
	aborted   bool
	populated bool
	code      int32

	refs      atomic.Int32
	onRelease func(c *call)
}

func newCall(method MethodDesc, onRelease func(c *call)) *call {
	c := &call{
		method:    method,
		state:     stateListening,
		onRelease: onRelease,
	}
	c.refs.Store(1)
	return c
}

func (c *call) retain() {
	c.refs.Add(1)
}

func (c *call) release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("rpc: call released more than retained")
	}
	if n == 0 && c.onRelease != nil {
		c.onRelease(c)
	}
}

// abort flags the call so a job that has not entered its critical section
// yet returns without responding. It waits for a job that already holds
// the lock. The returned value reports whether a response was populated
// before the abort landed.
func (c *call) abort() (populated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return c.populated
}

func (c *call) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// transition moves the call forward and panics on any other move; the loop
// is the only caller and a backwards step means the state machine is broken.
func (c *call) transition(to callState) {
	if to != c.state+1 {
		panic("rpc: illegal call transition " + c.state.String() + " -> " + to.String())
	}
	c.state = to
}
