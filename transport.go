package wrpc_async

import (
	"context"

	"github.com/wukong-cloud/wrpc-async/cq"
)

// Inbox is where transports hand over decoded requests. Deliver never
// blocks; an error means the request was refused and the transport has to
// answer it itself.
type Inbox interface {
	Deliver(in *cq.Inbound) error
}

type Transport interface {
	Name() string
	// Serve starts accepting requests for inbox and returns once the
	// transport is ready.
	Serve(inbox Inbox) error
	Stop(ctx context.Context) error
}
