package wrpc_async

import (
	"errors"

	"github.com/wukong-cloud/wrpc-async/cq"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

const statusOK = "ok"

// newOutbound builds the response for in. The request meta is echoed back;
// a non nil err replaces the body with its code and message.
func newOutbound(in *cq.Inbound, body []byte, err error) *cq.Outbound {
	out := &cq.Outbound{
		Code:    uerror.CodeOK,
		Status:  statusOK,
		Payload: body,
		Meta:    in.Meta,
	}
	if err != nil {
		e := uerror.ParseError(err)
		out.Code = e.Code
		out.Status = e.ErrMsg
		out.Payload = nil
	}
	return out
}

// deliverError maps a completion queue refusal to the coded error a
// transport answers with.
func deliverError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cq.ErrClosed):
		return uerror.ErrUnavailable
	case errors.Is(err, cq.ErrUnknownMethod):
		return uerror.ErrMethodNotFound
	case errors.Is(err, cq.ErrBacklogFull):
		return uerror.ErrRequestFull
	default:
		return uerror.NewError(uerror.CodeInternal, err.Error())
	}
}
