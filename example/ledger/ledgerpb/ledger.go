// Package ledgerpb describes the Ledger service: its messages, a server
// constructor that binds an implementation, and a typed client.
package ledgerpb

import (
	"context"

	wrpc "github.com/wukong-cloud/wrpc-async"
)

const ServiceName = "Ledger"

const (
	MethodServerInfo  = "server_info"
	MethodFee         = "fee"
	MethodAccountInfo = "account_info"
	MethodPing        = "ping"
)

type ServerInfoReq struct{}

type ServerInfoResp struct {
	BuildVersion    string `json:"build_version"`
	CompleteLedgers string `json:"complete_ledgers"`
	ServerState     string `json:"server_state"`
	Uptime          int64  `json:"uptime"`
}

type FeeReq struct{}

type FeeResp struct {
	BaseFee          uint64 `json:"base_fee"`
	MedianFee        uint64 `json:"median_fee"`
	OpenLedgerFee    uint64 `json:"open_ledger_fee"`
	CurrentQueueSize int    `json:"current_queue_size"`
}

type AccountInfoReq struct {
	Account string `json:"account"`
}

type AccountInfoResp struct {
	Account  string `json:"account"`
	Balance  uint64 `json:"balance"`
	Sequence uint32 `json:"sequence"`
}

type PingReq struct{}

type PingResp struct{}

type LedgerServer interface {
	ServerInfo(ctx context.Context, req *ServerInfoReq) (*ServerInfoResp, error)
	Fee(ctx context.Context, req *FeeReq) (*FeeResp, error)
	AccountInfo(ctx context.Context, req *AccountInfoReq) (*AccountInfoResp, error)
	Ping(ctx context.Context, req *PingReq) (*PingResp, error)
}

func Desc() wrpc.ServiceDesc {
	return wrpc.ServiceDesc{
		Name:    ServiceName,
		Methods: []string{MethodServerInfo, MethodFee, MethodAccountInfo, MethodPing},
	}
}

func Methods(impl LedgerServer) []wrpc.MethodDesc {
	return []wrpc.MethodDesc{
		wrpc.NewMethod(MethodServerInfo, impl.ServerInfo),
		wrpc.NewMethod(MethodFee, impl.Fee),
		wrpc.NewMethod(MethodAccountInfo, impl.AccountInfo),
		wrpc.NewMethod(MethodPing, impl.Ping),
	}
}

// NewLedgerServer returns a server with every Ledger method bound to impl.
func NewLedgerServer(impl LedgerServer, opts ...wrpc.ServerOption) (*wrpc.Server, error) {
	server := wrpc.NewServer(Desc(), opts...)
	if err := server.Handle(Methods(impl)...); err != nil {
		return nil, err
	}
	return server, nil
}

type LedgerClient struct {
	inv wrpc.Invoker
}

func NewLedgerClient(inv wrpc.Invoker) *LedgerClient {
	return &LedgerClient{inv: inv}
}

func (c *LedgerClient) ServerInfo(ctx context.Context, req *ServerInfoReq) (*ServerInfoResp, error) {
	return wrpc.Call[ServerInfoReq, ServerInfoResp](ctx, c.inv, MethodServerInfo, req)
}

func (c *LedgerClient) Fee(ctx context.Context, req *FeeReq) (*FeeResp, error) {
	return wrpc.Call[FeeReq, FeeResp](ctx, c.inv, MethodFee, req)
}

func (c *LedgerClient) AccountInfo(ctx context.Context, req *AccountInfoReq) (*AccountInfoResp, error) {
	return wrpc.Call[AccountInfoReq, AccountInfoResp](ctx, c.inv, MethodAccountInfo, req)
}

func (c *LedgerClient) Ping(ctx context.Context, req *PingReq) (*PingResp, error) {
	return wrpc.Call[PingReq, PingResp](ctx, c.inv, MethodPing, req)
}
