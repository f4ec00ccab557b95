package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	wrpc "github.com/wukong-cloud/wrpc-async"
	"github.com/wukong-cloud/wrpc-async/example/ledger/ledgerpb"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

var ErrAccountNotFound = uerror.NewError(uerror.CodeNotFound, "account not found")

type account struct {
	balance  uint64
	sequence uint32
}

// LedgerImpl serves a fixed in-memory set of accounts.
type LedgerImpl struct {
	startAt time.Time
	logger  *logx.Logger

	mu       sync.RWMutex
	accounts map[string]*account
}

func NewLedgerImpl(logger *logx.Logger) *LedgerImpl {
	if logger == nil {
		logger = logx.Default()
	}
	return &LedgerImpl{
		startAt: time.Now(),
		logger:  logger,
		accounts: map[string]*account{
			"rGenesis": {balance: 100_000_000_000, sequence: 1},
			"rAlice":   {balance: 25_000_000, sequence: 7},
			"rBob":     {balance: 12_500_000, sequence: 3},
		},
	}
}

func (l *LedgerImpl) ServerInfo(ctx context.Context, req *ledgerpb.ServerInfoReq) (*ledgerpb.ServerInfoResp, error) {
	return &ledgerpb.ServerInfoResp{
		BuildVersion:    "1.0.0",
		CompleteLedgers: "1-1000",
		ServerState:     "full",
		Uptime:          int64(time.Since(l.startAt) / time.Second),
	}, nil
}

func (l *LedgerImpl) Fee(ctx context.Context, req *ledgerpb.FeeReq) (*ledgerpb.FeeResp, error) {
	return &ledgerpb.FeeResp{BaseFee: 10, MedianFee: 5000, OpenLedgerFee: 10}, nil
}

func (l *LedgerImpl) AccountInfo(ctx context.Context, req *ledgerpb.AccountInfoReq) (*ledgerpb.AccountInfoResp, error) {
	name := strings.TrimSpace(req.Account)
	if name == "" {
		return nil, uerror.NewError(uerror.CodeBadRequest, "account is required")
	}
	if info, ok := wrpc.FromIncomingContext(ctx); ok {
		l.logger.Debug().Str("id", info.ID).Str("origin", info.Origin).Str("account", name).Log("account_info")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[name]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &ledgerpb.AccountInfoResp{Account: name, Balance: acc.balance, Sequence: acc.sequence}, nil
}

func (l *LedgerImpl) Ping(ctx context.Context, req *ledgerpb.PingReq) (*ledgerpb.PingResp, error) {
	return &ledgerpb.PingResp{}, nil
}
