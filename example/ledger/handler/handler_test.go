package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wrpc "github.com/wukong-cloud/wrpc-async"
	"github.com/wukong-cloud/wrpc-async/example/ledger/ledgerpb"
	"github.com/wukong-cloud/wrpc-async/util/logx"
	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

func newLedger(t *testing.T) *ledgerpb.LedgerClient {
	t.Helper()
	tr := wrpc.NewInProcTransport()
	server, err := ledgerpb.NewLedgerServer(NewLedgerImpl(logx.Discard()),
		wrpc.WithServerOptionLogger(logx.Discard()),
		wrpc.WithServerOptionTransport(tr),
	)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return ledgerpb.NewLedgerClient(tr.Invoker("127.0.0.1:50000"))
}

func TestLedger(t *testing.T) {
	ledger := newLedger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := ledger.ServerInfo(ctx, &ledgerpb.ServerInfoReq{})
	require.NoError(t, err)
	assert.Equal(t, "full", info.ServerState)

	fee, err := ledger.Fee(ctx, &ledgerpb.FeeReq{})
	require.NoError(t, err)
	assert.EqualValues(t, 10, fee.BaseFee)

	acc, err := ledger.AccountInfo(ctx, &ledgerpb.AccountInfoReq{Account: "rAlice"})
	require.NoError(t, err)
	assert.EqualValues(t, 25_000_000, acc.Balance)
	assert.EqualValues(t, 7, acc.Sequence)

	_, err = ledger.Ping(ctx, &ledgerpb.PingReq{})
	require.NoError(t, err)
}

func TestLedger_accountErrors(t *testing.T) {
	ledger := newLedger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ledger.AccountInfo(ctx, &ledgerpb.AccountInfoReq{Account: "rNobody"})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = ledger.AccountInfo(ctx, &ledgerpb.AccountInfoReq{})
	assert.Equal(t, uerror.CodeBadRequest, uerror.ParseError(err).Code)
}
