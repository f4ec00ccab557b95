package register

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget(t *testing.T) {
	target := &Target{Name: "ledger", IP: "10.0.0.1", Port: "5005"}
	assert.Equal(t, "ledger/10.0.0.1:5005", target.String())
	assert.Equal(t, "10.0.0.1:5005", target.Host())
	assert.True(t, strings.HasPrefix(target.String(), Prefix("ledger")))
	assert.False(t, strings.HasPrefix(target.String(), Prefix("ledger2")))

	var nilTarget *Target
	assert.Equal(t, "", nilTarget.String())
}

func TestNewRegister(t *testing.T) {
	r, err := NewRegister(nil)
	require.NoError(t, err)
	ctx := context.Background()
	target := Target{Name: "ledger", IP: "127.0.0.1", Port: "1"}
	assert.NoError(t, r.Register(ctx, target))
	assert.NoError(t, r.KeepAlive(ctx, target))
	assert.NoError(t, r.UnRegister(ctx, target))
	assert.NoError(t, r.Close())

	_, err = NewRegister(&RegisterConfig{Name: "consul"})
	assert.Error(t, err)

	_, err = NewRegister(&RegisterConfig{Name: "etcd"})
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestSplitHosts(t *testing.T) {
	assert.Equal(t, []string{"a:2379", "b:2379"}, SplitHosts(" a:2379; ;b:2379 "))
	assert.Empty(t, SplitHosts(""))
}
