package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscover(t *testing.T) {
	d, err := NewDiscover(nil)
	require.NoError(t, err)
	endpoints, err := d.Find(context.Background(), "ledger")
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	_, err = NewDiscover(&DiscoverConfig{Name: "zookeeper"})
	assert.Error(t, err)

	_, err = NewDiscover(&DiscoverConfig{Name: "etcd", Hosts: " ; "})
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestNop_WatchClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := Nop().Watch(ctx, "ledger")
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestStatic(t *testing.T) {
	s := Static{"127.0.0.1:1", "127.0.0.1:2"}
	endpoints, err := s.Find(context.Background(), "ledger")
	require.NoError(t, err)
	endpoints[0] = "changed"
	again, _ := s.Find(context.Background(), "ledger")
	assert.Equal(t, "127.0.0.1:1", again[0])
}
