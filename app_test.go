package wrpc_async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wukong-cloud/wrpc-async/util/logx"
)

type fakeLifecycle struct {
	name     string
	startErr error
	stopErr  error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeLifecycle) Name() string { return f.name }

func (f *fakeLifecycle) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeLifecycle) Stop(context.Context) error {
	f.stopped.Store(true)
	return f.stopErr
}

func newTestApp(servers ...Lifecycle) *App {
	app := NewApp(WithAppSignals(), WithAppLogger(logx.Discard()), WithAppStopTimeout(time.Second))
	for _, s := range servers {
		app.AddServer(s)
	}
	return app
}

func TestApp_runUntilCanceled(t *testing.T) {
	a, b := &fakeLifecycle{name: "a"}, &fakeLifecycle{name: "b"}
	app := newTestApp(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return a.started.Load() && b.started.Load() }, time.Second, time.Millisecond)
	assert.False(t, a.stopped.Load())
	cancel()

	require.NoError(t, <-done)
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestApp_startFailureStopsStartedServers(t *testing.T) {
	boom := errors.New("boom")
	a := &fakeLifecycle{name: "a"}
	b := &fakeLifecycle{name: "b", startErr: boom}
	c := &fakeLifecycle{name: "c"}
	app := newTestApp(a, b, c)

	err := app.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, a.stopped.Load())
	assert.False(t, b.stopped.Load())
	assert.False(t, c.started.Load())
}

func TestApp_stopErrorsAreCollected(t *testing.T) {
	e1, e2 := errors.New("e1"), errors.New("e2")
	app := newTestApp(&fakeLifecycle{name: "a", stopErr: e1}, &fakeLifecycle{name: "b", stopErr: e2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := app.Run(ctx)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
}

func TestApp_noServers(t *testing.T) {
	assert.ErrorIs(t, newTestApp().Run(context.Background()), ErrNoServers)
}

func TestApp_runsRealServer(t *testing.T) {
	svc := newTestService()
	tr := NewInProcTransport()
	srv := NewServer(svc.desc(), WithServerOptionLogger(logx.Discard()), WithServerOptionTransport(tr))
	require.NoError(t, srv.Handle(svc.methods()...))
	app := newTestApp(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := callEcho(context.Background(), tr.Invoker(""), "echo", "x")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, srv.Stats().Live)
}
