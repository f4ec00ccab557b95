package wrpc_async

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wukong-cloud/wrpc-async/util/logx"
)

const defaultStopTimeout = 30 * time.Second

var ErrNoServers = errors.New("rpc: app has no servers")

// Lifecycle is what an App runs. *Server implements it.
type Lifecycle interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

type AppOption interface {
	apply(app *App)
}

type AppOptionFunc func(app *App)

func (f AppOptionFunc) apply(app *App) {
	f(app)
}

func WithServer(server Lifecycle) AppOption {
	return AppOptionFunc(func(app *App) {
		app.AddServer(server)
	})
}

func WithAppStopTimeout(d time.Duration) AppOption {
	return AppOptionFunc(func(app *App) {
		app.stopTimeout = d
	})
}

// WithAppSignals replaces the signals that stop the app. No signals means
// only the Run context does.
func WithAppSignals(sig ...os.Signal) AppOption {
	return AppOptionFunc(func(app *App) {
		app.signals = sig
	})
}

func WithAppLogger(l *logx.Logger) AppOption {
	return AppOptionFunc(func(app *App) {
		app.logger = l
	})
}

// App runs a set of servers until a signal arrives or its context ends.
type App struct {
	servers     []Lifecycle
	stopTimeout time.Duration
	signals     []os.Signal
	logger      *logx.Logger
}

func NewApp(opts ...AppOption) *App {
	app := &App{
		stopTimeout: defaultStopTimeout,
		signals:     []os.Signal{os.Interrupt, syscall.SIGTERM},
		logger:      logx.Default(),
	}
	for _, opt := range opts {
		opt.apply(app)
	}
	return app
}

func (app *App) AddServer(server Lifecycle) {
	app.servers = append(app.servers, server)
}

// Run starts every server, blocks until ctx ends or a stop signal arrives,
// then stops them all concurrently. If a server fails to start, the ones
// already running are stopped and the start error is returned.
func (app *App) Run(ctx context.Context) error {
	if len(app.servers) == 0 {
		return ErrNoServers
	}
	if len(app.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, app.signals...)
		defer stop()
	}

	started := make([]Lifecycle, 0, len(app.servers))
	var result *multierror.Error
	for _, server := range app.servers {
		if err := server.Start(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rpc: start %s: %w", server.Name(), err))
			break
		}
		app.logger.Info().Str("server", server.Name()).Log("server started")
		started = append(started, server)
	}
	if result == nil {
		<-ctx.Done()
		app.logger.Info().Log("app stopping")
	}

	if err := app.stopAll(started); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (app *App) stopAll(servers []Lifecycle) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.stopTimeout)
	defer cancel()

	var g multierror.Group
	for _, server := range servers {
		server := server
		g.Go(func() error {
			defer logx.Recover(app.logger, "app.stop")
			if err := server.Stop(ctx); err != nil {
				return fmt.Errorf("rpc: stop %s: %w", server.Name(), err)
			}
			app.logger.Info().Str("server", server.Name()).Log("server stopped")
			return nil
		})
	}
	return g.Wait().ErrorOrNil()
}
