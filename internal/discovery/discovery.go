// Package discovery finds the endpoints of a named service.
package discovery

import (
	"context"
	"fmt"
	"time"
)

type Discover interface {
	// Find lists the endpoints currently registered for name.
	Find(ctx context.Context, name string) ([]string, error)
	// Watch sends the full endpoint list of name every time it changes,
	// until ctx is done.
	Watch(ctx context.Context, name string) <-chan []string
	Close() error
}

type DiscoverConfig struct {
	Name        string        `yaml:"name" env:"NAME"`
	Hosts       string        `yaml:"hosts" env:"HOSTS"`
	DialTimeout time.Duration `yaml:"dial-timeout" env:"DIAL_TIMEOUT"`
}

// NewDiscover builds the discover named in conf. A nil conf or an empty
// name yields one that never finds anything.
func NewDiscover(conf *DiscoverConfig) (Discover, error) {
	if conf == nil || conf.Name == "" {
		return Nop(), nil
	}
	switch conf.Name {
	case "etcd":
		d, err := NewEtcdDiscover(conf)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("discovery: unknown discover %q", conf.Name)
	}
}

type nopDiscover struct{}

func Nop() Discover {
	return &nopDiscover{}
}

func (*nopDiscover) Find(context.Context, string) ([]string, error) { return nil, nil }

func (*nopDiscover) Watch(ctx context.Context, _ string) <-chan []string {
	ch := make(chan []string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (*nopDiscover) Close() error { return nil }

// Static always returns the same endpoints.
type Static []string

func (s Static) Find(context.Context, string) ([]string, error) {
	return append([]string(nil), s...), nil
}

func (s Static) Watch(ctx context.Context, name string) <-chan []string {
	return Nop().Watch(ctx, name)
}

func (Static) Close() error { return nil }
