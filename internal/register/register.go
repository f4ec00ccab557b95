// Package register publishes running servers so clients can discover them.
package register

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Target struct {
	IP   string
	Port string
	Name string
}

// String is the key a target is published under. Discovery lists every key
// below Prefix(name).
func (t *Target) String() string {
	if t == nil {
		return ""
	}
	return Prefix(t.Name) + t.IP + ":" + t.Port
}

func (t *Target) Host() string {
	return t.IP + ":" + t.Port
}

// Prefix returns the key prefix shared by every instance of service name.
func Prefix(name string) string {
	return name + "/"
}

type RegisterConfig struct {
	Name  string `yaml:"name" env:"NAME"`
	Hosts string `yaml:"hosts" env:"HOSTS"`
	// TTL of the lease in seconds.
	TTL         int64         `yaml:"ttl" env:"TTL"`
	DialTimeout time.Duration `yaml:"dial-timeout" env:"DIAL_TIMEOUT"`
}

type Register interface {
	Register(ctx context.Context, target Target) error
	UnRegister(ctx context.Context, target Target) error
	KeepAlive(ctx context.Context, target Target) error
	Close() error
}

type nopRegister struct{}

func (*nopRegister) Register(context.Context, Target) error   { return nil }
func (*nopRegister) UnRegister(context.Context, Target) error { return nil }
func (*nopRegister) KeepAlive(context.Context, Target) error  { return nil }
func (*nopRegister) Close() error                             { return nil }

// Nop returns a Register that does nothing.
func Nop() Register {
	return &nopRegister{}
}

// NewRegister builds the register named in conf. A nil conf or an empty
// name means the server is not published.
func NewRegister(conf *RegisterConfig) (Register, error) {
	if conf == nil || conf.Name == "" {
		return Nop(), nil
	}
	switch conf.Name {
	case "etcd":
		reg, err := NewEtcdRegister(conf)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("register: unknown register %q", conf.Name)
	}
}

var ErrNoHosts = errors.New("register: no hosts configured")
