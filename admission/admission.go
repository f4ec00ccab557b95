// Package admission holds the load shedding policies a server can consult
// before it hands a request to a worker. Every policy answers immediately;
// none of them waits for capacity.
package admission

import (
	"fmt"
	"strings"
	"time"
)

// Policy decides whether a request from origin for method may run.
// Implementations must not block and must be safe for concurrent use.
type Policy interface {
	Admit(origin, method string) bool
}

type Func func(origin, method string) bool

func (f Func) Admit(origin, method string) bool {
	return f(origin, method)
}

// AllowAll admits everything.
var AllowAll Policy = Func(func(string, string) bool { return true })

// DenyAll rejects everything.
var DenyAll Policy = Func(func(string, string) bool { return false })

type chain []Policy

// Chain admits a request only when every policy does. Policies are asked in
// order and asking stops at the first refusal, so a later limiter is not
// charged for a request an earlier one already dropped.
func Chain(policies ...Policy) Policy {
	c := make(chain, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			c = append(c, p)
		}
	}
	if len(c) == 1 {
		return c[0]
	}
	return c
}

func (c chain) Admit(origin, method string) bool {
	for _, p := range c {
		if !p.Admit(origin, method) {
			return false
		}
	}
	return true
}

type perMethod struct {
	policies map[string]Policy
	fallback Policy
}

// PerMethod routes each request to the policy configured for its method;
// methods without an entry go to fallback, or are admitted when fallback is
// nil.
func PerMethod(policies map[string]Policy, fallback Policy) Policy {
	m := make(map[string]Policy, len(policies))
	for k, v := range policies {
		m[k] = v
	}
	return &perMethod{policies: m, fallback: fallback}
}

func (p *perMethod) Admit(origin, method string) bool {
	if policy, ok := p.policies[method]; ok && policy != nil {
		return policy.Admit(origin, method)
	}
	if p.fallback != nil {
		return p.fallback.Admit(origin, method)
	}
	return true
}

// Config is the yaml/env shape of a server's admission settings.
type Config struct {
	// Rate and Burst configure a per-origin token bucket; Rate <= 0
	// disables it.
	Rate    float64       `yaml:"rate" env:"RATE"`
	Burst   int           `yaml:"burst" env:"BURST"`
	IdleTTL time.Duration `yaml:"idle-ttl" env:"IDLE_TTL"`
	// Windows maps a window length such as "1s" or "1m" to the number of
	// requests an origin may make within it.
	Windows map[string]int `yaml:"windows"`
	// Trusted origins bypass every limit.
	Trusted []string `yaml:"trusted" env:"TRUSTED" envSeparator:","`
}

// Build turns cfg into a policy. A nil or empty config yields nil, meaning
// no admission control at all.
func (cfg *Config) Build() (Policy, error) {
	if cfg == nil {
		return nil, nil
	}
	var policies []Policy
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.Rate)
			if burst <= 0 {
				burst = 1
			}
		}
		policies = append(policies, NewTokenBucket(cfg.Rate, burst, cfg.IdleTTL))
	}
	if len(cfg.Windows) > 0 {
		rates := make(map[time.Duration]int, len(cfg.Windows))
		for k, n := range cfg.Windows {
			d, err := time.ParseDuration(strings.TrimSpace(k))
			if err != nil {
				return nil, fmt.Errorf("admission: window %q: %w", k, err)
			}
			rates[d] = n
		}
		w, err := NewWindow(rates)
		if err != nil {
			return nil, err
		}
		policies = append(policies, w)
	}
	if len(policies) == 0 {
		return nil, nil
	}
	policy := Chain(policies...)
	if len(cfg.Trusted) > 0 {
		policy = Bypass(policy, cfg.Trusted...)
	}
	return policy, nil
}

type bypass struct {
	next    Policy
	trusted map[string]struct{}
}

// Bypass admits the listed origins without consulting next.
func Bypass(next Policy, origins ...string) Policy {
	b := &bypass{next: next, trusted: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			b.trusted[o] = struct{}{}
		}
	}
	return b
}

func (b *bypass) Admit(origin, method string) bool {
	if _, ok := b.trusted[originHost(origin)]; ok {
		return true
	}
	return b.next.Admit(origin, method)
}
