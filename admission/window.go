package admission

import (
	"fmt"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Window limits each origin over several sliding windows at once, for
// example 20 per second and 300 per minute.
type Window struct {
	limiter *catrate.Limiter
}

// NewWindow returns an error for rates catrate would panic on: non positive
// entries, or a shorter window allowing fewer events than a longer one.
func NewWindow(rates map[time.Duration]int) (w *Window, err error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("admission: no windows configured")
	}
	for d, n := range rates {
		if d <= 0 || n <= 0 {
			return nil, fmt.Errorf("admission: invalid window %s=%d", d, n)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			w, err = nil, fmt.Errorf("admission: %v", r)
		}
	}()
	return &Window{limiter: catrate.NewLimiter(rates)}, nil
}

func (w *Window) Admit(origin, _ string) bool {
	key := originHost(origin)
	if key == "" {
		return true
	}
	_, ok := w.limiter.Allow(key)
	return ok
}
