package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/telemetry"
)

// Registry owns one breaker per named service. It is built at the
// composition root and passed to whatever needs a breaker.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings map[string]config.BreakerSettings
	logger   *zap.SugaredLogger
}

// DefaultSettings are the per-service thresholds used when nothing is configured.
func DefaultSettings() map[string]config.BreakerSettings {
	return map[string]config.BreakerSettings{
		config.ServiceLLM:      {FailureThreshold: 4, SuccessThreshold: 2, Timeout: 90 * time.Second},
		config.ServiceXAPI:     {FailureThreshold: 5, SuccessThreshold: 3, Timeout: 120 * time.Second},
		config.ServiceRSS:      {FailureThreshold: 3, SuccessThreshold: 2, Timeout: 60 * time.Second},
		config.ServiceDatabase: {FailureThreshold: 10, SuccessThreshold: 5, Timeout: 180 * time.Second},
	}
}

// NewRegistry builds a registry. settings override DefaultSettings per service.
func NewRegistry(settings map[string]config.BreakerSettings, logger *zap.SugaredLogger) *Registry {
	merged := DefaultSettings()
	for name, s := range settings {
		merged[name] = s
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: merged,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use. Unknown names
// get the package defaults.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	s := r.settings[name]
	b := New(Config{
		Name:             name,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Timeout:          s.Timeout,
		Logger:           r.logger,
		OnStateChange: func(name string, from, to State) {
			telemetry.RecordBreakerTransition(name, from.String(), to.String(), int(to))
		},
	})
	r.breakers[name] = b
	return b
}

// All returns a snapshot of every breaker created so far, sorted by name.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named breaker closed.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("circuit breaker %q", name)
	}
	b.Reset()
	return nil
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
