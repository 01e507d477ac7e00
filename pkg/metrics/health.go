package metrics

import (
	"sort"
	"sync"
	"time"
)

// CriticalComponents must all be reported and healthy for readiness
var CriticalComponents = []string{"store", "platform", "scheduler"}

// ComponentHealth is the last report from one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// ChangeFunc is notified when a component's health flips
type ChangeFunc func(name string, healthy bool)

// ReadinessReport summarizes the critical components. Components maps each
// critical component to "ready", "not ready: <message>" or "not registered".
type ReadinessReport struct {
	Ready      bool
	Components map[string]string
	Message    string
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	watchers   []ChangeFunc
	started    time.Time
	version    string
}

var components = newComponentRegistry()

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
	}
}

// SetVersion records the build version reported by /health
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// Version returns the recorded build version
func Version() string {
	components.mu.RLock()
	defer components.mu.RUnlock()
	return components.version
}

// Uptime is the time since the process registered its first metric
func Uptime() time.Duration {
	return time.Since(components.started)
}

// UpdateComponent records a component's health. Watchers run on the first
// report and on every transition, outside the registry lock.
func UpdateComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	prev, existed := components.components[name]
	components.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	watchers := append([]ChangeFunc(nil), components.watchers...)
	components.mu.Unlock()

	if existed && prev.Healthy == healthy {
		return
	}
	for _, fn := range watchers {
		fn(name, healthy)
	}
}

// OnChange registers a callback for component health transitions
func OnChange(fn ChangeFunc) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.watchers = append(components.watchers, fn)
}

// Component returns the last report of one component
func Component(name string) (ComponentHealth, bool) {
	components.mu.RLock()
	defer components.mu.RUnlock()
	c, ok := components.components[name]
	return c, ok
}

// Components returns every reported component sorted by name
func Components() []ComponentHealth {
	components.mu.RLock()
	defer components.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(components.components))
	for _, c := range components.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Readiness checks the critical components
func Readiness() ReadinessReport {
	components.mu.RLock()
	defer components.mu.RUnlock()

	report := ReadinessReport{Ready: true, Components: make(map[string]string, len(CriticalComponents))}
	for _, name := range CriticalComponents {
		c, ok := components.components[name]
		switch {
		case !ok:
			report.Ready = false
			report.Message = "waiting for " + name + " initialization"
			report.Components[name] = "not registered"
		case !c.Healthy:
			report.Ready = false
			report.Message = "waiting for " + name
			report.Components[name] = "not ready: " + c.Message
		default:
			report.Components[name] = "ready"
		}
	}
	return report
}
