package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetComponents(t *testing.T) {
	t.Helper()
	prev := components
	components = newComponentRegistry()
	t.Cleanup(func() { components = prev })
}

func TestUpdateComponent(t *testing.T) {
	resetComponents(t)

	UpdateComponent("store", true, "sqlite3")
	UpdateComponent("store", false, "database locked")

	c, ok := Component("store")
	require.True(t, ok)
	assert.False(t, c.Healthy)
	assert.Equal(t, "database locked", c.Message)

	UpdateComponent("gateway", true, "connected")
	all := Components()
	require.Len(t, all, 2)
	assert.Equal(t, "gateway", all[0].Name)
	assert.Equal(t, "store", all[1].Name)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name      string
		report    map[string]bool
		wantReady bool
		wantState map[string]string
	}{
		{
			name:      "all critical healthy",
			report:    map[string]bool{"store": true, "platform": true, "scheduler": true, "gateway": false},
			wantReady: true,
			wantState: map[string]string{"store": "ready", "platform": "ready", "scheduler": "ready"},
		},
		{
			name:      "critical component missing",
			report:    map[string]bool{"store": true, "scheduler": true},
			wantState: map[string]string{"store": "ready", "platform": "not registered", "scheduler": "ready"},
		},
		{
			name:      "critical component unhealthy",
			report:    map[string]bool{"store": true, "platform": false, "scheduler": true},
			wantState: map[string]string{"store": "ready", "platform": "not ready: down", "scheduler": "ready"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetComponents(t)
			for name, healthy := range tt.report {
				UpdateComponent(name, healthy, "down")
			}

			r := Readiness()
			assert.Equal(t, tt.wantReady, r.Ready)
			assert.Equal(t, tt.wantState, r.Components)
			if !tt.wantReady {
				assert.NotEmpty(t, r.Message)
			}
		})
	}
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	resetComponents(t)

	var changes []bool
	OnChange(func(name string, healthy bool) {
		if name == "platform" {
			changes = append(changes, healthy)
		}
	})

	UpdateComponent("platform", true, "connected")
	UpdateComponent("platform", true, "still connected")
	UpdateComponent("platform", false, "gateway closed")
	UpdateComponent("platform", true, "reconnected")

	assert.Equal(t, []bool{true, false, true}, changes)

	c, ok := Component("platform")
	require.True(t, ok)
	assert.Equal(t, "reconnected", c.Message)
}

func TestVersion(t *testing.T) {
	resetComponents(t)
	SetVersion("v1.2.0")
	assert.Equal(t, "v1.2.0", Version())
	assert.GreaterOrEqual(t, Uptime().Nanoseconds(), int64(0))
}
