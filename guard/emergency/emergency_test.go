package emergency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/guard/config"
	"bastion/guard/events"
)

type fakeAttacks struct{ n int }

func (f *fakeAttacks) RecentCount(time.Duration) int { return f.n }

type fakeBlocks struct{ n int }

func (f *fakeBlocks) BlockedCount() int { return f.n }

func testEmergencyConfig() config.Emergency {
	cfg := config.Default().Emergency
	cfg.AttacksPerMinute = 10
	cfg.BlockedThreshold = 100
	return cfg
}

func countByType(bus *events.Bus, typ events.Type) int {
	n := 0
	for _, ev := range bus.History() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestActivationIsEdgeTriggered(t *testing.T) {
	attacks := &fakeAttacks{}
	blocks := &fakeBlocks{}
	bus := events.NewBus(64, 100)
	c := NewController(testEmergencyConfig(), attacks, blocks, bus)

	attacks.n = 50
	for i := 0; i < 5; i++ {
		c.Evaluate()
	}
	assert.True(t, c.Active())
	assert.Equal(t, 1, countByType(bus, events.EmergencyActivated),
		"a sustained breach activates exactly once")

	// Breach clears, then recurs: a new edge, a new activation.
	c.Deactivate("operator")
	attacks.n = 0
	c.Evaluate()
	attacks.n = 50
	c.Evaluate()
	assert.True(t, c.Active())
	assert.Equal(t, 2, countByType(bus, events.EmergencyActivated))
}

func TestBlockedCountTriggers(t *testing.T) {
	attacks := &fakeAttacks{}
	blocks := &fakeBlocks{n: 150}
	bus := events.NewBus(64, 100)
	c := NewController(testEmergencyConfig(), attacks, blocks, bus)

	c.Evaluate()
	require.True(t, c.Active())
	assert.Contains(t, c.State().Reason, "blocked address")
}

func TestAutoRevertAfterCooldown(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.Cooldown = config.Duration{Duration: 30 * time.Millisecond}
	attacks := &fakeAttacks{n: 50}
	bus := events.NewBus(64, 100)
	c := NewController(cfg, attacks, &fakeBlocks{}, bus)

	c.Evaluate()
	require.True(t, c.Active())

	assert.Eventually(t, func() bool { return !c.Active() }, time.Second, 5*time.Millisecond,
		"emergency mode reverts on its own after the cooldown")
	assert.Equal(t, 1, countByType(bus, events.EmergencyDeactivated))
}

func TestManualDeactivateCancelsRevert(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.Cooldown = config.Duration{Duration: 20 * time.Millisecond}
	attacks := &fakeAttacks{n: 50}
	bus := events.NewBus(64, 100)
	c := NewController(cfg, attacks, &fakeBlocks{}, bus)

	c.Evaluate()
	c.Deactivate("operator")
	assert.False(t, c.Active())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, countByType(bus, events.EmergencyDeactivated),
		"the pending auto-revert must not fire a second deactivation")
}

func TestManualActivationHasNoAutoRevert(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.Cooldown = config.Duration{Duration: 20 * time.Millisecond}
	c := NewController(cfg, &fakeAttacks{}, &fakeBlocks{}, events.NewBus(64, 100))

	c.Activate("drill")
	time.Sleep(40 * time.Millisecond)
	assert.True(t, c.Active(), "manual activation stays until deactivated")

	st := c.State()
	assert.Equal(t, "drill", st.Reason)
	assert.False(t, st.ActivatedAt.IsZero())
}

func TestPermitPathByPolicy(t *testing.T) {
	tests := []struct {
		name   string
		action string
		path   string
		want   bool
	}{
		{"throttle permits critical", "throttle", "/health", true},
		{"throttle denies others", "throttle", "/api/items", false},
		{"lockdown denies critical", "lockdown", "/health", false},
		{"lockdown denies others", "lockdown", "/api/items", false},
		{"maintenance denies critical", "maintenance", "/api/status", false},
		{"maintenance denies others", "maintenance", "/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testEmergencyConfig()
			cfg.Action = tt.action
			c := NewController(cfg, &fakeAttacks{}, &fakeBlocks{}, events.NewBus(64, 100))
			c.Activate("test")
			assert.Equal(t, tt.want, c.PermitPath(tt.path))
		})
	}
}

func TestRetryHintByPolicy(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.Action = "maintenance"
	c := NewController(cfg, &fakeAttacks{}, &fakeBlocks{}, events.NewBus(64, 100))
	c.Activate("test")
	assert.Equal(t, 1800, c.RetryAfterSeconds())

	cfg.Action = "lockdown"
	c = NewController(cfg, &fakeAttacks{}, &fakeBlocks{}, events.NewBus(64, 100))
	c.Activate("test")
	assert.Equal(t, 60, c.RetryAfterSeconds())
}

func TestInactivePermitsEverything(t *testing.T) {
	c := NewController(testEmergencyConfig(), &fakeAttacks{}, &fakeBlocks{}, events.NewBus(64, 100))
	assert.True(t, c.PermitPath("/anything"))
	assert.False(t, c.Active())
}
