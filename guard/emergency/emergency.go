// Package emergency holds the service-wide degraded mode. Activation is
// edge-triggered on attack and block thresholds and reverts automatically
// after a cooldown unless toggled earlier.
package emergency

import (
	"sync"
	"time"

	"bastion/guard/config"
	"bastion/guard/events"
)

// Policy selects what the middleware does while emergency mode is active.
type Policy string

const (
	// PolicyThrottle serves only the critical endpoints and denies the
	// rest.
	PolicyThrottle Policy = "throttle"
	// PolicyLockdown denies everything, critical endpoints included.
	PolicyLockdown Policy = "lockdown"
	// PolicyMaintenance denies everything with a longer retry hint.
	PolicyMaintenance Policy = "maintenance"
)

// Retry hints returned with the 503, in seconds.
const (
	retryShort = 60
	retryLong  = 1800
)

// State is a snapshot of emergency mode.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	Level       int       `json:"level,omitempty"`
	Policy      Policy    `json:"policy,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// AttackCounter reports recent attack signatures. Satisfied by the
// detector.
type AttackCounter interface {
	RecentCount(within time.Duration) int
}

// BlockCounter reports active blocks. Satisfied by the mitigation
// controller.
type BlockCounter interface {
	BlockedCount() int
}

// Controller evaluates the trigger thresholds and owns the state machine.
// All transitions go through activate/deactivate; nothing else mutates the
// state.
type Controller struct {
	cfg     config.Emergency
	bus     *events.Bus
	attacks AttackCounter
	blocks  BlockCounter

	critical map[string]struct{}

	mu       sync.Mutex
	state    State
	breached bool
	revert   *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewController wires the emergency controller.
func NewController(cfg config.Emergency, attacks AttackCounter, blocks BlockCounter, bus *events.Bus) *Controller {
	critical := make(map[string]struct{}, len(cfg.CriticalEndpoints))
	for _, p := range cfg.CriticalEndpoints {
		critical[p] = struct{}{}
	}
	return &Controller{
		cfg:      cfg,
		bus:      bus,
		attacks:  attacks,
		blocks:   blocks,
		critical: critical,
		done:     make(chan struct{}),
	}
}

// Start launches periodic threshold evaluation.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Evaluate()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop halts evaluation and cancels any pending auto-revert.
func (c *Controller) Stop() {
	close(c.done)
	c.wg.Wait()
	c.mu.Lock()
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
	c.mu.Unlock()
}

// Evaluate checks the trigger thresholds once. The trigger fires on the
// transition into breach, not continuously while the breach persists, so a
// sustained attack activates exactly once.
func (c *Controller) Evaluate() {
	attackCount := c.attacks.RecentCount(time.Minute)
	blockedCount := c.blocks.BlockedCount()

	over := attackCount > c.cfg.AttacksPerMinute || blockedCount > c.cfg.BlockedThreshold

	c.mu.Lock()
	defer c.mu.Unlock()

	if !over {
		c.breached = false
		return
	}
	if c.breached {
		return
	}
	c.breached = true

	reason := "attack rate threshold exceeded"
	if blockedCount > c.cfg.BlockedThreshold {
		reason = "blocked address count threshold exceeded"
	}
	c.activateLocked(reason, 1, false)
}

// Activate turns emergency mode on manually. A manual activation has no
// auto-revert; it stays until deactivated.
func (c *Controller) Activate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activateLocked(reason, 2, true)
}

func (c *Controller) activateLocked(reason string, level int, manual bool) {
	if c.state.Active {
		// A manual request on top of an automatic activation cancels
		// the pending revert.
		if manual && c.revert != nil {
			c.revert.Stop()
			c.revert = nil
		}
		return
	}
	c.state = State{
		Active:      true,
		Reason:      reason,
		Level:       level,
		Policy:      Policy(c.cfg.Action),
		ActivatedAt: time.Now(),
	}
	if !manual && c.cfg.Cooldown.Duration > 0 {
		c.revert = time.AfterFunc(c.cfg.Cooldown.Duration, func() {
			c.Deactivate("cooldown elapsed")
		})
	}

	c.bus.Publish(events.Event{
		Type:     events.EmergencyActivated,
		Severity: events.SeverityCritical,
		Source:   "emergency",
		Details:  reason,
	})
}

// Deactivate turns emergency mode off and cancels the pending auto-revert.
func (c *Controller) Deactivate(reason string) {
	c.mu.Lock()
	if !c.state.Active {
		c.mu.Unlock()
		return
	}
	c.state = State{}
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type:     events.EmergencyDeactivated,
		Severity: events.SeverityMedium,
		Source:   "emergency",
		Details:  reason,
	})
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether emergency mode is on.
func (c *Controller) Active() bool {
	return c.State().Active
}

// PermitPath decides whether a request may proceed under the active
// policy. Always true when emergency mode is off. Throttle keeps the
// critical endpoints reachable; lockdown and maintenance serve nothing.
func (c *Controller) PermitPath(path string) bool {
	st := c.State()
	if !st.Active {
		return true
	}
	switch st.Policy {
	case PolicyThrottle:
		_, ok := c.critical[path]
		return ok
	case PolicyLockdown, PolicyMaintenance:
		return false
	default:
		return true
	}
}

// RetryAfterSeconds returns the Retry-After hint for the active policy.
// Maintenance promises a longer outage than the attack-driven policies.
func (c *Controller) RetryAfterSeconds() int {
	if c.State().Policy == PolicyMaintenance {
		return retryLong
	}
	return retryShort
}
