// Package mitigate owns the block list. Blocks are timed, leveled, and
// lazily expired on read; repeat offenders climb a configurable escalation
// ladder. The allow-list is consulted before any block decision and wins
// unconditionally.
package mitigate

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yl2chen/cidranger"

	"bastion/guard/config"
	"bastion/guard/events"
)

// ManualLevel marks operator-issued blocks. The escalation ladder never
// reaches it, so manual blocks are distinguishable in every listing.
const ManualLevel = 99

// BlockRecord describes one active block.
type BlockRecord struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	Level     int       `json:"level"`
	BlockedAt time.Time `json:"blockedAt"`
	Until     time.Time `json:"until"`
}

// Remaining returns the time left on the block at now.
func (r BlockRecord) Remaining(now time.Time) time.Duration {
	if rem := r.Until.Sub(now); rem > 0 {
		return rem
	}
	return 0
}

// Controller applies and expires blocks.
type Controller struct {
	cfg   config.Mitigation
	bus   *events.Bus
	allow cidranger.Ranger
	deny  cidranger.Ranger

	mu        sync.RWMutex
	blocks    map[string]*BlockRecord
	throttled map[string]time.Time
	attacks   map[string][]time.Time
	total     int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewController builds a controller from config. Invalid allow/deny
// entries are rejected here rather than silently skipped.
func NewController(cfg config.Mitigation, bus *events.Bus) (*Controller, error) {
	allow, err := buildRanger(cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := buildRanger(cfg.DenyList)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	return &Controller{
		cfg:       cfg,
		bus:       bus,
		allow:     allow,
		deny:      deny,
		blocks:    make(map[string]*BlockRecord),
		throttled: make(map[string]time.Time),
		attacks:   make(map[string][]time.Time),
		done:      make(chan struct{}),
	}, nil
}

func buildRanger(entries []string) (cidranger.Ranger, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, entry := range entries {
		cidr := entry
		if ip := net.ParseIP(entry); ip != nil {
			if ip.To4() != nil {
				cidr = entry + "/32"
			} else {
				cidr = entry + "/128"
			}
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
	}
	return ranger, nil
}

// Start launches the expiry sweep. Lazy expiry-on-read keeps lookups
// correct without it; the sweep only bounds memory.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop halts the sweep.
func (c *Controller) Stop() {
	close(c.done)
	c.wg.Wait()
}

// Allowed reports whether the address is on the allow-list. Allow-listed
// addresses are never blocked, throttled, or rate limited.
func (c *Controller) Allowed(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	ok, err := c.allow.Contains(ip)
	return err == nil && ok
}

// DenyListed reports whether the address is on the static deny-list.
func (c *Controller) DenyListed(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	ok, err := c.deny.Contains(ip)
	return err == nil && ok
}

// Block inserts or overwrites a block record. The most recent call wins;
// expiry is scheduled by timestamp, not by timer.
func (c *Controller) Block(address, reason string, d time.Duration, level int) {
	if c.Allowed(address) {
		return
	}
	if d <= 0 {
		d = c.cfg.BlockDuration.Duration
	}
	now := time.Now()
	rec := &BlockRecord{
		Address:   address,
		Reason:    reason,
		Level:     level,
		BlockedAt: now,
		Until:     now.Add(d),
	}

	c.mu.Lock()
	c.blocks[address] = rec
	c.total++
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type:     events.IPBlocked,
		Severity: severityForLevel(level),
		Source:   "mitigation",
		Details:  fmt.Sprintf("blocked %s for %s: %s", address, d, reason),
		Metadata: events.Metadata{Address: address},
	})
}

// Unblock removes a block, if any, and emits an event when one existed.
func (c *Controller) Unblock(address string) {
	c.mu.Lock()
	_, existed := c.blocks[address]
	delete(c.blocks, address)
	c.mu.Unlock()

	if existed {
		c.bus.Publish(events.Event{
			Type:     events.IPUnblocked,
			Severity: events.SeverityLow,
			Source:   "mitigation",
			Details:  "unblocked " + address,
			Metadata: events.Metadata{Address: address},
		})
	}
}

// Lookup returns the active block for the address, expiring it lazily
// when its deadline has passed.
func (c *Controller) Lookup(address string) (BlockRecord, bool) {
	c.mu.RLock()
	rec, ok := c.blocks[address]
	c.mu.RUnlock()
	if !ok {
		return BlockRecord{}, false
	}
	if !time.Now().Before(rec.Until) {
		c.mu.Lock()
		// Re-check under the write lock; another caller may have
		// replaced the record meanwhile.
		if cur, still := c.blocks[address]; still && !time.Now().Before(cur.Until) {
			delete(c.blocks, address)
		}
		c.mu.Unlock()
		return BlockRecord{}, false
	}
	return *rec, true
}

// IsBlocked reports whether the address is actively blocked.
func (c *Controller) IsBlocked(address string) bool {
	_, ok := c.Lookup(address)
	return ok
}

// IsThrottled reports whether the address is under a ladder throttle.
func (c *Controller) IsThrottled(address string) bool {
	c.mu.RLock()
	until, ok := c.throttled[address]
	c.mu.RUnlock()
	return ok && time.Now().Before(until)
}

// Apply mitigates one implicated source: a block sized by the signature's
// severity, then the escalation ladder on the source's cumulative attack
// count within the rolling window. Ladder levels only ever raise the
// outcome, so repeat offenders never de-escalate.
func (c *Controller) Apply(address, attackType string, severity events.Severity) {
	if c.Allowed(address) {
		return
	}
	now := time.Now()
	count := c.recordAttack(address, now)

	duration := c.cfg.SeverityDuration[string(severity)]
	if duration <= 0 {
		duration = c.cfg.BlockDuration.Duration
	}
	level := 1
	action := "block"
	for _, tier := range c.cfg.Ladder {
		if count < tier.Threshold {
			break
		}
		action = tier.Action
		level = tier.Level
		if tier.Duration.Duration > 0 {
			duration = tier.Duration.Duration
		}
	}

	if prev, ok := c.Lookup(address); ok && prev.Level > level {
		level = prev.Level
	}

	if action == "throttle" && level <= 1 {
		window := c.cfg.EscalationWindow.Duration
		if window <= 0 {
			window = 10 * time.Minute
		}
		c.mu.Lock()
		c.throttled[address] = now.Add(window)
		c.mu.Unlock()
		return
	}

	c.Block(address, "attack: "+attackType, duration, level)
}

// BlockedCount returns the number of currently active blocks.
func (c *Controller) BlockedCount() int {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, rec := range c.blocks {
		if now.Before(rec.Until) {
			n++
		}
	}
	return n
}

// Blocked returns a copy of all active block records.
func (c *Controller) Blocked() []BlockRecord {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BlockRecord, 0, len(c.blocks))
	for _, rec := range c.blocks {
		if now.Before(rec.Until) {
			out = append(out, *rec)
		}
	}
	return out
}

// Stats reports mitigation counters for the admin surface.
func (c *Controller) Stats() map[string]interface{} {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	active, throttled := 0, 0
	for _, rec := range c.blocks {
		if now.Before(rec.Until) {
			active++
		}
	}
	for _, until := range c.throttled {
		if now.Before(until) {
			throttled++
		}
	}
	return map[string]interface{}{
		"activeBlocks": active,
		"throttled":    throttled,
		"totalBlocks":  c.total,
	}
}

func (c *Controller) recordAttack(address string, now time.Time) int {
	window := c.cfg.EscalationWindow.Duration
	if window <= 0 {
		window = 10 * time.Minute
	}
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()
	times := c.attacks[address]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.attacks[address] = kept
	return len(kept)
}

func (c *Controller) sweep() {
	now := time.Now()
	cutoff := now.Add(-c.cfg.EscalationWindow.Duration)
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, rec := range c.blocks {
		if !now.Before(rec.Until) {
			delete(c.blocks, addr)
		}
	}
	for addr, until := range c.throttled {
		if !now.Before(until) {
			delete(c.throttled, addr)
		}
	}
	for addr, times := range c.attacks {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(c.attacks, addr)
		} else {
			c.attacks[addr] = kept
		}
	}
}

func severityForLevel(level int) events.Severity {
	switch {
	case level >= ManualLevel:
		return events.SeverityHigh
	case level >= 3:
		return events.SeverityCritical
	case level >= 2:
		return events.SeverityHigh
	default:
		return events.SeverityMedium
	}
}
