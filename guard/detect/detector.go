// Package detect finds attack patterns in recorded traffic. Detections are
// advisory: every finding is handed to the mitigation controller and the
// event bus, never enforced here.
package detect

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bastion/guard/config"
	"bastion/guard/events"
	"bastion/guard/traffic"
)

// Mitigator receives implicated sources. Satisfied by the mitigation
// controller; tests substitute a recorder.
type Mitigator interface {
	Apply(address, attackType string, severity events.Severity)
}

const historyCap = 200

// Detector runs inline threshold checks on the request path and a periodic
// sweep over the recorded window.
type Detector struct {
	cfg        config.Detector
	thresholds config.Thresholds
	recorder   *traffic.Recorder
	mitigator  Mitigator
	bus        *events.Bus
	scorer     Scorer
	enabled    map[string]bool

	sweeping atomic.Bool

	mu      sync.RWMutex
	active  map[string]time.Time
	history []AttackSignature
	counts  map[string]int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDetector wires a detector. A nil scorer selects HeuristicScorer.
func NewDetector(cfg config.Detector, thresholds config.Thresholds, rec *traffic.Recorder, mit Mitigator, bus *events.Bus, scorer Scorer) *Detector {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	enabled := make(map[string]bool, len(cfg.EnabledTypes))
	for _, t := range cfg.EnabledTypes {
		enabled[t] = true
	}
	return &Detector{
		cfg:        cfg,
		thresholds: thresholds,
		recorder:   rec,
		mitigator:  mit,
		bus:        bus,
		scorer:     scorer,
		enabled:    enabled,
		active:     make(map[string]time.Time),
		counts:     make(map[string]int64),
		done:       make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (d *Detector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Interval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Sweep()
			case <-d.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop. A sweep already in flight finishes.
func (d *Detector) Stop() {
	close(d.done)
	d.wg.Wait()
}

// CheckRequest runs the per-request threshold checks against the sample
// just recorded. Breaches raise signatures immediately instead of waiting
// for the next sweep.
func (d *Detector) CheckRequest(s traffic.Sample) {
	now := s.Timestamp
	if now == 0 {
		now = traffic.Now()
	}

	if n := d.recorder.CountSince(now-1000, s.Address); n > d.thresholds.PerSourceRPS {
		d.raise(TypeVolumetric, []string{s.Address}, []string{"per_source_rps_exceeded"})
	}
	if n := d.recorder.CountSince(now-1000, ""); n > d.thresholds.GlobalRPS {
		d.raise(TypeVolumetric, nil, []string{"global_rps_exceeded"})
	}
	if d.thresholds.UniqueSourcesMin > 0 {
		if n := d.recorder.UniqueSourcesSince(now - 60_000); n > d.thresholds.UniqueSourcesMin {
			d.raise(TypeVolumetric, nil, []string{"unique_sources_exceeded"})
		}
	}
	if d.thresholds.MaxPayloadBytes > 0 && s.PayloadSize > d.thresholds.MaxPayloadBytes {
		d.raise(TypeApplicationLayer, []string{s.Address}, []string{"payload_size_exceeded"})
	}
	if d.thresholds.MaxDurationMs > 0 && s.LatencyMs > d.thresholds.MaxDurationMs {
		d.raise(TypeSlowloris, []string{s.Address}, []string{"request_duration_exceeded"})
	}
}

// Sweep analyzes the recorded window once. If the previous sweep is still
// running the cycle is skipped rather than queued.
func (d *Detector) Sweep() {
	if !d.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer d.sweeping.Store(false)

	since := traffic.Now() - d.cfg.Window.Duration.Milliseconds()
	samples := d.recorder.RecentSince(since)
	if len(samples) < d.cfg.MinSamples {
		return
	}

	d.analyzeUserAgents(samples)
	d.analyzePaths(samples)
	d.analyzeTiming(samples)
	d.analyzeGeography(samples)
	d.analyzeSlowRequests(samples)
}

// analyzeUserAgents flags botnets: a large sample sharing a tiny set of
// user agents has low Shannon entropy.
func (d *Detector) analyzeUserAgents(samples []traffic.Sample) {
	if len(samples) <= d.cfg.UAMinSamples {
		return
	}
	freq := make(map[string]int)
	for _, s := range samples {
		freq[s.UserAgent]++
	}
	if entropy(freq, len(samples)) >= d.cfg.UAEntropyBits {
		return
	}
	d.raise(TypeBotnet, dominantSources(samples, func(s traffic.Sample) string { return s.UserAgent }, freq),
		[]string{"low_user_agent_entropy", "shared_client_fingerprint"})
}

// analyzePaths flags application-layer floods hammering few endpoints.
func (d *Detector) analyzePaths(samples []traffic.Sample) {
	if len(samples) <= d.cfg.PathMinSamples {
		return
	}
	freq := make(map[string]int)
	for _, s := range samples {
		freq[s.Path]++
	}
	if entropy(freq, len(samples)) >= d.cfg.PathEntropyBits {
		return
	}
	d.raise(TypeApplicationLayer, dominantSources(samples, func(s traffic.Sample) string { return s.Path }, freq),
		[]string{"low_path_entropy"})
}

// analyzeTiming flags per-source request streams too regular for a human:
// coefficient of variation of inter-arrival gaps under 0.1.
func (d *Detector) analyzeTiming(samples []traffic.Sample) {
	bySource := make(map[string][]int64)
	for _, s := range samples {
		bySource[s.Address] = append(bySource[s.Address], s.Timestamp)
	}
	for addr, times := range bySource {
		if len(times) < d.cfg.MinSamples {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		gaps := make([]float64, 0, len(times)-1)
		for i := 1; i < len(times); i++ {
			gaps = append(gaps, float64(times[i]-times[i-1]))
		}
		mean := 0.0
		for _, g := range gaps {
			mean += g
		}
		mean /= float64(len(gaps))
		if mean <= 0 {
			continue
		}
		variance := 0.0
		for _, g := range gaps {
			variance += (g - mean) * (g - mean)
		}
		variance /= float64(len(gaps))
		if math.Sqrt(variance)/mean < 0.1 {
			d.raise(TypeAutomated, []string{addr}, []string{"periodic_request_timing"})
		}
	}
}

// analyzeGeography flags traffic overwhelmingly from one country. The
// signature is advisory only: implicating every source in a country would
// block legitimate users wholesale.
func (d *Detector) analyzeGeography(samples []traffic.Sample) {
	if len(samples) <= d.cfg.GeoMinSamples {
		return
	}
	freq := make(map[string]int)
	total := 0
	for _, s := range samples {
		if s.Country == "" {
			continue
		}
		freq[s.Country]++
		total++
	}
	if total <= d.cfg.GeoMinSamples {
		return
	}
	for country, n := range freq {
		if float64(n)/float64(total) > d.cfg.GeoShare {
			d.raise(TypeGeographic, nil, []string{"country_concentration:" + country})
			return
		}
	}
}

// analyzeSlowRequests flags sources holding many slow connections.
func (d *Detector) analyzeSlowRequests(samples []traffic.Sample) {
	if d.thresholds.MaxDurationMs <= 0 {
		return
	}
	slow := make(map[string]int)
	for _, s := range samples {
		if s.LatencyMs > d.thresholds.MaxDurationMs/2 {
			slow[s.Address]++
		}
	}
	for addr, n := range slow {
		if n >= d.cfg.MinSamples {
			d.raise(TypeSlowloris, []string{addr}, []string{"sustained_slow_requests"})
		}
	}
}

// raise records a signature, notifies the bus, and hands implicated
// sources to mitigation. A (type, source) pair already raised within the
// detection window is not raised again.
func (d *Detector) raise(attackType string, sources, indicators []string) {
	if !d.enabled[attackType] {
		return
	}

	now := time.Now()
	ttl := d.cfg.Window.Duration

	d.mu.Lock()
	fresh := sources
	if len(sources) == 0 {
		fresh = []string{""}
	}
	novel := make([]string, 0, len(fresh))
	for _, src := range fresh {
		key := attackType + "|" + src
		if at, ok := d.active[key]; ok && now.Sub(at) < ttl {
			continue
		}
		d.active[key] = now
		novel = append(novel, src)
	}
	d.mu.Unlock()
	if len(novel) == 0 {
		return
	}

	confidence := d.scorer.Score(attackType, indicators)
	severity := severityFor(confidence)
	sig := AttackSignature{
		ID:         uuid.New().String(),
		Type:       attackType,
		Severity:   string(severity),
		Confidence: confidence,
		Sources:    sources,
		Indicators: indicators,
		DetectedAt: now,
	}

	d.mu.Lock()
	if len(d.history) >= historyCap {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, sig)
	d.counts[attackType]++
	d.mu.Unlock()

	addr := ""
	if len(sources) > 0 {
		addr = sources[0]
	}
	d.bus.Publish(events.Event{
		Type:     events.AttackDetected,
		Severity: severity,
		Source:   "detector",
		Details:  attackType + " attack detected",
		Metadata: events.Metadata{
			Address:    addr,
			AttackType: attackType,
			Confidence: confidence,
		},
	})

	for _, src := range novel {
		if src == "" {
			continue
		}
		d.mitigator.Apply(src, attackType, severity)
	}
}

// Active returns signatures raised within the detection window.
func (d *Detector) Active() []AttackSignature {
	cutoff := time.Now().Add(-d.cfg.Window.Duration)
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []AttackSignature
	for _, sig := range d.history {
		if sig.DetectedAt.After(cutoff) {
			out = append(out, sig)
		}
	}
	return out
}

// History returns all retained signatures, oldest first.
func (d *Detector) History() []AttackSignature {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AttackSignature, len(d.history))
	copy(out, d.history)
	return out
}

// RecentCount returns signatures raised in the trailing duration, for the
// emergency trigger.
func (d *Detector) RecentCount(within time.Duration) int {
	cutoff := time.Now().Add(-within)
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, sig := range d.history {
		if sig.DetectedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// Stats reports per-type detection totals.
func (d *Detector) Stats() map[string]interface{} {
	cutoff := time.Now().Add(-d.cfg.Window.Duration)
	d.mu.RLock()
	defer d.mu.RUnlock()
	active := 0
	for _, sig := range d.history {
		if sig.DetectedAt.After(cutoff) {
			active++
		}
	}
	byType := make(map[string]int64, len(d.counts))
	for t, n := range d.counts {
		byType[t] = n
	}
	return map[string]interface{}{
		"activeAttacks": active,
		"byType":        byType,
	}
}

// entropy computes Shannon entropy in bits over a frequency table.
func entropy(freq map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	e := 0.0
	for _, n := range freq {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}

// dominantSources returns the sources whose requests carry the most common
// value of the keyed attribute.
func dominantSources(samples []traffic.Sample, key func(traffic.Sample) string, freq map[string]int) []string {
	dominant, best := "", 0
	for v, n := range freq {
		if n > best {
			dominant, best = v, n
		}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, s := range samples {
		if key(s) != dominant {
			continue
		}
		if _, ok := seen[s.Address]; ok {
			continue
		}
		seen[s.Address] = struct{}{}
		out = append(out, s.Address)
	}
	return out
}
