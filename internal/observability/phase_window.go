package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type PhaseStats struct {
	Phase   string  `json:"phase"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type PhaseSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Phases      []PhaseStats `json:"phases"`
	Events      []EventCount `json:"events,omitempty"`
}

// PhaseWindow keeps the last N runner durations per phase for the stats endpoint.
type PhaseWindow struct {
	mu         sync.RWMutex
	maxSamples int
	phases     map[string]*ring
	events     map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewPhaseWindow(maxSamples int) *PhaseWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &PhaseWindow{
		maxSamples: maxSamples,
		phases:     make(map[string]*ring),
		events:     make(map[string]int),
	}
}

func (w *PhaseWindow) Observe(phase string, ms float64) {
	if phase == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.phases[phase]
	if !ok {
		buf = &ring{values: make([]float64, w.maxSamples)}
		w.phases[phase] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *PhaseWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[name]++
}

func (w *PhaseWindow) Snapshot() PhaseSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.phases))
	for phase := range w.phases {
		keys = append(keys, phase)
	}
	sort.Strings(keys)

	phases := make([]PhaseStats, 0, len(keys))
	for _, phase := range keys {
		buf := w.phases[phase]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		phases = append(phases, PhaseStats{
			Phase:   phase,
			Samples: n,
			LastMS:  round2(buf.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			MaxMS:   round2(samples[n-1]),
		})
	}

	names := make([]string, 0, len(w.events))
	for name := range w.events {
		names = append(names, name)
	}
	sort.Strings(names)
	events := make([]EventCount, 0, len(names))
	for _, name := range names {
		events = append(events, EventCount{Name: name, Count: w.events[name]})
	}

	return PhaseSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Phases:      phases,
		Events:      events,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
