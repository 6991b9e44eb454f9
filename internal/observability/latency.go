package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// stageBudgets is the p95 each stage is expected to stay under.
var stageBudgets = map[string]time.Duration{
	"profile_update": 10 * time.Millisecond,
	"memory_record":  50 * time.Millisecond,
	"context_ready":  80 * time.Millisecond,
	"tools_gathered": 1500 * time.Millisecond,
	"direct_answer":  4 * time.Second,
	"producer_call":  20 * time.Second,
	"critic_call":    15 * time.Second,
	"plan_total":     60 * time.Second,
	"turn_total":     90 * time.Second,
}

// maxTrackedIterations bounds the per-iteration breakdown. Later iterations
// are folded into the last slot.
const maxTrackedIterations = 8

type LatencySummary struct {
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	MeanMS  float64 `json:"mean_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type StageLatency struct {
	Stage string `json:"stage"`
	LatencySummary
	BudgetMS float64 `json:"budget_p95_ms,omitempty"`
	// OverBudget counts samples in the window slower than the budget.
	OverBudget int `json:"over_budget,omitempty"`
}

// IterationLatency is the model call latency of one planning iteration,
// split by role.
type IterationLatency struct {
	Iteration int             `json:"iteration"`
	Producer  *LatencySummary `json:"producer,omitempty"`
	Critic    *LatencySummary `json:"critic,omitempty"`
	Failures  int             `json:"failures,omitempty"`
}

// LatencyReport is the payload of /v1/perf/latency.
type LatencyReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Stages      []StageLatency     `json:"stages"`
	Iterations  []IterationLatency `json:"iterations,omitempty"`
	Counters    map[string]int     `json:"counters,omitempty"`
}

type sampleRing struct {
	buf  []time.Duration
	n    int
	next int
	last time.Duration
}

func newSampleRing(size int) *sampleRing {
	return &sampleRing{buf: make([]time.Duration, size)}
}

func (r *sampleRing) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = d
}

func (r *sampleRing) sorted() []time.Duration {
	out := make([]time.Duration, r.n)
	copy(out, r.buf[:r.n])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *sampleRing) summary() LatencySummary {
	vals := r.sorted()
	if len(vals) == 0 {
		return LatencySummary{}
	}
	var sum time.Duration
	for _, v := range vals {
		sum += v
	}
	return LatencySummary{
		Samples: len(vals),
		LastMS:  millis(r.last),
		MeanMS:  millis(sum / time.Duration(len(vals))),
		P50MS:   millis(nearestRank(vals, 0.50)),
		P95MS:   millis(nearestRank(vals, 0.95)),
		MaxMS:   millis(vals[len(vals)-1]),
	}
}

type callKey struct {
	role      string
	iteration int
}

// latencyWindow keeps the most recent samples per stage and per planning
// iteration and role.
type latencyWindow struct {
	mu       sync.Mutex
	size     int
	stages   map[string]*sampleRing
	calls    map[callKey]*sampleRing
	failures map[int]int
	counters map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.reset()
	return w
}

func (w *latencyWindow) observeStage(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring(w.stages, stage).add(d)
}

// observeCall records one planning model call. The sample also feeds the
// aggregate <role>_call stage.
func (w *latencyWindow) observeCall(role string, iteration int, d time.Duration, ok bool) {
	if role == "" || iteration <= 0 || d < 0 {
		return
	}
	if iteration > maxTrackedIterations {
		iteration = maxTrackedIterations
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring(w.stages, role+"_call").add(d)
	key := callKey{role: role, iteration: iteration}
	r, found := w.calls[key]
	if !found {
		r = newSampleRing(w.size)
		w.calls[key] = r
	}
	r.add(d)
	if !ok {
		w.failures[iteration]++
	}
}

func (w *latencyWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

func (w *latencyWindow) ring(m map[string]*sampleRing, key string) *sampleRing {
	r, ok := m[key]
	if !ok {
		r = newSampleRing(w.size)
		m[key] = r
	}
	return r
}

func (w *latencyWindow) report(now time.Time) LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencyReport{GeneratedAt: now, WindowSize: w.size, Stages: make([]StageLatency, 0, len(w.stages))}
	for name, r := range w.stages {
		st := StageLatency{Stage: name, LatencySummary: r.summary()}
		if budget, ok := stageBudgets[name]; ok {
			st.BudgetMS = millis(budget)
			for _, v := range r.buf[:r.n] {
				if v > budget {
					st.OverBudget++
				}
			}
		}
		out.Stages = append(out.Stages, st)
	}
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Stage < out.Stages[j].Stage })

	byIter := map[int]*IterationLatency{}
	for key, r := range w.calls {
		it, ok := byIter[key.iteration]
		if !ok {
			it = &IterationLatency{Iteration: key.iteration, Failures: w.failures[key.iteration]}
			byIter[key.iteration] = it
		}
		s := r.summary()
		switch key.role {
		case "producer":
			it.Producer = &s
		case "critic":
			it.Critic = &s
		}
	}
	for _, it := range byIter {
		out.Iterations = append(out.Iterations, *it)
	}
	sort.Slice(out.Iterations, func(i, j int) bool { return out.Iterations[i].Iteration < out.Iterations[j].Iteration })

	if len(w.counters) > 0 {
		out.Counters = make(map[string]int, len(w.counters))
		for k, v := range w.counters {
			out.Counters[k] = v
		}
	}
	return out
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*sampleRing)
	w.calls = make(map[callKey]*sampleRing)
	w.failures = make(map[int]int)
	w.counters = make(map[string]int)
}

// nearestRank returns the q-quantile of sorted values without interpolation.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
