// Package baseline maintains per-fingerprint performance baselines built
// from terminating runs and detects deviations from them. Baselines live in
// a single baselines.json rewritten atomically after every update; detected
// anomalies stream to daily JSON-lines files.
package baseline

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

const (
	// defaultAlpha is the EMA smoothing factor. Small on purpose: a single
	// slow run should nudge the baseline, not drag it.
	defaultAlpha = 0.1

	// ringSize bounds the recent-duration window used for percentiles.
	ringSize = 100

	// minSamples gates detection until a fingerprint has enough history.
	minSamples = 3

	stripeCount = 32
)

// Baseline is the accumulated performance profile of one fingerprint.
// Duration and memory statistics fold in successful runs only; the
// success/failure counters see every terminal run.
type Baseline struct {
	Fingerprint    string    `json:"fingerprint"`
	Samples        int       `json:"samples"`
	DurationEMA    float64   `json:"duration_ema"`
	DurationStddev float64   `json:"duration_stddev_estimate"`
	DurationP50    float64   `json:"duration_p50"`
	DurationP95    float64   `json:"duration_p95"`
	DurationP99    float64   `json:"duration_p99"`
	MemoryMeanMB   float64   `json:"memory_mean_mb"`
	MemoryMaxMB    float64   `json:"memory_max_mb"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	LastUpdated    time.Time `json:"last_updated"`

	// Estimator state. Persisted so a restart continues the series
	// instead of starting over.
	DurationMean    float64   `json:"duration_mean"`
	DurationM2      float64   `json:"duration_m2"`
	DurationSamples int       `json:"duration_samples"`
	MemorySamples   int       `json:"memory_samples"`
	RecentDurations []float64 `json:"recent_durations,omitempty"`
}

// SuccessRate returns success/(success+failure), zero with no history.
func (b *Baseline) SuccessRate() float64 {
	total := b.SuccessCount + b.FailureCount
	if total == 0 {
		return 0
	}
	return float64(b.SuccessCount) / float64(total)
}

func (b *Baseline) clone() *Baseline {
	c := *b
	c.RecentDurations = append([]float64(nil), b.RecentDurations...)
	return &c
}

// Tracker owns the baseline store. Updates for the same fingerprint are
// serialized through striped locks; different fingerprints proceed in
// parallel and only contend on the map and the file rewrite.
type Tracker struct {
	path     string
	alpha    float64
	detector *Detector
	logger   zerolog.Logger

	stripes [stripeCount]sync.Mutex
	mu      sync.Mutex // guards baselines
	saveMu  sync.Mutex // serializes snapshot-and-rewrite

	baselines map[string]*Baseline
}

// NewTracker loads <baseDir>/baselines.json if present. A missing or
// unreadable store starts empty rather than failing startup.
func NewTracker(baseDir string, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		path:      filepath.Join(baseDir, "baselines.json"),
		alpha:     defaultAlpha,
		detector:  NewDetector(),
		logger:    logger.With().Str("component", "baseline_tracker").Logger(),
		baselines: make(map[string]*Baseline),
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn().Err(err).Str("path", t.path).Msg("Baseline store unreadable, starting empty")
		}
		return
	}
	loaded := make(map[string]*Baseline)
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.logger.Warn().Err(err).Str("path", t.path).Msg("Baseline store corrupt, starting empty")
		return
	}
	for fp, b := range loaded {
		if b == nil {
			continue
		}
		if b.Fingerprint == "" {
			b.Fingerprint = fp
		}
		t.baselines[fp] = b
	}
	t.logger.Debug().Int("baselines", len(t.baselines)).Msg("Baseline store loaded")
}

func (t *Tracker) stripe(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &t.stripes[h.Sum32()%stripeCount]
}

// Update folds one terminating run into its fingerprint's baseline and
// returns any anomalies the run exhibited. Detection runs against the
// baseline as it stood before this run, so a run cannot mask its own
// deviation. Cancelled and skipped runs are ignored: they say nothing
// about the job itself.
func (t *Tracker) Update(record *schema.RunRecord) ([]schema.Anomaly, error) {
	if record == nil || record.Fingerprint == "" {
		return nil, nil
	}
	switch record.Status {
	case schema.StatusSuccess, schema.StatusFailed, schema.StatusTimedOut:
	default:
		return nil, nil
	}

	stripe := t.stripe(record.Fingerprint)
	stripe.Lock()
	defer stripe.Unlock()

	prior := t.get(record.Fingerprint)
	anomalies := t.detector.Detect(record, prior)

	t.apply(record)

	if err := t.persist(); err != nil {
		return anomalies, errors.New(errors.CodeIoError, "baseline", "failed to persist baseline store", err)
	}
	return anomalies, nil
}

// Get returns a copy of the fingerprint's baseline.
func (t *Tracker) Get(fingerprint string) (*Baseline, bool) {
	b := t.get(fingerprint)
	return b, b != nil
}

// List returns copies of all baselines ordered by fingerprint.
func (t *Tracker) List() []*Baseline {
	t.mu.Lock()
	out := make([]*Baseline, 0, len(t.baselines))
	for _, b := range t.baselines {
		out = append(out, b.clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (t *Tracker) get(fingerprint string) *Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.baselines[fingerprint]
	if !ok {
		return nil
	}
	return b.clone()
}

func (t *Tracker) apply(record *schema.RunRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.baselines[record.Fingerprint]
	if !ok {
		b = &Baseline{Fingerprint: record.Fingerprint}
		t.baselines[record.Fingerprint] = b
	}

	if record.Status == schema.StatusSuccess {
		b.SuccessCount++
		if record.StartedAt != nil && record.FinishedAt != nil {
			t.observeDuration(b, record.Duration().Seconds())
		}
		if record.ResourceUsage != nil && record.ResourceUsage.MemoryPeakMB > 0 {
			observeMemory(b, record.ResourceUsage.MemoryPeakMB)
		}
	} else {
		b.FailureCount++
	}
	b.Samples = b.SuccessCount + b.FailureCount
	b.LastUpdated = time.Now().UTC()
}

func (t *Tracker) observeDuration(b *Baseline, seconds float64) {
	if b.DurationSamples == 0 {
		b.DurationEMA = seconds
	} else {
		b.DurationEMA = t.alpha*seconds + (1-t.alpha)*b.DurationEMA
	}

	// Welford's online mean and variance.
	b.DurationSamples++
	delta := seconds - b.DurationMean
	b.DurationMean += delta / float64(b.DurationSamples)
	b.DurationM2 += delta * (seconds - b.DurationMean)
	if b.DurationSamples >= 2 {
		b.DurationStddev = math.Sqrt(b.DurationM2 / float64(b.DurationSamples-1))
	}

	b.RecentDurations = append(b.RecentDurations, seconds)
	if len(b.RecentDurations) > ringSize {
		b.RecentDurations = b.RecentDurations[len(b.RecentDurations)-ringSize:]
	}
	b.DurationP50 = percentile(b.RecentDurations, 0.50)
	b.DurationP95 = percentile(b.RecentDurations, 0.95)
	b.DurationP99 = percentile(b.RecentDurations, 0.99)
}

func observeMemory(b *Baseline, peakMB float64) {
	b.MemorySamples++
	b.MemoryMeanMB += (peakMB - b.MemoryMeanMB) / float64(b.MemorySamples)
	if peakMB > b.MemoryMaxMB {
		b.MemoryMaxMB = peakMB
	}
}

// percentile computes the nearest-rank percentile of samples.
func percentile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	rank := int(math.Ceil(q*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}

func (t *Tracker) persist() error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	snapshot := make(map[string]*Baseline, len(t.baselines))
	for fp, b := range t.baselines {
		snapshot[fp] = b.clone()
	}
	t.mu.Unlock()

	return store.WriteJSONAtomic(t.path, snapshot)
}
