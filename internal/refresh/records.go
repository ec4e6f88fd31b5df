package refresh

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RunRecord is one completed rebuild attempt. Records are immutable once
// appended.
type RunRecord struct {
	Projection string        `json:"projection"`
	Strategy   Strategy      `json:"strategy"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// RunSummary aggregates a set of run records. Percentiles use the
// nearest-rank method.
type RunSummary struct {
	Count        int           `json:"count"`
	Successes    int           `json:"successes"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
	P95Duration  time.Duration `json:"p95_duration_ns"`
	P99Duration  time.Duration `json:"p99_duration_ns"`
}

// RunMetrics is the queryable view over the run history: the matching
// records, newest first, plus their summary.
type RunMetrics struct {
	Records []RunRecord `json:"records"`
	Summary RunSummary  `json:"summary"`
}

// recordLog keeps run records in completion order, bounded by a retention
// window and a hard count limit.
type recordLog struct {
	clock     clockwork.Clock
	retention time.Duration
	limit     int

	mu      sync.Mutex
	records []RunRecord
}

func newRecordLog(clock clockwork.Clock, retention time.Duration, limit int) *recordLog {
	return &recordLog{clock: clock, retention: retention, limit: limit}
}

func (l *recordLog) append(rec RunRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	l.prune()
}

// prune drops records past the retention window, then the oldest overflow
// beyond the count limit. Caller holds mu.
func (l *recordLog) prune() {
	cutoff := l.clock.Now().Add(-l.retention)
	drop := 0
	for drop < len(l.records) && l.records[drop].StartedAt.Before(cutoff) {
		drop++
	}
	if over := len(l.records) - drop - l.limit; over > 0 {
		drop += over
	}
	if drop > 0 {
		l.records = append(l.records[:0], l.records[drop:]...)
	}
}

// query returns matching records, most recently completed first. A zero
// limit means unbounded; an empty projection matches all; a zero since
// disables the time filter.
func (l *recordLog) query(limit int, projection string, since time.Time) []RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunRecord, 0, len(l.records))
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if projection != "" && rec.Projection != projection {
			continue
		}
		if !since.IsZero() && rec.StartedAt.Before(since) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func summarize(records []RunRecord) RunSummary {
	s := RunSummary{Count: len(records)}
	if len(records) == 0 {
		return s
	}
	durations := make([]time.Duration, 0, len(records))
	var total time.Duration
	for _, rec := range records {
		if rec.Success {
			s.Successes++
		}
		durations = append(durations, rec.Duration)
		total += rec.Duration
	}
	s.SuccessRate = float64(s.Successes) / float64(len(records))
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.MeanDuration = total / time.Duration(len(durations))
	s.P95Duration = percentile(durations, 95)
	s.P99Duration = percentile(durations, 99)
	return s
}

// percentile picks the nearest-rank element of an ascending slice.
func percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
