package txn

import (
	"time"
)

// Status is the lifecycle status of one transaction record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Record tracks one logical transaction from first attempt to final
// status. Active records live in the coordinator's active table; finished
// records move to the bounded history log.
type Record struct {
	ID        string        `json:"id"`
	Tenant    string        `json:"tenant"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Status    Status        `json:"status"`
	Attempts  int           `json:"attempts"`
	Err       string        `json:"error,omitempty"`
}

// Metrics aggregates coordinator activity since construction.
type Metrics struct {
	Started         int64         `json:"started"`
	Committed       int64         `json:"committed"`
	Failed          int64         `json:"failed"`
	TimedOut        int64         `json:"timed_out"`
	TotalAttempts   int64         `json:"total_attempts"`
	TotalDuration   time.Duration `json:"total_duration"`
	LongestDuration time.Duration `json:"longest_duration"`
}

// SuccessRate returns committed / finished, or 1 when nothing finished.
func (m Metrics) SuccessRate() float64 {
	finished := m.Committed + m.Failed + m.TimedOut
	if finished == 0 {
		return 1
	}
	return float64(m.Committed) / float64(finished)
}

// history is a size- and age-bounded append log of finished records.
type history struct {
	records []*Record
	maxSize int
	maxAge  time.Duration
}

func newHistory(maxSize int, maxAge time.Duration) *history {
	return &history{maxSize: maxSize, maxAge: maxAge}
}

func (h *history) append(r *Record) {
	h.records = append(h.records, r)
	h.prune(time.Now())
}

// prune drops records beyond the size cap (oldest first) and older than
// the max age.
func (h *history) prune(now time.Time) {
	if h.maxAge > 0 {
		cutoff := now.Add(-h.maxAge)
		first := 0
		for first < len(h.records) && h.records[first].EndTime.Before(cutoff) {
			first++
		}
		h.records = h.records[first:]
	}
	if h.maxSize > 0 && len(h.records) > h.maxSize {
		h.records = h.records[len(h.records)-h.maxSize:]
	}
}

func (h *history) snapshot() []Record {
	out := make([]Record, len(h.records))
	for i, r := range h.records {
		out[i] = *r
	}
	return out
}
