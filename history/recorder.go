package history

import (
	"sync"
	"time"

	"tradeloop/models"
)

// DefaultCapacity bounds the in-memory record ring.
const DefaultCapacity = 200

// Recorder keeps a bounded ring of per-cycle records. Oldest records are
// dropped once the capacity is reached.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	records  []*models.HistoryRecord
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{capacity: capacity}
}

// Record appends one entry, evicting the oldest when full.
func (r *Recorder) Record(kind, referenceID string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, &models.HistoryRecord{
		TS:          time.Now().UnixMilli(),
		Kind:        kind,
		ReferenceID: referenceID,
		Payload:     payload,
	})
	if len(r.records) > r.capacity {
		r.records = r.records[len(r.records)-r.capacity:]
	}
}

// Latest returns the newest n records in chronological order.
func (r *Recorder) Latest(n int) []*models.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.records) {
		n = len(r.records)
	}
	out := make([]*models.HistoryRecord, n)
	copy(out, r.records[len(r.records)-n:])
	return out
}

// Len reports the current ring size.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
