package orchestrator

import (
	"sync"
	"time"

	"github.com/xhad/dossier/internal/models"
)

// Event reports a section state change. SectionID is empty for report-level events.
type Event struct {
	ReportID     string               `json:"report_id"`
	SectionID    string               `json:"section_id,omitempty"`
	Status       models.SectionStatus `json:"status,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Quality      *float64             `json:"quality_score,omitempty"`
	Flagged      bool                 `json:"flagged,omitempty"`
	ReportStatus models.ReportStatus  `json:"report_status"`
	Time         time.Time            `json:"time"`
}

// broker fans events out to watchers. Slow watchers drop events rather than block a run.
type broker struct {
	mu       sync.Mutex
	watchers map[string]map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{watchers: make(map[string]map[chan Event]struct{})}
}

func (b *broker) subscribe(reportID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.watchers[reportID] == nil {
		b.watchers[reportID] = make(map[chan Event]struct{})
	}
	b.watchers[reportID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.watchers[reportID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.watchers, reportID)
				}
			}
		})
	}
}

func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers[e.ReportID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// closeReport ends every watch on the report.
func (b *broker) closeReport(reportID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers[reportID] {
		close(ch)
	}
	delete(b.watchers, reportID)
}
