package incident

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var (
	// ErrNotFound is returned when an incident id does not resolve.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidSeverity is returned when a severity falls outside [0, 1).
	ErrInvalidSeverity = errors.New("severity must be in [0, 1)")
)

// Sink receives a copy of every created or mutated incident. Used for
// durable write-through; failures are logged and never roll back the ledger.
type Sink interface {
	Save(ctx context.Context, inc Incident) error
}

// Observer is invoked after an incident has been appended.
type Observer func(ctx context.Context, inc Incident)

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink sets the write-through sink.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithObserver registers a creation observer. Observers run synchronously
// after the ledger lock is released.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, o) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger is the ordered, append-only collection of incidents. The id counter
// and the backing slice are guarded by the same mutex so allocation and
// append happen as one unit.
//
// With a sink configured, saveMu is taken before mu and held through Save,
// so the sink sees snapshots in the order the mutations were applied.
type Ledger struct {
	saveMu    sync.Mutex
	mu        sync.RWMutex
	incidents []*Incident
	index     map[string]int // incident ID -> position in incidents
	counter   uint64

	now       func() time.Time
	sink      Sink
	observers []Observer
	logger    log.Logger
}

// NewLedger creates an empty Ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		index:  make(map[string]int),
		now:    time.Now,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Create allocates a fresh id, appends the incident and returns a copy of it.
func (l *Ledger) Create(ctx context.Context, source string, severity float64, description string) (Incident, error) {
	if math.IsNaN(severity) || severity < 0 || severity >= 1 {
		return Incident{}, fmt.Errorf("create incident for %q: %w (got %v)", source, ErrInvalidSeverity, severity)
	}

	unlockSave := l.lockSave()
	l.mu.Lock()
	l.counter++
	ts := l.now()
	inc := &Incident{
		ID:          fmt.Sprintf("INC-%d-%d", ts.Unix(), l.counter),
		Source:      source,
		Severity:    severity,
		Description: description,
		Timestamp:   ts,
	}
	l.index[inc.ID] = len(l.incidents)
	l.incidents = append(l.incidents, inc)
	out := *inc
	l.mu.Unlock()

	l.persist(ctx, out)
	unlockSave()
	for _, o := range l.observers {
		o(ctx, out)
	}
	return out, nil
}

// Get returns a copy of the incident with the given id.
func (l *Ledger) Get(id string) (Incident, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *l.incidents[i], nil
}

// All returns a snapshot of every incident in creation order.
func (l *Ledger) All() []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Incident, len(l.incidents))
	for i, inc := range l.incidents {
		out[i] = *inc
	}
	return out
}

// AllSince returns the incidents reported by source, ordered by timestamp
// ascending. Incidents sharing a timestamp keep creation order.
func (l *Ledger) AllSince(source string) []Incident {
	l.mu.RLock()
	var out []Incident
	for _, inc := range l.incidents {
		if inc.Source == source {
			out = append(out, *inc)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len returns the number of incidents in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.incidents)
}

// MarkRemediated flags the incident as remediated and records note.
func (l *Ledger) MarkRemediated(ctx context.Context, id, note string) (Incident, error) {
	return l.update(ctx, id, func(inc *Incident) {
		inc.AutoRemediated = true
		inc.RemediationNotes = note
	})
}

// Annotate replaces the remediation notes without changing the remediated flag.
func (l *Ledger) Annotate(ctx context.Context, id, note string) (Incident, error) {
	return l.update(ctx, id, func(inc *Incident) {
		inc.RemediationNotes = note
	})
}

func (l *Ledger) update(ctx context.Context, id string, fn func(*Incident)) (Incident, error) {
	unlockSave := l.lockSave()
	defer unlockSave()

	l.mu.Lock()
	i, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(l.incidents[i])
	out := *l.incidents[i]
	l.mu.Unlock()

	l.persist(ctx, out)
	return out, nil
}

// Restore appends previously persisted incidents, skipping ids already
// present, and advances the counter past the highest restored suffix so new
// ids cannot collide with restored ones. Observers and the sink are not called.
func (l *Ledger) Restore(incs []Incident) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := make([]Incident, len(incs))
	copy(sorted, incs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var restored int
	for _, inc := range sorted {
		if _, dup := l.index[inc.ID]; dup {
			continue
		}
		cp := inc
		l.index[cp.ID] = len(l.incidents)
		l.incidents = append(l.incidents, &cp)
		if n, ok := counterSuffix(cp.ID); ok && n > l.counter {
			l.counter = n
		}
		restored++
	}
	return restored
}

func (l *Ledger) lockSave() (unlock func()) {
	if l.sink == nil {
		return func() {}
	}
	l.saveMu.Lock()
	return l.saveMu.Unlock
}

func (l *Ledger) persist(ctx context.Context, inc Incident) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Save(ctx, inc); err != nil {
		l.logger.Error(ctx, err, "incident sink save failed", "incident_id", inc.ID)
	}
}

// counterSuffix extracts N from an id of the form INC-<unix>-<N>.
func counterSuffix(id string) (uint64, bool) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 || !strings.HasPrefix(id, "INC-") {
		return 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
