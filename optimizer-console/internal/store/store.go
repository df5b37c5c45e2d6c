package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
)

// Backend is the subset of the optimizer client the store drives.
type Backend interface {
	Optimize(ctx context.Context, input models.Document) (models.Document, error)
	Predict(ctx context.Context, input models.Document) (models.Document, error)
	Examples(ctx context.Context) (models.Document, error)
	Stats(ctx context.Context) (models.Document, error)
}

const defaultSubscriberBuffer = 32

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// Store is the session-scoped orchestration state: the optimize lifecycle, the
// current result, the result history and the cached service statistics. It is safe
// for concurrent use.
//
// Overlapping Optimize calls are allowed. The store stays loading until the last
// of them finishes, every success is recorded in completion order, and the current
// result only ever moves forward in issue order.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	newID   func() uuid.UUID
	bufSize int

	mu       sync.RWMutex
	history  []models.HistoryEntry
	current  models.Document
	stats    models.Stats
	inFlight int
	issued   uint64
	applied  uint64

	// emitMu orders deliveries. It is taken while mu is still held, so subscribers
	// see events in the order the state changed.
	emitMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[int]chan models.Event
	nextSub int
	closed  bool
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() uuid.UUID { return uuid.Must(uuid.NewV7()) },
		bufSize: defaultSubscriberBuffer,
		subs:    map[int]chan models.Event{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadStats refreshes the cached statistics. Failures are logged and the previous
// value is kept. The returned value is the cache after the attempt.
func (s *Store) LoadStats(ctx context.Context) models.Stats {
	doc, err := s.backend.Stats(ctx)
	if err != nil {
		s.logger.Warn("loading stats failed", zap.String("op", "store.LoadStats"), zap.Error(err))
		return s.Stats()
	}
	stats := models.StatsFromDocument(doc)
	s.mu.Lock()
	s.stats = stats
	s.unlockAndEmit(models.Event{Type: models.EventStatsUpdated, Stats: &stats})
	return stats
}

// LoadExample fetches the named example configuration. It reports false when the
// call fails or the name is not present.
func (s *Store) LoadExample(ctx context.Context, name string) (models.Document, bool) {
	doc, err := s.backend.Examples(ctx)
	if err != nil {
		s.logger.Warn("loading example failed", zap.String("op", "store.LoadExample"), zap.String("example", name), zap.Error(err))
		return nil, false
	}
	example := doc.SubDocument(name)
	if example == nil {
		s.logger.Debug("example not found", zap.String("op", "store.LoadExample"), zap.String("example", name))
		return nil, false
	}
	return example, true
}

// PredictWaste asks the service for a waste estimate. Failures are returned.
func (s *Store) PredictWaste(ctx context.Context, input models.Document) (models.Document, error) {
	doc, err := s.backend.Predict(ctx, input)
	if err != nil {
		s.logger.Error("waste prediction failed", zap.String("op", "store.PredictWaste"), zap.Error(err))
		return nil, err
	}
	return doc, nil
}

// Optimize runs an optimization and records a successful result at the head of the
// history. On failure history and the current result are left untouched.
func (s *Store) Optimize(ctx context.Context, input models.Document) (models.Document, error) {
	seq := s.begin()
	defer s.finish()

	result, err := s.backend.Optimize(ctx, input)
	if err != nil {
		s.logger.Error("optimization failed", zap.String("op", "store.Optimize"), zap.Uint64("seq", seq), zap.Error(err))
		return nil, err
	}

	entry := models.HistoryEntry{
		ID:        s.newID(),
		Timestamp: s.now(),
		Config:    configOf(input),
		Result:    result.Clone(),
	}

	events := make([]models.Event, 0, 2)
	s.mu.Lock()
	s.prependLocked(entry)
	events = append(events, entryEvent(models.EventHistoryAdded, entry))
	if seq > s.applied {
		s.applied = seq
		s.current = result.Clone()
		events = append(events, models.Event{Type: models.EventResultChanged, Result: result.Clone()})
	} else {
		s.logger.Debug("stale optimization result kept out of current",
			zap.String("op", "store.Optimize"), zap.Uint64("seq", seq), zap.Uint64("applied", s.applied))
	}
	s.unlockAndEmit(events...)
	return result, nil
}

func (s *Store) begin() uint64 {
	s.mu.Lock()
	s.inFlight++
	s.issued++
	seq := s.issued
	if s.inFlight == 1 {
		s.unlockAndEmit(models.Event{Type: models.EventStateChanged, State: models.StateLoading})
	} else {
		s.mu.Unlock()
	}
	return seq
}

func (s *Store) finish() {
	s.mu.Lock()
	s.inFlight--
	if s.inFlight == 0 {
		s.unlockAndEmit(models.Event{Type: models.EventStateChanged, State: models.StateIdle})
		return
	}
	s.mu.Unlock()
}

// SaveToHistory promotes result into the history as a saved entry.
func (s *Store) SaveToHistory(result models.Document) models.HistoryEntry {
	now := s.now()
	entry := models.HistoryEntry{
		ID:        s.newID(),
		Timestamp: now,
		Config:    configOf(result),
		Result:    result.Clone(),
		Saved:     true,
		SavedAt:   &now,
	}
	s.mu.Lock()
	s.prependLocked(entry)
	s.unlockAndEmit(entryEvent(models.EventHistoryAdded, entry))
	return entry.Copy()
}

func (s *Store) prependLocked(entry models.HistoryEntry) {
	s.history = append(s.history, models.HistoryEntry{})
	copy(s.history[1:], s.history)
	s.history[0] = entry
}

// DeleteFromHistory removes the entry with id. It reports whether one was removed.
func (s *Store) DeleteFromHistory(id uuid.UUID) bool {
	s.mu.Lock()
	idx := -1
	for i, e := range s.history {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.history = append(s.history[:idx], s.history[idx+1:]...)
	s.unlockAndEmit(models.Event{Type: models.EventHistoryRemoved, EntryID: &id})
	return true
}

func (s *Store) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.unlockAndEmit(models.Event{Type: models.EventHistoryCleared})
}

func (s *Store) State() models.OperationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() models.OperationState {
	if s.inFlight > 0 {
		return models.StateLoading
	}
	return models.StateIdle
}

func (s *Store) IsLoading() bool { return s.State() == models.StateLoading }

// CurrentResult returns the most recent accepted result, or nil.
func (s *Store) CurrentResult() models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// History returns the entries, most recent first.
func (s *Store) History() []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyLocked()
}

func (s *Store) historyLocked() []models.HistoryEntry {
	out := make([]models.HistoryEntry, len(s.history))
	for i, e := range s.history {
		out[i] = e.Copy()
	}
	return out
}

func (s *Store) Entry(id uuid.UUID) (models.HistoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.history {
		if e.ID == id {
			return e.Copy(), true
		}
	}
	return models.HistoryEntry{}, false
}

func (s *Store) Stats() models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// TotalOptimizations is the number of entries in the local history.
func (s *Store) TotalOptimizations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Store) AverageTime() float64 { return s.Stats().AverageTime }

func (s *Store) AverageWaste() float64 { return s.Stats().AverageWaste }

func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.Snapshot{
		State:              s.stateLocked(),
		CurrentResult:      s.current.Clone(),
		History:            s.historyLocked(),
		Stats:              s.stats,
		TotalOptimizations: len(s.history),
		AverageTime:        s.stats.AverageTime,
		AverageWaste:       s.stats.AverageWaste,
	}
}

// configOf copies the "config" value of doc as given, object or not.
func configOf(doc models.Document) any {
	v, ok := doc["config"]
	if !ok {
		return nil
	}
	return models.CloneValue(v)
}

func entryEvent(t models.EventType, entry models.HistoryEntry) models.Event {
	cp := entry.Copy()
	id := entry.ID
	return models.Event{Type: t, Entry: &cp, EntryID: &id}
}
