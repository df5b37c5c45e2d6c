package store

import (
	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
)

// Subscribe registers a listener for store events. The returned function
// unregisters it and closes the channel. A subscriber that falls behind misses
// events instead of blocking the store.
func (s *Store) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, s.bufSize)
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Publish fans ev out to subscribers without touching store state.
func (s *Store) Publish(ev models.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(ev)
}

// Close unregisters every subscriber. Later subscriptions receive a closed channel.
func (s *Store) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// unlockAndEmit releases s.mu and delivers events before any later state change
// can deliver its own.
func (s *Store) unlockAndEmit(events ...models.Event) {
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	s.emit(events...)
}

func (s *Store) emit(events ...models.Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		for id, ch := range s.subs {
			select {
			case ch <- ev:
			default:
				s.logger.Debug("dropping event for slow subscriber",
					zap.String("op", "store.emit"), zap.Int("subscriber", id), zap.String("type", string(ev.Type)))
			}
		}
	}
}
