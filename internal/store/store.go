// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
store.go - Normalized In-Memory Message State

The Store holds all chat state observed from the change feed: messages
grouped by channel id, the last message per channel, the process-wide
connection status, and the last connection error.

Single-Writer Discipline:
  - Exactly one writer (the manager) calls the mutating methods.
  - Projections and HTTP handlers are read-only consumers; readers always
    receive copies, never the internal slices.
  - The RWMutex protects readers against the writer; it does not arbitrate
    between writers, because there is only one.

Replay Safety:
  - The change feed may redeliver events. Every mutation is idempotent:
    replaying the same insert, update, or delete leaves the state unchanged.
*/
package store

import (
	"sort"
	"sync"

	"github.com/backdesk/backdesk/internal/models"
)

// Store is the normalized in-memory message state container.
type Store struct {
	mu        sync.RWMutex
	byChannel map[int64][]models.Message
	last      map[int64]models.Message
	status    models.ConnectionStatus
	lastErr   error

	// watchers each carry a coalesced change signal: at most one pending
	// notification per watcher regardless of how many mutations occurred
	// since its last receive. Watchers must rescan state on wakeup.
	watchMu  sync.Mutex
	watchers []chan struct{}
}

// New creates an empty store in the disconnected state.
func New() *Store {
	return &Store{
		byChannel: make(map[int64][]models.Message),
		last:      make(map[int64]models.Message),
		status:    models.StatusDisconnected,
	}
}

// Changed registers and returns a new coalesced change-notification channel.
// A receive means "something changed since you last looked", not one event
// per mutation. Each caller gets its own channel, so independent watchers
// never steal each other's wakeups.
func (s *Store) Changed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchMu.Unlock()
	return ch
}

// notify publishes a coalesced change signal to every watcher. Never blocks.
func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AddMessage inserts a message into its channel's list, keeping the list
// sorted ascending by creation timestamp. Inserting a message whose id is
// already present is a no-op, which makes replayed insert events harmless.
func (s *Store) AddMessage(msg models.Message) {
	s.mu.Lock()
	list := s.byChannel[msg.ChannelID]
	for _, existing := range list {
		if existing.ID == msg.ID {
			s.mu.Unlock()
			return
		}
	}

	// Insert at the sorted position rather than append+sort: arrival order
	// is not timestamp order, and most inserts land at the tail anyway.
	idx := sort.Search(len(list), func(i int) bool { return msg.Before(list[i]) })
	list = append(list, models.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	s.byChannel[msg.ChannelID] = list

	if last, ok := s.last[msg.ChannelID]; !ok || last.Before(msg) {
		s.last[msg.ChannelID] = msg
	}
	s.mu.Unlock()
	s.notify()
}

// UpdateMessage replaces the entry with a matching id inside its channel's
// list. Unknown ids are ignored. The list is re-sorted because an update may
// carry a corrected timestamp, and the last-message pointer is recomputed
// when the update could have moved the tail.
func (s *Store) UpdateMessage(msg models.Message) {
	s.mu.Lock()
	list := s.byChannel[msg.ChannelID]
	found := false
	for i, existing := range list {
		if existing.ID == msg.ID {
			list[i] = msg
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Before(list[j]) })
	s.byChannel[msg.ChannelID] = list
	s.recomputeLastLocked(msg.ChannelID)
	s.mu.Unlock()
	s.notify()
}

// DeleteMessage removes the entry with the given id from the channel's list.
// Deleting the recorded last message recomputes the pointer as the new
// max-by-timestamp of the remaining list, or unsets it when the list empties.
func (s *Store) DeleteMessage(id, channelID int64) {
	s.mu.Lock()
	list := s.byChannel[channelID]
	idx := -1
	for i, existing := range list {
		if existing.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}

	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(s.byChannel, channelID)
	} else {
		s.byChannel[channelID] = list
	}
	s.recomputeLastLocked(channelID)
	s.mu.Unlock()
	s.notify()
}

// SetChannelMessages bulk-replaces a channel's list, typically from a
// historical fetch. The input is deduplicated by id and sorted ascending by
// timestamp; the last-message pointer becomes the tail. A stale fetch result
// merged after live inserts is still correct because the merge replaces the
// whole channel and the feed re-delivers anything newer.
func (s *Store) SetChannelMessages(channelID int64, msgs []models.Message) {
	seen := make(map[int64]struct{}, len(msgs))
	deduped := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		deduped = append(deduped, m)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Before(deduped[j]) })

	s.mu.Lock()
	if len(deduped) == 0 {
		delete(s.byChannel, channelID)
		delete(s.last, channelID)
	} else {
		s.byChannel[channelID] = deduped
		s.last[channelID] = deduped[len(deduped)-1]
	}
	s.mu.Unlock()
	s.notify()
}

// ClearChannel drops all state for a channel id.
func (s *Store) ClearChannel(channelID int64) {
	s.mu.Lock()
	delete(s.byChannel, channelID)
	delete(s.last, channelID)
	s.mu.Unlock()
	s.notify()
}

// SetConnectionStatus records the process-wide connection status.
func (s *Store) SetConnectionStatus(status models.ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify()
}

// SetError records the last connection error. Pass nil to clear it.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
}

// recomputeLastLocked rebuilds the last-message pointer for a channel as the
// max-by-timestamp of its list. Caller must hold s.mu.
func (s *Store) recomputeLastLocked(channelID int64) {
	list := s.byChannel[channelID]
	if len(list) == 0 {
		delete(s.last, channelID)
		return
	}
	// Lists are kept sorted ascending, so the tail is the max.
	s.last[channelID] = list[len(list)-1]
}

// ChannelMessages returns a copy of the channel's message list, sorted
// ascending by creation timestamp.
func (s *Store) ChannelMessages(channelID int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byChannel[channelID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// LastMessage returns the channel's last message by creation timestamp.
func (s *Store) LastMessage(channelID int64) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.last[channelID]
	return msg, ok
}

// LastMessages returns a copy of the whole last-message map. The
// notification feed scans this on every change signal, which keeps burst
// delivery safe: no event granularity is assumed.
func (s *Store) LastMessages() map[int64]models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]models.Message, len(s.last))
	for ch, msg := range s.last {
		out[ch] = msg
	}
	return out
}

// ConnectionStatus returns the process-wide connection status.
func (s *Store) ConnectionStatus() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the most recent connection error, or nil.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
