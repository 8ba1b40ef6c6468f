// Package eventstore is an in-memory delimrpc.QueryHandler. Every
// authenticated user has a separate set of events keyed by event id.
package eventstore

import (
	"slices"
	"sync"

	"github.com/Zereker/delimrpc"
	"github.com/Zereker/delimrpc/message"
)

// Store holds events in memory. It is safe for concurrent use by sessions.
type Store struct {
	mu     sync.RWMutex
	events map[string]map[int64]*message.Event
}

var _ delimrpc.QueryHandler = (*Store)(nil)

func New() *Store {
	return &Store{events: make(map[string]map[int64]*message.Event)}
}

// HandleQuery applies q for the session user and fills resp.
//
// INSERT stores the events and echoes their ids; with WithMerge set, the
// non-zero fields of an event are merged into the stored one. SELECT returns
// the requested events, or every visible event when q names none. DELETE
// removes the events and echoes the ids that existed.
func (s *Store) HandleQuery(q *message.Query, resp *message.Response, info delimrpc.ConnectionInfo) {
	switch q.Type {
	case message.QueryInsert:
		s.insert(info.User, q, resp)
	case message.QuerySelect:
		s.selectEvents(info.User, q, resp)
	case message.QueryDelete:
		s.delete(info.User, q, resp)
	default:
		resp.Emsg = "unknown query type " + q.Type.String()
	}
}

func (s *Store) insert(user string, q *message.Query, resp *message.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[user]
	if events == nil {
		events = make(map[int64]*message.Event)
		s.events[user] = events
	}

	for _, ev := range q.Events {
		if old, ok := events[ev.ID]; ok && q.WithMerge {
			merge(old, ev)
		} else {
			events[ev.ID] = clone(ev)
		}
		resp.AddEvent(ev.ID)
	}
}

func (s *Store) selectEvents(user string, q *message.Query, resp *message.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[user]

	if len(q.Events) == 0 {
		ids := make([]int64, 0, len(events))
		for id, ev := range events {
			if !ev.Hide {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			resp.Events = append(resp.Events, clone(events[id]))
		}
		return
	}

	for _, want := range q.Events {
		if ev, ok := events[want.ID]; ok {
			resp.Events = append(resp.Events, clone(ev))
		}
	}
}

func (s *Store) delete(user string, q *message.Query, resp *message.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[user]
	for _, ev := range q.Events {
		if _, ok := events[ev.ID]; ok {
			delete(events, ev.ID)
			resp.AddEvent(ev.ID)
		}
	}
}

// Len returns the number of events stored for user.
func (s *Store) Len(user string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[user])
}

func clone(ev *message.Event) *message.Event {
	c := *ev
	return &c
}

func merge(dst, src *message.Event) {
	if src.DeviceHash != 0 {
		dst.DeviceHash = src.DeviceHash
	}
	if src.DeviceDT != 0 {
		dst.DeviceDT = src.DeviceDT
	}
	if src.Extra != "" {
		dst.Extra = src.Extra
	}
	dst.Hide = dst.Hide || src.Hide
}

// Stats returns the number of stored events per user.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int, len(s.events))
	for user, events := range s.events {
		stats[user] = len(events)
	}
	return stats
}
