package core

import (
	"slices"
	"sort"

	"github.com/samber/lo"
)

type storeEntry struct {
	Entry
	// seq is the client arrival order, used to break SentAt ties.
	seq uint64
}

// messageStore is the ordered, de-duplicated message sequence of one room.
// It is not safe for concurrent use; the Reconciler serialises access.
type messageStore struct {
	entries []*storeEntry
	byID    map[string]*storeEntry
	byToken map[string]*storeEntry
	seq     uint64
}

func newMessageStore() *messageStore {
	return &messageStore{
		byID:    make(map[string]*storeEntry),
		byToken: make(map[string]*storeEntry),
	}
}

func less(a, b *storeEntry) bool {
	if a.Message.SentAt.Equal(b.Message.SentAt) {
		return a.seq < b.seq
	}
	return a.Message.SentAt.Before(b.Message.SentAt)
}

// insert places e by (SentAt, seq). A zero seq is assigned the next arrival number.
func (s *messageStore) insert(e *storeEntry) {
	if e.seq == 0 {
		s.seq++
		e.seq = s.seq
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		return less(e, s.entries[i])
	})
	s.entries = slices.Insert(s.entries, i, e)
	s.byID[e.Message.ID] = e
	if e.Message.ClientToken != "" {
		s.byToken[e.Message.ClientToken] = e
	}
}

func (s *messageStore) remove(e *storeEntry) {
	if i := lo.IndexOf(s.entries, e); i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	if s.byID[e.Message.ID] == e {
		delete(s.byID, e.Message.ID)
	}
	if tok := e.Message.ClientToken; tok != "" && s.byToken[tok] == e {
		delete(s.byToken, tok)
	}
}

// unconfirmed returns the pending or failed entry carrying token.
func (s *messageStore) unconfirmed(token string) (*storeEntry, bool) {
	if token == "" {
		return nil, false
	}
	e, ok := s.byToken[token]
	if !ok || e.State == Confirmed {
		return nil, false
	}
	return e, true
}

// apply merges a server copy into the store and reports whether the store changed.
// A copy whose id is already present is dropped; a copy carrying the token of an
// unconfirmed entry replaces that entry.
func (s *messageStore) apply(msg ChatMessage) bool {
	local, hasLocal := s.unconfirmed(msg.ClientToken)
	if _, dup := s.byID[msg.ID]; dup {
		if hasLocal {
			s.remove(local)
			return true
		}
		return false
	}
	e := &storeEntry{Entry: Entry{Message: msg, State: Confirmed}}
	if hasLocal {
		e.seq = local.seq
		s.remove(local)
	}
	s.insert(e)
	return true
}

// replaceConfirmed drops every confirmed entry and merges msgs in their place.
// Unconfirmed entries survive unless msgs confirm them.
func (s *messageStore) replaceConfirmed(msgs []ChatMessage) {
	kept := lo.Filter(s.entries, func(e *storeEntry, _ int) bool {
		return e.State != Confirmed
	})
	s.entries = s.entries[:0]
	clear(s.byID)
	clear(s.byToken)
	for _, e := range kept {
		s.insert(e)
	}
	ordered := slices.Clone(msgs)
	slices.SortStableFunc(ordered, func(a, b ChatMessage) int {
		return a.SentAt.Compare(b.SentAt)
	})
	for _, m := range ordered {
		s.apply(m)
	}
}

func (s *messageStore) reset() {
	s.entries = nil
	clear(s.byID)
	clear(s.byToken)
}

func (s *messageStore) snapshot() []Entry {
	return lo.Map(s.entries, func(e *storeEntry, _ int) Entry {
		return e.Entry
	})
}

func (s *messageStore) len() int {
	return len(s.entries)
}
