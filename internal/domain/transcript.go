package domain

import (
	"slices"
	"sort"
)

// Transcript is an in-memory, display-ordered copy of a conversation. It is
// what callers roll back into when a remote admin mutation fails.
type Transcript struct {
	msgs []Message
}

// NewTranscript copies msgs and sorts them into display order.
func NewTranscript(msgs []Message) *Transcript {
	t := &Transcript{msgs: slices.Clone(msgs)}
	SortMessages(t.msgs)
	return t
}

// Messages returns a copy of the current display list.
func (t *Transcript) Messages() []Message {
	return slices.Clone(t.msgs)
}

func (t *Transcript) Len() int { return len(t.msgs) }

// Find returns the message with the given id.
func (t *Transcript) Find(id string) (Message, bool) {
	if i := t.index(id); i >= 0 {
		return t.msgs[i], true
	}
	return Message{}, false
}

// Insert places m at its sorted position.
func (t *Transcript) Insert(m Message) {
	i := sort.Search(len(t.msgs), func(i int) bool { return m.Before(t.msgs[i]) })
	t.msgs = slices.Insert(t.msgs, i, m)
}

// Remove deletes the message with the given id and returns it.
func (t *Transcript) Remove(id string) (Message, bool) {
	i := t.index(id)
	if i < 0 {
		return Message{}, false
	}
	m := t.msgs[i]
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return m, true
}

// Replace swaps the message with m.ID for m, keeping the list sorted.
func (t *Transcript) Replace(m Message) bool {
	if _, ok := t.Remove(m.ID); !ok {
		return false
	}
	t.Insert(m)
	return true
}

func (t *Transcript) index(id string) int {
	return slices.IndexFunc(t.msgs, func(m Message) bool { return m.ID == id })
}

// SortMessages sorts in place by ascending timestamp, then id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
