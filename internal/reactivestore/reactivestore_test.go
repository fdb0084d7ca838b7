package reactivestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type demoState struct {
	Count int
}

func TestGetStateReturnsInitial(t *testing.T) {
	s := New(demoState{Count: 1})
	assert.Equal(t, demoState{Count: 1}, s.GetState())
}

func TestSetStateNotifiesSubscribersWithNextAndPrev(t *testing.T) {
	s := New(demoState{Count: 0})

	var gotNext, gotPrev demoState
	s.Subscribe(func(next, prev demoState) {
		gotNext, gotPrev = next, prev
	})

	s.SetState(demoState{Count: 5})
	assert.Equal(t, demoState{Count: 5}, gotNext)
	assert.Equal(t, demoState{Count: 0}, gotPrev)
	assert.Equal(t, demoState{Count: 5}, s.GetState())
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New(demoState{})
	calls := 0
	unsub := s.Subscribe(func(next, prev demoState) { calls++ })

	s.SetState(demoState{Count: 1})
	unsub()
	s.SetState(demoState{Count: 2})

	assert.Equal(t, 1, calls)
}

func TestUpdateAppliesFunctionAndCommits(t *testing.T) {
	s := New(demoState{Count: 1})
	s.Update(func(cur demoState) demoState {
		cur.Count++
		return cur
	})
	assert.Equal(t, demoState{Count: 2}, s.GetState())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := New(demoState{})
	unsub := s.Subscribe(func(demoState, demoState) {})
	unsub()
	assert.NotPanics(t, unsub)
}
