package stop

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingStopper struct {
	name  string
	err   error
	mu    *sync.Mutex
	order *[]string
}

func (r recordingStopper) Stop() Result {
	c := make(Channel)
	go func() {
		r.mu.Lock()
		*r.order = append(*r.order, r.name)
		r.mu.Unlock()
		c.Done(r.err)
	}()
	return c.Result()
}

func TestAlreadyStopped(t *testing.T) {
	require.Nil(t, AlreadyStoppedFunc().Wait())
}

func TestGroupCollectsErrors(t *testing.T) {
	var mu sync.Mutex
	var order []string
	boom := errors.New("boom")

	g := NewGroup()
	g.Add(recordingStopper{name: "a", mu: &mu, order: &order})
	g.Add(recordingStopper{name: "b", err: boom, mu: &mu, order: &order})
	g.AddFunc(AlreadyStoppedFunc)

	errs := g.Stop().Wait()
	require.Equal(t, []error{boom}, errs)
	require.ElementsMatch(t, []string{"a", "b"}, order)
}

func TestSequenceStopsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	boom := errors.New("boom")

	s := NewSequence()
	s.Add(recordingStopper{name: "sweeper", mu: &mu, order: &order})
	s.Add(recordingStopper{name: "flusher", err: boom, mu: &mu, order: &order})
	s.Add(recordingStopper{name: "store", mu: &mu, order: &order})

	errs := s.Stop().Wait()
	require.Equal(t, []error{boom}, errs)
	require.Equal(t, []string{"sweeper", "flusher", "store"}, order)
}
