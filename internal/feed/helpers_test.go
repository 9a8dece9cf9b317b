package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// stubFetcher serves a fixed newest-first catalog by range. Setting gate makes
// every call block until the channel is closed.
type stubFetcher struct {
	mu      sync.Mutex
	items   []model.Item
	calls   []model.Query
	err     error
	gate    chan struct{}
	started chan struct{}
}

var errUnavailable = errors.New("catalog unavailable")

func (s *stubFetcher) ListItems(ctx context.Context, q model.Query) ([]model.Item, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	gate, started, err := s.gate, s.started, s.err
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Item
	idx := 0
	for _, it := range s.items {
		if q.Category != "" && it.Category != q.Category {
			continue
		}
		if q.OnlyVisible && !it.Visible {
			continue
		}
		if idx >= q.From && idx <= q.To {
			out = append(out, it)
		}
		idx++
	}
	return out, nil
}

func (s *stubFetcher) setItems(items []model.Item) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

func (s *stubFetcher) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubFetcher) block() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.started = make(chan struct{}, 16)
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *stubFetcher) waitStarted() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	<-started
}

func (s *stubFetcher) queries() []model.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Query(nil), s.calls...)
}

// catalog returns n visible items with ids p01..pNN, newest first.
func catalog(n int, category string) []model.Item {
	out := make([]model.Item, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, item(fmt.Sprintf("p%02d", i), category))
	}
	return out
}

func item(id, category string) model.Item {
	return model.Item{
		ID:          id,
		Title:       "Item " + id,
		Price:       decimal.NewFromInt(10),
		ImageWidth:  1080,
		ImageHeight: 1350,
		Category:    category,
		Visible:     true,
	}
}

func ids(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
