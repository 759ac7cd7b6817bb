package fabric

import (
	"context"
	"fmt"
	"sync"
)

const subscriptionBuffer = 64

// MemoryFabric is an in-process fan-out used for unit tests and single-node
// development. Delivery is in publish order while the publish context remains
// active; it is not durable.
type MemoryFabric struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{subs: make(map[string][]chan Event)}
}

func (f *MemoryFabric) Publish(ctx context.Context, group string, ev Event) error {
	f.mu.RLock()
	chs := append([]chan Event(nil), f.subs[group]...)
	f.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return fmt.Errorf("publish to %q: %w", group, ctx.Err())
		}
	}
	return nil
}

func (f *MemoryFabric) Subscribe(_ context.Context, group string) (Subscription, error) {
	ch := make(chan Event, subscriptionBuffer)

	f.mu.Lock()
	f.subs[group] = append(f.subs[group], ch)
	f.mu.Unlock()

	return &memorySub{f: f, group: group, ch: ch}, nil
}

type memorySub struct {
	f     *MemoryFabric
	group string
	ch    chan Event
	once  sync.Once
}

func (s *memorySub) C() <-chan Event {
	return s.ch
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		defer s.f.mu.Unlock()

		lst := s.f.subs[s.group]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.f.subs, s.group)
		} else {
			s.f.subs[s.group] = out
		}
		close(s.ch)
	})
	return nil
}

var _ Fabric = (*MemoryFabric)(nil)
