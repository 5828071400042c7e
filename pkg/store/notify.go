package store

import (
	"sync"

	"fedstore/pkg/types"
)

// activityNotifier fans newly recorded activities out to live
// subscribers. Slow subscribers drop entries rather than blocking the
// write path.
type activityNotifier struct {
	mu   sync.Mutex
	subs map[chan *types.FederatedActivity]struct{}
}

func newActivityNotifier() *activityNotifier {
	return &activityNotifier{
		subs: make(map[chan *types.FederatedActivity]struct{}),
	}
}

func (n *activityNotifier) subscribe() (<-chan *types.FederatedActivity, func()) {
	ch := make(chan *types.FederatedActivity, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *activityNotifier) publish(activity *types.FederatedActivity) {
	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- activity:
		default:
			// drop instead of blocking the recorder
		}
	}
	n.mu.Unlock()
}
