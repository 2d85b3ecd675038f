package engine

import (
	"log/slog"
	"sync"
)

// notifier batches completed ids and hands them to the affinity dispatcher.
// The first insertion into an empty batch schedules exactly one fan-out;
// everything reported before that fan-out clears the batch rides along with
// it, so the dispatcher sees at most one hand-off per burst of completions.
type notifier struct {
	mu         sync.Mutex
	batch      map[int64]struct{}
	dispatcher Dispatcher
	pending    *pendingTable
}

func newNotifier(dispatcher Dispatcher, pending *pendingTable) *notifier {
	return &notifier{
		batch:      make(map[int64]struct{}),
		dispatcher: dispatcher,
		pending:    pending,
	}
}

// reportSuccess adds id to the current batch, scheduling a fan-out if none
// is already pending.
func (n *notifier) reportSuccess(id int64) {
	n.mu.Lock()
	schedule := len(n.batch) == 0
	n.batch[id] = struct{}{}
	n.mu.Unlock()

	if schedule {
		n.dispatcher.Dispatch(n.fanOut)
	}
}

// fanOut runs on the affinity dispatcher: it snapshots and clears the batch,
// then notifies every subscriber of every batched id. A subscriber panic is
// logged and never aborts the remaining fan-out.
func (n *notifier) fanOut() {
	n.mu.Lock()
	snapshot := n.batch
	n.batch = make(map[int64]struct{})
	n.mu.Unlock()

	for id := range snapshot {
		for _, sub := range n.pending.take(id) {
			if sub == nil {
				continue
			}
			n.notify(sub, id)
		}
	}
}

func (n *notifier) notify(sub Subscriber, id int64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber_panic", "avatar_id", id, "panic", r)
		}
	}()
	sub.OnUpdated(id)
}
