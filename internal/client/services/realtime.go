package services

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/dmitrijs2005/famsync/internal/retry"
)

// Subscription is an open change feed for one family.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

// ChangeSource opens change feeds.
type ChangeSource interface {
	Subscribe(ctx context.Context, groupID string) (Subscription, error)
}

// ChangeSourceFunc adapts a function to ChangeSource.
type ChangeSourceFunc func(ctx context.Context, groupID string) (Subscription, error)

func (f ChangeSourceFunc) Subscribe(ctx context.Context, groupID string) (Subscription, error) {
	return f(ctx, groupID)
}

// Resyncer reloads the membership view.
type Resyncer interface {
	Resync(ctx context.Context) error
}

const eventQueueSize = 64

// RealtimeReconciler turns family change events into membership resyncs.
// At most one subscription is open; every received event queues exactly
// one resync, run in order by a single worker goroutine. A feed that ends
// on its own is reopened for the same family with the executor's backoff.
type RealtimeReconciler struct {
	source ChangeSource
	resync Resyncer
	exec   *retry.Executor
	logger logging.Logger

	mu      sync.Mutex
	groupID string
	sub     Subscription
	pumped  chan struct{}
	stopped bool
	// cancelReopen aborts a reopen in progress for the current feed.
	cancelReopen context.CancelFunc

	queue      chan models.ChangeEvent
	quit       chan struct{}
	workerDone chan struct{}
	stopOnce   sync.Once
}

// NewRealtimeReconciler starts the resync worker. Call Stop to release it.
// exec paces reopening a feed that ended.
func NewRealtimeReconciler(source ChangeSource, resync Resyncer, exec *retry.Executor, logger logging.Logger) *RealtimeReconciler {
	r := &RealtimeReconciler{
		source:     source,
		resync:     resync,
		exec:       exec,
		logger:     logger.With("component", "realtime"),
		queue:      make(chan models.ChangeEvent, eventQueueSize),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go r.work()
	return r
}

func (r *RealtimeReconciler) work() {
	defer close(r.workerDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.quit
		cancel()
	}()

	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.queue:
			r.logger.Debug(ctx, "change received", "table", ev.Table, "type", ev.Type)
			if err := r.resync.Resync(ctx); err != nil {
				r.logger.Warn(ctx, "resync failed", "table", ev.Table, "error", err)
			}
		}
	}
}

// GroupID returns the family currently subscribed to, or "".
func (r *RealtimeReconciler) GroupID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupID
}

// Watch subscribes to groupID, closing any previous subscription first.
// An empty groupID only tears down. Watching the current group is a no-op
// while its feed is open.
func (r *RealtimeReconciler) Watch(ctx context.Context, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || (groupID == r.groupID && r.sub != nil && !isClosed(r.pumped)) {
		return nil
	}
	r.teardownLocked(ctx)
	if groupID == "" {
		return nil
	}

	sub, err := r.source.Subscribe(ctx, groupID)
	if err != nil {
		return err
	}
	r.groupID = groupID
	r.startLocked(sub)
	r.logger.Info(ctx, "subscribed to family changes", "group_id", groupID)
	return nil
}

func (r *RealtimeReconciler) startLocked(sub Subscription) {
	r.sub = sub
	r.pumped = make(chan struct{})
	go r.pump(sub, r.groupID, r.pumped)
}

func (r *RealtimeReconciler) pump(sub Subscription, groupID string, done chan struct{}) {
	ended := r.forward(sub)
	close(done)
	if ended {
		r.reopen(sub, groupID)
	}
}

// forward queues events until the feed ends, reporting false if the
// reconciler stopped first.
func (r *RealtimeReconciler) forward(sub Subscription) bool {
	for ev := range sub.Events() {
		select {
		case r.queue <- ev:
		case <-r.quit:
			return false
		}
	}
	return true
}

// reopen replaces a feed that ended without teardown. It gives up when the
// feed is torn down or replaced meanwhile, or the executor runs out of
// attempts; the next Watch for the family then starts over.
func (r *RealtimeReconciler) reopen(ended Subscription, groupID string) {
	r.mu.Lock()
	if r.stopped || r.sub != ended {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelReopen = cancel
	r.mu.Unlock()
	defer cancel()

	r.logger.Warn(ctx, "change feed ended, resubscribing", "group_id", groupID)
	sub, err := retry.Do(ctx, r.exec, "resubscribe", func(ctx context.Context) (Subscription, error) {
		return r.source.Subscribe(ctx, groupID)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.stopped || r.sub != ended {
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	r.cancelReopen = nil
	if err != nil {
		r.logger.Error(ctx, "resubscribe failed", "group_id", groupID, "error", err)
		return
	}
	_ = ended.Close()
	r.startLocked(sub)
	r.logger.Info(ctx, "resubscribed to family changes", "group_id", groupID)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (r *RealtimeReconciler) teardownLocked(ctx context.Context) {
	if r.cancelReopen != nil {
		r.cancelReopen()
		r.cancelReopen = nil
	}
	if r.sub == nil {
		return
	}
	if err := r.sub.Close(); err != nil {
		r.logger.Warn(ctx, "closing subscription failed", "group_id", r.groupID, "error", err)
	}
	<-r.pumped
	r.logger.Info(ctx, "unsubscribed from family changes", "group_id", r.groupID)
	r.groupID, r.sub, r.pumped = "", nil, nil
}

// Run follows state snapshots: while authenticated it watches the active
// family, otherwise it tears the subscription down. It returns when ctx is
// done or snapshots is closed, stopping the reconciler.
func (r *RealtimeReconciler) Run(ctx context.Context, snapshots <-chan state.Snapshot) {
	defer r.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			gid := ""
			if snap.Auth == models.AuthAuthenticated {
				gid = snap.GroupID()
			}
			if err := r.Watch(ctx, gid); err != nil {
				r.logger.Warn(ctx, "subscribe failed", "group_id", gid, "error", err)
			}
		}
	}
}

// Stop closes the subscription and the worker. It is safe to call more
// than once.
func (r *RealtimeReconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.mu.Lock()
		r.teardownLocked(context.Background())
		r.stopped = true
		r.mu.Unlock()
		<-r.workerDone
	})
}
