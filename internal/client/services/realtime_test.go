package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	groupID string
	events  chan models.ChangeEvent
	once    sync.Once
	closed  atomic.Bool
}

func (s *fakeSub) Events() <-chan models.ChangeEvent { return s.events }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
	return nil
}

type fakeSource struct {
	mu    sync.Mutex
	subs  []*fakeSub
	err   error
	fails int
}

// failNext makes the next n subscribe attempts fail with a connectivity error.
func (f *fakeSource) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = n
}

func (f *fakeSource) Subscribe(_ context.Context, groupID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.fails > 0 {
		f.fails--
		return nil, connErr("realtime.join")
	}
	s := &fakeSub{groupID: groupID, events: make(chan models.ChangeEvent)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSource) all() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func (f *fakeSource) open() []*fakeSub {
	var out []*fakeSub
	for _, s := range f.all() {
		if !s.closed.Load() {
			out = append(out, s)
		}
	}
	return out
}

type countingResync struct{ n atomic.Int32 }

func (c *countingResync) Resync(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestReconciler_OneResyncPerEvent(t *testing.T) {
	src := &fakeSource{}
	rs := &countingResync{}
	r := NewRealtimeReconciler(src, rs, fastExecutor(), logging.Discard())
	defer r.Stop()

	require.NoError(t, r.Watch(context.Background(), "g1"))
	sub := src.all()[0]
	for _, typ := range []models.ChangeType{models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete} {
		sub.events <- models.ChangeEvent{Table: "memberships", Type: typ}
	}

	assert.Eventually(t, func() bool { return rs.n.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), rs.n.Load())
}

func TestReconciler_SingleSubscription(t *testing.T) {
	src := &fakeSource{}
	r := NewRealtimeReconciler(src, &countingResync{}, fastExecutor(), logging.Discard())
	ctx := context.Background()

	require.NoError(t, r.Watch(ctx, "g1"))
	require.NoError(t, r.Watch(ctx, "g1"))
	assert.Len(t, src.all(), 1, "same group keeps the subscription")

	require.NoError(t, r.Watch(ctx, "g2"))
	subs := src.all()
	require.Len(t, subs, 2)
	assert.True(t, subs[0].closed.Load(), "previous subscription is torn down")
	require.Len(t, src.open(), 1)
	assert.Equal(t, "g2", src.open()[0].groupID)
	assert.Equal(t, "g2", r.GroupID())

	require.NoError(t, r.Watch(ctx, ""))
	assert.Empty(t, src.open())
	assert.Empty(t, r.GroupID())

	require.NoError(t, r.Watch(ctx, "g3"))
	r.Stop()
	assert.Empty(t, src.open())
	require.NoError(t, r.Watch(ctx, "g4"))
	assert.Len(t, src.all(), 3, "no subscriptions after stop")
	r.Stop()
}

func TestReconciler_ResubscribesEndedFeed(t *testing.T) {
	src := &fakeSource{}
	rs := &countingResync{}
	r := NewRealtimeReconciler(src, rs, fastExecutor(), logging.Discard())
	defer r.Stop()

	require.NoError(t, r.Watch(context.Background(), "g1"))
	src.failNext(2)
	require.NoError(t, src.all()[0].Close())

	assert.Eventually(t, func() bool { return len(src.open()) == 1 }, time.Second, 5*time.Millisecond)
	subs := src.all()
	require.Len(t, subs, 2, "one replacement after two failed attempts")
	assert.Equal(t, "g1", subs[1].groupID)
	assert.Equal(t, "g1", r.GroupID())

	subs[1].events <- models.ChangeEvent{Table: "memberships", Type: models.ChangeInsert}
	assert.Eventually(t, func() bool { return rs.n.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconciler_TeardownDoesNotResubscribe(t *testing.T) {
	src := &fakeSource{}
	r := NewRealtimeReconciler(src, &countingResync{}, fastExecutor(), logging.Discard())
	ctx := context.Background()

	require.NoError(t, r.Watch(ctx, "g1"))
	require.NoError(t, r.Watch(ctx, ""))
	require.NoError(t, r.Watch(ctx, "g2"))
	r.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, src.all(), 2)
	assert.Empty(t, src.open())
}

func TestReconciler_SubscribeError(t *testing.T) {
	src := &fakeSource{err: errors.New("join rejected")}
	r := NewRealtimeReconciler(src, &countingResync{}, fastExecutor(), logging.Discard())
	defer r.Stop()

	require.Error(t, r.Watch(context.Background(), "g1"))
	assert.Empty(t, r.GroupID())
}

func TestReconciler_RunFollowsState(t *testing.T) {
	src := &fakeSource{}
	r := NewRealtimeReconciler(src, &countingResync{}, fastExecutor(), logging.Discard())
	st := state.New()
	snaps, stop := st.Watch()
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, snaps)
		close(done)
	}()

	st.SetSession(liveSession("u1"))
	st.SetAuthState(models.AuthAuthenticated)
	st.SetMembership(&models.Group{ID: "g1"}, models.RoleAdmin, nil)
	assert.Eventually(t, func() bool { return r.GroupID() == "g1" }, time.Second, 5*time.Millisecond)

	st.ClearSession()
	st.SetAuthState(models.AuthUnauthenticated)
	assert.Eventually(t, func() bool { return r.GroupID() == "" && len(src.open()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Empty(t, src.open())
}
