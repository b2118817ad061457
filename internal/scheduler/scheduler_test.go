package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-reconciler/internal/memstore"
	"order-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
	err   error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan string, 16)}
}

func (h *recordingHandler) HandleTimeout(ctx context.Context, orderID string) (*models.Order, error) {
	h.mu.Lock()
	h.fired = append(h.fired, orderID)
	h.mu.Unlock()
	h.ch <- orderID
	return nil, h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func TestTimerSchedulerFires(t *testing.T) {
	h := newRecordingHandler()
	s := NewTimerScheduler(h, time.Second)
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), "o1", time.Now().Add(10*time.Millisecond)))

	select {
	case id := <-h.ch:
		assert.Equal(t, "o1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not fired")
	}
	assert.Zero(t, s.Pending())
}

func TestTimerSchedulerCancel(t *testing.T) {
	h := newRecordingHandler()
	s := NewTimerScheduler(h, time.Second)
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), "o1", time.Now().Add(30*time.Millisecond)))
	s.Cancel(context.Background(), "o1")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.count())
}

func TestTimerSchedulerReschedule(t *testing.T) {
	h := newRecordingHandler()
	s := NewTimerScheduler(h, time.Second)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "o1", time.Now().Add(20*time.Millisecond)))
	require.NoError(t, s.Schedule(ctx, "o1", time.Now().Add(time.Hour)))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.count())
	assert.Equal(t, 1, s.Pending())
}

func TestTimerSchedulerStopped(t *testing.T) {
	s := NewTimerScheduler(newRecordingHandler(), time.Second)
	s.Stop()
	assert.Error(t, s.Schedule(context.Background(), "o1", time.Now()))
}

func TestDelaySeconds(t *testing.T) {
	now := time.Now()
	assert.Equal(t, uint32(0), delaySeconds(now, now.Add(-time.Second)))
	assert.Equal(t, uint32(120), delaySeconds(now, now.Add(120*time.Second)))
	assert.Equal(t, uint32(2), delaySeconds(now, now.Add(1500*time.Millisecond)))
}

func TestLmstfyProcess(t *testing.T) {
	h := newRecordingHandler()
	s := NewLmstfyScheduler(LmstfyConfig{Host: "localhost", Port: 7777, Namespace: "ns", Queue: "q"}, h)

	assert.True(t, s.process(context.Background(), []byte(`{"order_id":"o1","due_at":"2024-01-01T00:00:00Z"}`)))
	assert.Equal(t, "o1", <-h.ch)

	// malformed jobs are dropped
	assert.True(t, s.process(context.Background(), []byte(`nope`)))

	h.err = models.ErrOrderAlreadyFinalized
	assert.True(t, s.process(context.Background(), []byte(`{"order_id":"o2"}`)))
	<-h.ch

	h.err = errors.New("store down")
	assert.False(t, s.process(context.Background(), []byte(`{"order_id":"o3"}`)))
	<-h.ch
}

type fakeLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *fakeLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, errors.New("lock busy")
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
		return nil
	}, nil
}

func TestPrunerRunOnce(t *testing.T) {
	ctx := context.Background()
	ix := memstore.NewIndex()
	now := time.Now()

	require.NoError(t, ix.Put(ctx, "old", "o1"))
	require.NoError(t, ix.MarkResolved(ctx, "old", now.Add(-48*time.Hour)))
	require.NoError(t, ix.Put(ctx, "open", "o2"))

	locker := &fakeLocker{}
	p := NewPruner(ix, locker, 24*time.Hour)

	assert.Equal(t, 1, p.RunOnce(ctx))
	assert.False(t, locker.held)

	_, err := ix.Lookup(ctx, "open")
	assert.NoError(t, err)
}

func TestPrunerSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	ix := memstore.NewIndex()
	require.NoError(t, ix.Put(ctx, "old", "o1"))
	require.NoError(t, ix.MarkResolved(ctx, "old", time.Now().Add(-48*time.Hour)))

	locker := &fakeLocker{held: true}
	p := NewPruner(ix, locker, 24*time.Hour)

	assert.Zero(t, p.RunOnce(ctx))
	_, err := ix.Lookup(ctx, "old")
	assert.NoError(t, err)
}

func TestPrunerStartRejectsBadSpec(t *testing.T) {
	p := NewPruner(memstore.NewIndex(), nil, time.Hour)
	assert.Error(t, p.Start("not a cron spec"))
}
