package database

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/storage"
	"github.com/chihaya/unit3d/storage/memory"
)

var errUnavailable = errors.New("database unavailable")

type fakeStore struct {
	sync.Mutex
	peers   []Entry
	batches []Batch
	fail    bool
	ctxs    []context.Context
}

func (s *fakeStore) LoadPeers(context.Context) ([]Entry, error) {
	s.Lock()
	defer s.Unlock()
	if s.fail {
		return nil, errUnavailable
	}
	return s.peers, nil
}

func (s *fakeStore) ApplyBatch(ctx context.Context, b Batch) error {
	s.Lock()
	defer s.Unlock()
	s.ctxs = append(s.ctxs, ctx)
	if s.fail {
		return errUnavailable
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeStore) Stop() stop.Result { return stop.AlreadyStopped }

func (s *fakeStore) setFail(fail bool) {
	s.Lock()
	defer s.Unlock()
	s.fail = fail
}

func (s *fakeStore) lastBatch() Batch {
	s.Lock()
	defer s.Unlock()
	return s.batches[len(s.batches)-1]
}

func (s *fakeStore) batchCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.batches)
}

// hangingStore never completes a batch before its context is done.
type hangingStore struct {
	started chan struct{}
	once    sync.Once
	calls   int32
}

func (s *hangingStore) LoadPeers(context.Context) ([]Entry, error) { return nil, nil }

func (s *hangingStore) ApplyBatch(ctx context.Context, _ Batch) error {
	atomic.AddInt32(&s.calls, 1)
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (s *hangingStore) Stop() stop.Result { return stop.AlreadyStopped }

func testIndex(user uint32) bittorrent.Index {
	return bittorrent.Index{
		UserID: user,
		PeerID: bittorrent.PeerIDFromString(fmt.Sprintf("-TR3000-%012d", user)),
	}
}

func testPeer(user, torrentID uint32) bittorrent.Peer {
	return bittorrent.Peer{
		IP:        netip.MustParseAddr("10.0.0.1"),
		Port:      51413,
		UserID:    user,
		TorrentID: torrentID,
		IsActive:  true,
		UpdatedAt: time.Unix(1600000000, 0),
	}
}

type flushTest struct {
	store   *fakeStore
	ps      storage.PeerStore
	queue   *Queue
	flusher *Flusher
}

func newFlushTest(t *testing.T) *flushTest {
	ft := &flushTest{
		store: &fakeStore{},
		ps:    memory.New(memory.Config{ShardCount: 4}),
		queue: NewQueue(),
	}
	ft.flusher = NewFlusher(FlusherConfig{Interval: time.Hour, ShutdownTimeout: time.Second}, ft.store, ft.ps, ft.queue)
	t.Cleanup(func() { ft.ps.Stop().Wait() })
	return ft
}

// put stores a peer and records it the way an announce does.
func (ft *flushTest) put(user, torrentID uint32, up, creditedUp uint64) {
	idx := testIndex(user)
	p := testPeer(user, torrentID)
	_, updated := ft.ps.Put(idx, p)

	kind := storage.Inserted
	if updated {
		kind = storage.Updated
	}
	ft.queue.Record(storage.Change{Kind: kind, Index: idx, Peer: p, Uploaded: up, CreditedUploaded: creditedUp})
}

func (ft *flushTest) remove(user uint32) {
	idx := testIndex(user)
	p, _ := ft.ps.Delete(idx)
	ft.queue.Record(storage.Change{Kind: storage.Removed, Index: idx, Peer: p})
}

func TestFlushEmpty(t *testing.T) {
	ft := newFlushTest(t)

	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, 0, ft.store.batchCount())
}

func TestFlushUpsertsAndDeletes(t *testing.T) {
	ft := newFlushTest(t)

	ft.put(3, 7, 0, 0)
	ft.put(1, 7, 0, 0)
	ft.put(2, 8, 0, 0)
	ft.remove(1)

	require.Equal(t, 3, ft.queue.Len())
	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, 0, ft.queue.Len())

	b := ft.store.lastBatch()
	require.Equal(t, []Entry{
		{Index: testIndex(3), Peer: testPeer(3, 7)},
		{Index: testIndex(2), Peer: testPeer(2, 8)},
	}, b.Upserts)
	require.Equal(t, []bittorrent.Index{testIndex(1)}, b.Deletes)

	// Nothing new, nothing written.
	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, 1, ft.store.batchCount())
}

func TestFlushResolvesAgainstPeerStore(t *testing.T) {
	ft := newFlushTest(t)

	// A sweep evicted the peer, then it announced again before the flush.
	ft.put(1, 7, 0, 0)
	ft.remove(1)
	ft.put(1, 7, 0, 0)

	require.Nil(t, ft.flusher.Flush(context.Background()))
	b := ft.store.lastBatch()
	require.Len(t, b.Upserts, 1)
	require.Empty(t, b.Deletes)
}

func TestFlushSumsCredit(t *testing.T) {
	ft := newFlushTest(t)

	ft.put(1, 7, 100, 200)
	ft.put(1, 7, 50, 100)
	ft.put(1, 8, 10, 20)
	ft.put(2, 7, 0, 0)

	require.Nil(t, ft.flusher.Flush(context.Background()))
	b := ft.store.lastBatch()

	require.Equal(t, []History{
		{UserID: 1, TorrentID: 7, Uploaded: 150, CreditedUploaded: 300, IsActive: true},
		{UserID: 1, TorrentID: 8, Uploaded: 10, CreditedUploaded: 20, IsActive: true},
		{UserID: 2, TorrentID: 7, IsActive: true},
	}, b.History)
	require.Equal(t, []UserCredit{{UserID: 1, Uploaded: 320}}, b.Users)
}

func TestFlushRemovedIsInactiveHistory(t *testing.T) {
	ft := newFlushTest(t)

	ft.put(1, 7, 0, 0)
	ft.remove(1)

	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, []History{{UserID: 1, TorrentID: 7}}, ft.store.lastBatch().History)
}

func TestFlushHistoryActiveWhileAnyPeerIs(t *testing.T) {
	ft := newFlushTest(t)

	laptop := bittorrent.Index{UserID: 1, PeerID: bittorrent.PeerIDFromString("-TR3000-laptop000000")}
	server := bittorrent.Index{UserID: 1, PeerID: bittorrent.PeerIDFromString("-TR3000-server000000")}
	for _, idx := range []bittorrent.Index{laptop, server} {
		p := testPeer(1, 7)
		ft.ps.Put(idx, p)
		ft.queue.Record(storage.Change{Kind: storage.Inserted, Index: idx, Peer: p})
	}
	require.Nil(t, ft.flusher.Flush(context.Background()))

	// The laptop goes quiet while the server keeps seeding.
	p := testPeer(1, 7)
	p.IsActive = false
	ft.ps.Put(laptop, p)
	ft.queue.Record(storage.Change{Kind: storage.Updated, Index: laptop, Peer: p})

	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, []History{{UserID: 1, TorrentID: 7, IsActive: true}}, ft.store.lastBatch().History)

	// Once the server leaves the history is inactive.
	deleted, _ := ft.ps.Delete(server)
	ft.queue.Record(storage.Change{Kind: storage.Removed, Index: server, Peer: deleted})

	require.Nil(t, ft.flusher.Flush(context.Background()))
	require.Equal(t, []History{{UserID: 1, TorrentID: 7}}, ft.store.lastBatch().History)
}

func TestSweepThenFlush(t *testing.T) {
	ft := newFlushTest(t)
	sweeper := storage.NewSweeper(storage.SweeperConfig{
		Interval:    time.Hour,
		ActiveTTL:   time.Minute,
		InactiveTTL: time.Hour,
	}, ft.ps, ft.queue)

	ft.put(1, 7, 0, 0)
	require.Nil(t, ft.flusher.Flush(context.Background()))
	announced := testPeer(1, 7).UpdatedAt

	// Silent past ActiveTTL: demoted and written as inactive.
	result := sweeper.Sweep(announced.Add(2 * time.Minute))
	require.Equal(t, 1, result.Demoted)
	require.Nil(t, ft.flusher.Flush(context.Background()))

	b := ft.store.lastBatch()
	demoted := testPeer(1, 7)
	demoted.IsActive = false
	require.Equal(t, []Entry{{Index: testIndex(1), Peer: demoted}}, b.Upserts)
	require.Empty(t, b.Deletes)
	require.Equal(t, []History{{UserID: 1, TorrentID: 7}}, b.History)

	// Silent past InactiveTTL: evicted and deleted.
	result = sweeper.Sweep(announced.Add(2 * time.Hour))
	require.Equal(t, 1, result.Evicted)
	require.Equal(t, 0, ft.ps.Len())
	require.Nil(t, ft.flusher.Flush(context.Background()))

	b = ft.store.lastBatch()
	require.Empty(t, b.Upserts)
	require.Equal(t, []bittorrent.Index{testIndex(1)}, b.Deletes)
	require.Equal(t, 3, ft.store.batchCount())
}

func TestFlushRetry(t *testing.T) {
	ft := newFlushTest(t)

	ft.put(1, 7, 100, 100)
	ft.put(2, 7, 0, 0)

	ft.store.setFail(true)
	require.Equal(t, errUnavailable, ft.flusher.Flush(context.Background()))
	require.Equal(t, 2, ft.queue.Len())

	// Recorded while the database was down.
	ft.put(3, 7, 0, 0)
	ft.put(1, 7, 50, 50)

	ft.store.setFail(false)
	require.Nil(t, ft.flusher.Flush(context.Background()))

	b := ft.store.lastBatch()
	require.Equal(t, []bittorrent.Index{testIndex(1), testIndex(2), testIndex(3)}, []bittorrent.Index{
		b.Upserts[0].Index, b.Upserts[1].Index, b.Upserts[2].Index,
	})
	require.Equal(t, uint64(150), b.History[0].CreditedUploaded)
	require.Equal(t, []UserCredit{{UserID: 1, Uploaded: 150}}, b.Users)
}

func TestFlusherStopFlushes(t *testing.T) {
	ft := newFlushTest(t)
	ft.flusher.Run()

	ft.put(1, 7, 0, 0)
	require.Nil(t, ft.flusher.Stop().Wait())

	require.Equal(t, 1, ft.store.batchCount())
	_, hasDeadline := ft.store.ctxs[0].Deadline()
	require.True(t, hasDeadline)
}

func TestFlusherStopReportsFailure(t *testing.T) {
	ft := newFlushTest(t)
	ft.put(1, 7, 0, 0)
	ft.store.setFail(true)

	errs := ft.flusher.Stop().Wait()
	require.Equal(t, []error{errUnavailable}, errs)
}

func TestFlusherRun(t *testing.T) {
	ft := newFlushTest(t)
	ft.flusher = NewFlusher(FlusherConfig{Interval: 5 * time.Millisecond}, ft.store, ft.ps, ft.queue)
	ft.flusher.Run()
	defer ft.flusher.Stop().Wait()

	ft.put(1, 7, 0, 0)
	require.Eventually(t, func() bool { return ft.store.batchCount() == 1 }, time.Second, time.Millisecond)
}

func TestFlusherStopAbandonsHangingFlush(t *testing.T) {
	ft := newFlushTest(t)
	store := &hangingStore{started: make(chan struct{})}
	f := NewFlusher(FlusherConfig{Interval: 10 * time.Millisecond, ShutdownTimeout: 200 * time.Millisecond}, store, ft.ps, ft.queue)

	ft.put(1, 7, 0, 0)
	f.Run()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background flush never started")
	}

	stopped := make(chan []error, 1)
	go func() { stopped <- f.Stop().Wait() }()

	select {
	case errs := <-stopped:
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while the store hung")
	}

	// The abandoned batch was put back and retried by the final flush.
	require.GreaterOrEqual(t, atomic.LoadInt32(&store.calls), int32(2))
	require.Equal(t, 1, ft.queue.Len())
}

func TestFlusherConfigValidate(t *testing.T) {
	cfg := FlusherConfig{}.Validate()
	require.Equal(t, defaultFlushInterval, cfg.Interval)
	require.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestWarm(t *testing.T) {
	ft := newFlushTest(t)
	ft.store.peers = []Entry{
		{Index: testIndex(1), Peer: testPeer(1, 7)},
		{Index: testIndex(2), Peer: testPeer(2, 7)},
	}

	n, err := Warm(context.Background(), ft.store, ft.ps)
	require.Nil(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, ft.ps.Len())
	require.Equal(t, 0, ft.queue.Len())

	ft.store.setFail(true)
	_, err = Warm(context.Background(), ft.store, ft.ps)
	require.Equal(t, errUnavailable, err)
}

func TestSaturatingAdd(t *testing.T) {
	require.Equal(t, uint64(3), saturatingAdd(1, 2))
	require.Equal(t, ^uint64(0), saturatingAdd(^uint64(0)-1, 2))
}

func TestDriverDoesNotExist(t *testing.T) {
	_, err := NewStore("nonexistent", nil)
	require.Equal(t, ErrDriverDoesNotExist, err)
}
