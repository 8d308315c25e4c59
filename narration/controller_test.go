package narration

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagafm/saga/internal/audio"
	"github.com/sagafm/saga/internal/transport"
)

// fakeConn is a scripted transport connection.
type fakeConn struct {
	events chan transport.Event

	mu      sync.Mutex
	cancels int
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 32)}
}

func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) SendCancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) emit(ev transport.Event) { f.events <- ev }

func (f *fakeConn) finish(reason transport.CloseReason) {
	f.events <- transport.Closed{Reason: reason}
	close(f.events)
}

func (f *fakeConn) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// harness wires a controller to fakes: it is its own session creator and
// dialer.
type harness struct {
	store *Store
	ctrl  *Controller
	actx  *audio.MockContext

	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	creates int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: NewStore(),
		actx:  audio.NewMockContext(),
	}
	h.ctrl = NewController(h.store, h.actx, h, h.dialFake)
	h.ctrl.closeGrace = 5 * time.Millisecond
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) CreateNarrationSession(_ context.Context, sceneID, _ string) (string, error) {
	h.mu.Lock()
	h.creates++
	h.mu.Unlock()
	return "sess-" + sceneID, nil
}

func (h *harness) dialFake(context.Context, string) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	c := newFakeConn()
	h.conns = append(h.conns, c)
	return c, nil
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func pcmFor(d time.Duration) []byte {
	n := int(d.Seconds() * float64(audio.BytesPerSecond))
	n -= n % audio.BytesPerSample
	return make([]byte, n)
}

func chunk(n int, d time.Duration) transport.ChunkReady {
	return transport.ChunkReady{
		ChunkNumber: n,
		AudioBase64: base64.StdEncoding.EncodeToString(pcmFor(d)),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitForState(t *testing.T, what string, cond func(PlaybackState) bool) {
	t.Helper()
	waitFor(t, what, func() bool { return cond(h.store.Snapshot()) })
}

func TestZeroGapChunkScheduling(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	durations := []time.Duration{2 * time.Second, 1500 * time.Millisecond, 3 * time.Second}
	for i, d := range durations {
		conn.emit(chunk(i+1, d))
	}
	h.waitForState(t, "3 chunks", func(st PlaybackState) bool { return st.ChunksReceived == 3 })

	wantStarts := []time.Duration{0, 2 * time.Second, 3500 * time.Millisecond}
	scheduled := h.ctrl.Scheduler().Scheduled()
	if len(scheduled) != 3 {
		t.Fatalf("scheduled %d buffers, want 3", len(scheduled))
	}
	for i, sb := range scheduled {
		if sb.Start != wantStarts[i] {
			t.Errorf("buffer %d start = %v, want %v", i+1, sb.Start, wantStarts[i])
		}
		if sb.Duration != durations[i] {
			t.Errorf("buffer %d duration = %v, want %v", i+1, sb.Duration, durations[i])
		}
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ctrl.ConnectToSession(ctx, "sess-1", "scene-1"); err != nil {
		t.Fatalf("first attach: %v", err)
	}

	h.conn(0).emit(chunk(1, 50*time.Millisecond))
	h.waitForState(t, "first chunk", func(st PlaybackState) bool { return st.ChunksReceived == 1 })

	if err := h.ctrl.ConnectToSession(ctx, "sess-1", "scene-1"); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if got := h.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (duplicate transport opened)", got)
	}
	if st := h.store.Snapshot(); st.ChunksReceived != 1 {
		t.Errorf("ChunksReceived = %d after re-attach, want 1 (state was reset)", st.ChunksReceived)
	}
	if h.conn(0).isClosed() {
		t.Error("re-attach to the same session closed the transport")
	}
}

func TestEmptyNarrationCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	var playedEver atomic.Bool
	h.store.Subscribe(func(st PlaybackState) {
		if st.IsPlaying {
			playedEver.Store(true)
		}
	})

	h.conn(0).emit(transport.Complete{})
	h.waitForState(t, "completion", func(st PlaybackState) bool { return st.State == StateComplete })

	st := h.store.Snapshot()
	if st.IsGenerating || st.IsPlaying {
		t.Errorf("state after empty narration = %+v, want not generating, not playing", st)
	}
	if st.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %v, want 100", st.ProgressPercent)
	}
	if playedEver.Load() {
		t.Error("IsPlaying became true for an empty narration")
	}
}

func TestCompleteWhileDrainingDelaysEnd(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 400*time.Millisecond))
	h.waitForState(t, "chunk queued", func(st PlaybackState) bool { return st.IsPlaying })

	conn.emit(transport.Complete{})
	h.waitForState(t, "generation complete", func(st PlaybackState) bool { return !st.IsGenerating })

	// Generation reads complete but the timeline is still draining.
	if st := h.store.Snapshot(); !st.IsPlaying {
		t.Error("IsPlaying = false while audio is still draining")
	}
	if st := h.store.Snapshot(); st.State == StateComplete {
		t.Error("end-of-playback declared before the scheduler drained")
	}

	h.waitForState(t, "drain", func(st PlaybackState) bool {
		return st.State == StateComplete && !st.IsPlaying
	})
}

func TestProgressUpdates(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	h.conn(0).emit(transport.Progress{Percent: 42})
	h.waitForState(t, "progress", func(st PlaybackState) bool { return st.ProgressPercent == 42 })
}

func TestTotalChunksHint(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	first := chunk(1, 20*time.Millisecond)
	first.TotalChunks = 5
	h.conn(0).emit(first)
	h.conn(0).emit(chunk(2, 20*time.Millisecond))

	h.waitForState(t, "chunks", func(st PlaybackState) bool { return st.ChunksReceived == 2 })
	if got := h.store.Snapshot().TotalChunks; got != 5 {
		t.Errorf("TotalChunks = %d, want 5 (hint from first chunk kept)", got)
	}
}

func TestStopResetsToIdleDefault(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 10*time.Second))
	h.waitForState(t, "chunk queued", func(st PlaybackState) bool { return st.IsPlaying })

	h.ctrl.Stop()

	if st := h.store.Snapshot(); st != (PlaybackState{}) {
		t.Errorf("state after Stop = %+v, want idle default", st)
	}
	if scheduled := h.ctrl.Scheduler().Scheduled(); len(scheduled) != 0 {
		t.Errorf("%d buffers still scheduled after Stop", len(scheduled))
	}
	if got := conn.cancelCount(); got != 1 {
		t.Errorf("cancel sent %d times, want 1", got)
	}
	waitFor(t, "grace close", conn.isClosed)

	// Stop again from idle is a no-op.
	h.ctrl.Stop()
	if st := h.store.Snapshot(); st != (PlaybackState{}) {
		t.Errorf("state after second Stop = %+v, want idle default", st)
	}
}

func TestChunkScopedErrorIsNonFatal(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 20*time.Millisecond))
	h.waitForState(t, "first chunk", func(st PlaybackState) bool { return st.ChunksReceived == 1 })

	conn.emit(transport.ErrorEvent{Message: "synthesis failed for chunk 2"})
	conn.emit(chunk(3, 20*time.Millisecond))

	h.waitForState(t, "third chunk", func(st PlaybackState) bool { return st.ChunksReceived == 2 })
	if st := h.store.Snapshot(); st.Err != "" {
		t.Errorf("Err = %q after chunk-scoped error with prior success, want empty", st.Err)
	}
	if conn.isClosed() {
		t.Error("chunk-scoped error closed the session")
	}
}

func TestChunkScopedErrorSurfacedWhenNothingSucceeded(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(transport.ErrorEvent{Message: "synthesis failed for chunk 1"})
	h.waitForState(t, "surfaced error", func(st PlaybackState) bool { return st.Err != "" })

	// Session stays up and later chunks still play.
	conn.emit(chunk(2, 20*time.Millisecond))
	h.waitForState(t, "later chunk", func(st PlaybackState) bool { return st.ChunksReceived == 1 })
	if conn.isClosed() {
		t.Error("session was torn down by a chunk-scoped error")
	}
}

func TestFatalErrorTearsDownSession(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 20*time.Millisecond))
	h.waitForState(t, "chunk queued", func(st PlaybackState) bool { return st.IsPlaying })

	conn.emit(transport.ErrorEvent{Message: "voice model unavailable"})
	h.waitForState(t, "fatal error", func(st PlaybackState) bool { return st.State == StateError })

	st := h.store.Snapshot()
	if st.Err != "voice model unavailable" {
		t.Errorf("Err = %q, want the backend message", st.Err)
	}
	if st.IsGenerating || st.IsPlaying {
		t.Errorf("state after fatal error = %+v, want stopped", st)
	}
	if scheduled := h.ctrl.Scheduler().Scheduled(); len(scheduled) != 0 {
		t.Errorf("%d buffers still scheduled after fatal error", len(scheduled))
	}
	waitFor(t, "transport close", conn.isClosed)
}

func TestDecodeFailureDoesNotAbortSession(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(transport.ChunkReady{ChunkNumber: 1, AudioBase64: "??bad??"})
	conn.emit(chunk(2, 20*time.Millisecond))

	h.waitForState(t, "good chunk", func(st PlaybackState) bool { return st.ChunksReceived == 1 })
	if conn.isClosed() {
		t.Error("decode failure closed the session")
	}
}

func TestAudioNotEnabledSurfacesActionableError(t *testing.T) {
	h := newHarness(t)
	h.actx.FailReady = true
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 20*time.Millisecond))
	h.waitForState(t, "audio error", func(st PlaybackState) bool { return st.Err == msgAudioNotEnabled })

	st := h.store.Snapshot()
	if st.IsPlaying {
		t.Error("IsPlaying = true though nothing was scheduled")
	}
	if conn.isClosed() {
		t.Error("audio-permission error tore down the session")
	}

	// Once the output unlocks, the next chunk plays.
	h.actx.FailReady = false
	conn.emit(chunk(2, 20*time.Millisecond))
	h.waitForState(t, "recovery", func(st PlaybackState) bool { return st.IsPlaying })
}

func TestPlaySceneSwitchTearsDownPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.PlayScene(ctx, "42"); err != nil {
		t.Fatalf("PlayScene 42: %v", err)
	}
	h.conn(0).emit(chunk(1, 10*time.Second))
	h.waitForState(t, "scene 42 playing", func(st PlaybackState) bool { return st.IsPlaying })

	if err := h.ctrl.PlayScene(ctx, "43"); err != nil {
		t.Fatalf("PlayScene 43: %v", err)
	}

	waitFor(t, "first transport closed", h.conn(0).isClosed)
	if got := h.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}

	st := h.store.Snapshot()
	if st.SessionID != "sess-43" || st.SceneID != "43" {
		t.Errorf("active session = %q/%q, want sess-43/43", st.SessionID, st.SceneID)
	}
	if st.ChunksReceived != 0 || st.IsPlaying {
		t.Errorf("counters not reset on switch: %+v", st)
	}
	if scheduled := h.ctrl.Scheduler().Scheduled(); len(scheduled) != 0 {
		t.Errorf("%d buffers from the old session still scheduled", len(scheduled))
	}

	// Late events from the torn-down session are dropped.
	h.conn(0).emit(chunk(2, 10*time.Second))
	h.conn(1).emit(chunk(1, 20*time.Millisecond))
	h.waitForState(t, "scene 43 chunk", func(st PlaybackState) bool { return st.ChunksReceived == 1 })
	if got := h.store.Snapshot().SceneID; got != "43" {
		t.Errorf("SceneID = %q, want 43", got)
	}
}

func TestSessionExpiredCloseWhileGenerating(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 300*time.Millisecond))
	h.waitForState(t, "chunk queued", func(st PlaybackState) bool { return st.IsPlaying })

	conn.finish(transport.CloseSessionExpired)
	h.waitForState(t, "expiry error", func(st PlaybackState) bool { return st.Err == msgSessionExpired })

	st := h.store.Snapshot()
	if st.IsGenerating {
		t.Error("IsGenerating still true after session-expired close")
	}
	if !st.IsPlaying {
		t.Error("IsPlaying = false though queued audio is still draining")
	}

	// Queued audio plays out, then playing clears without the state
	// leaving error.
	h.waitForState(t, "drain", func(st PlaybackState) bool { return !st.IsPlaying })
	if got := h.store.Snapshot().State; got != StateError {
		t.Errorf("State = %v after drain, want error", got)
	}
}

func TestNormalCloseAfterCompleteIsQuiet(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 20*time.Millisecond))
	conn.emit(transport.Complete{})
	conn.finish(transport.CloseNormal)

	h.waitForState(t, "completion", func(st PlaybackState) bool {
		return st.State == StateComplete && !st.IsPlaying
	})
	if st := h.store.Snapshot(); st.Err != "" {
		t.Errorf("Err = %q after normal close, want empty", st.Err)
	}
}

func TestClearErrorKeepsPlaybackState(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ConnectToSession(context.Background(), "sess-1", "scene-1"); err != nil {
		t.Fatalf("ConnectToSession: %v", err)
	}

	conn := h.conn(0)
	conn.emit(chunk(1, 300*time.Millisecond))
	conn.emit(transport.ErrorEvent{Message: "chunk 2 failed"})
	h.waitForState(t, "chunk queued", func(st PlaybackState) bool { return st.IsPlaying })

	h.store.update(func(st *PlaybackState) { st.Err = "something went wrong" })
	h.ctrl.ClearError()

	st := h.store.Snapshot()
	if st.Err != "" {
		t.Errorf("Err = %q after ClearError, want empty", st.Err)
	}
	if !st.IsPlaying || st.ChunksReceived != 1 {
		t.Errorf("ClearError altered playback state: %+v", st)
	}
}

func TestSessionCreateFailure(t *testing.T) {
	h := newHarness(t)
	failing := &failingCreator{}
	h.ctrl.sessions = failing

	err := h.ctrl.PlayScene(context.Background(), "scene-1")
	if err == nil {
		t.Fatal("expected error")
	}

	st := h.store.Snapshot()
	if st.Err == "" {
		t.Error("session-creation failure not surfaced")
	}
	if st.State != StateIdle {
		t.Errorf("State = %v, want idle (no session was created)", st.State)
	}
	if got := h.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
}

type failingCreator struct{}

func (failingCreator) CreateNarrationSession(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("backend unavailable")
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(sceneID, voice string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pcm, ok := c.entries[sceneID+"/"+voice]
	return pcm, ok
}

func (c *fakeCache) Put(sceneID, voice string, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sceneID+"/"+voice] = pcm
	c.puts++
}

func (c *fakeCache) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func TestCompletedNarrationIsCachedAndReplayedLocally(t *testing.T) {
	h := newHarness(t)
	cache := newFakeCache()
	h.ctrl.UseCache(cache, "aria")
	ctx := context.Background()

	if err := h.ctrl.PlayScene(ctx, "scene-1"); err != nil {
		t.Fatalf("PlayScene: %v", err)
	}
	conn := h.conn(0)
	conn.emit(chunk(1, 200*time.Millisecond))
	conn.emit(chunk(2, 300*time.Millisecond))
	conn.emit(transport.Complete{})
	h.waitForState(t, "completion", func(st PlaybackState) bool {
		return st.State == StateComplete && !st.IsPlaying
	})

	pcm, ok := cache.Get("scene-1", "aria")
	if !ok {
		t.Fatal("completed narration was not cached")
	}
	if want := len(pcmFor(200*time.Millisecond)) + len(pcmFor(300*time.Millisecond)); len(pcm) != want {
		t.Errorf("cached %d bytes, want %d", len(pcm), want)
	}

	// Replay hits the cache: no new session, immediate local playback.
	if err := h.ctrl.PlayScene(ctx, "scene-1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := h.dialCount(); got != 1 {
		t.Errorf("dial count = %d after cached replay, want 1", got)
	}
	st := h.store.Snapshot()
	if !st.IsPlaying || st.IsGenerating {
		t.Errorf("cached replay state = %+v, want playing without generating", st)
	}
	h.waitForState(t, "cached drain", func(st PlaybackState) bool { return !st.IsPlaying })
	if cache.putCount() != 1 {
		t.Errorf("cache puts = %d, want 1 (replay must not re-cache)", cache.putCount())
	}
}
