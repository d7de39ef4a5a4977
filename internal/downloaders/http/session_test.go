package grabhttp

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/grabber/internal/utils"
)

func newTestClient() *utils.Client {
	return utils.NewClient(utils.HTTPClientConfig{})
}

// stepClock advances by step on every call to Now.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *progressRecorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.updates...)
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server
}

// serveStalled sends headers and a first chunk, then holds the connection
// open until the client goes away.
func serveStalled(t *testing.T, total int, first []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gone atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(total))
		w.WriteHeader(http.StatusOK)
		w.Write(first)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			gone.Add(1)
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })
	return server, &gone
}

func TestNewSessionIsIdle(t *testing.T) {
	s := NewSession(newTestClient())
	require.False(t, s.IsDownloading())
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Wait())
}

func TestStopWhenIdleReturnsImmediately(t *testing.T) {
	s := NewSession(newTestClient())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an idle session")
	}
	require.False(t, s.IsDownloading())
}

func TestDownloadToFile(t *testing.T) {
	data := payload(1 << 20)
	server := serveBytes(t, data)
	target := filepath.Join(t.TempDir(), "nested", "out.bin")

	var finished []error
	s := NewSession(newTestClient(), WithFinishFunc(func(err error) {
		finished = append(finished, err)
	}))
	require.NoError(t, s.StartFile(server.URL+"/out.bin", target))
	require.NoError(t, s.Wait())
	require.False(t, s.IsDownloading())

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, data, written)
	require.Equal(t, []error{nil}, finished)
}

func TestProgressIsMonotonicAndReachesTotal(t *testing.T) {
	data := payload(300 * 1024)
	server := serveBytes(t, data)

	var received bytes.Buffer
	rec := &progressRecorder{}
	s := NewSession(newTestClient(), WithProgressFunc(rec.record), WithBufferSize(16*1024))
	require.NoError(t, s.StartFunc(server.URL, func(chunk []byte) {
		received.Write(chunk)
	}))
	require.NoError(t, s.Wait())

	updates := rec.snapshot()
	require.NotEmpty(t, updates)
	var last int64
	for _, p := range updates {
		require.GreaterOrEqual(t, p.BytesRead, last)
		require.Equal(t, int64(len(data)), p.TotalBytes)
		require.True(t, p.PercentKnown())
		require.NotEmpty(t, p.TransferID)
		last = p.BytesRead
	}
	final := updates[len(updates)-1]
	require.Equal(t, int64(len(data)), final.BytesRead)
	require.InDelta(t, 100.0, final.Percent, 1e-9)
	require.Equal(t, data, received.Bytes())
}

func TestSpeedIsAverageSinceStart(t *testing.T) {
	data := payload(64 * 1024)
	server := serveBytes(t, data)

	clock := &stepClock{now: time.Unix(0, 0), step: 2 * time.Second}
	rec := &progressRecorder{}
	s := NewSession(newTestClient(), WithClock(clock), WithProgressFunc(rec.record))
	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))
	require.NoError(t, s.Wait())

	updates := rec.snapshot()
	require.NotEmpty(t, updates)
	for i, p := range updates {
		elapsed := float64(2 * (i + 1))
		require.InDelta(t, float64(p.BytesRead)/elapsed, p.Speed, 1e-6)
	}
}

func TestUnknownLengthLeavesPercentUnset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part one "))
		w.(http.Flusher).Flush()
		w.Write([]byte("part two"))
	}))
	defer server.Close()

	rec := &progressRecorder{}
	s := NewSession(newTestClient(), WithProgressFunc(rec.record))
	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))
	require.NoError(t, s.Wait())

	updates := rec.snapshot()
	require.NotEmpty(t, updates)
	for _, p := range updates {
		require.False(t, p.PercentKnown())
		require.Zero(t, p.Percent)
	}
	require.Equal(t, int64(len("part one part two")), updates[len(updates)-1].BytesRead)
}

func TestSecondStartIsRejected(t *testing.T) {
	server, _ := serveStalled(t, 1024, []byte("hello"))
	s := NewSession(newTestClient())
	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))

	err := s.StartFunc(server.URL, func([]byte) {})
	require.ErrorIs(t, err, ErrAlreadyDownloading)
	require.Equal(t, CodeAlreadyDownloading, Code(err))
	require.True(t, s.IsDownloading())

	s.Stop()
	require.False(t, s.IsDownloading())
}

func TestStartRejectsInvalidURL(t *testing.T) {
	s := NewSession(newTestClient())
	for _, raw := range []string{"", "ftp://example.com/file", "http://", "not a url", "http://[::1"} {
		err := s.StartFunc(raw, func([]byte) {})
		require.ErrorIs(t, err, ErrInvalidURL, raw)
		require.Equal(t, CodeInvalidURL, Code(err))
		require.Equal(t, StateIdle, s.State())
	}
}

func TestStartWithUnavailableSink(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	s := NewSession(newTestClient())
	err := s.StartFile(server.URL, filepath.Join(blocker, "out.bin"))
	require.ErrorIs(t, err, ErrSinkUnavailable)
	require.Equal(t, CodeSinkUnavailable, Code(err))
	require.False(t, s.IsDownloading())

	err = s.Start(server.URL, nil)
	require.Equal(t, CodeSinkUnavailable, Code(err))
	require.Zero(t, requests.Load())
}

func TestStopAbortsAndSilencesCallbacks(t *testing.T) {
	server, gone := serveStalled(t, 1<<20, []byte("first chunk"))

	var progressCalls, finishCalls atomic.Int32
	var finishErr error
	registry := metrics.NewRegistry()
	s := NewSession(newTestClient(),
		WithRegistry(registry),
		WithProgressFunc(func(Progress) { progressCalls.Add(1) }),
		WithFinishFunc(func(err error) {
			finishErr = err
			finishCalls.Add(1)
		}),
	)
	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))
	require.Eventually(t, func() bool { return progressCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	require.False(t, s.IsDownloading())
	require.Equal(t, int32(1), finishCalls.Load())
	require.True(t, IsAborted(finishErr))
	require.Equal(t, CodeTransportFailure, Code(finishErr))

	seen := progressCalls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seen, progressCalls.Load())
	require.Equal(t, int32(1), finishCalls.Load())

	err := s.Wait()
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, IsAborted(err))
	require.Eventually(t, func() bool { return gone.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), metrics.GetOrRegisterCounter("transfers.aborted", registry).Count())
}

func TestSessionIsReusable(t *testing.T) {
	data := payload(4096)
	server := serveBytes(t, data)
	s := NewSession(newTestClient())

	for i := range 3 {
		var got bytes.Buffer
		require.NoError(t, s.StartFunc(fmt.Sprintf("%s/%d", server.URL, i), func(chunk []byte) { got.Write(chunk) }))
		require.NoError(t, s.Wait())
		require.Equal(t, data, got.Bytes())
		require.False(t, s.IsDownloading())
	}

	stalled, _ := serveStalled(t, 100, []byte("x"))
	require.NoError(t, s.StartFunc(stalled.URL, func([]byte) {}))
	s.Stop()
	require.False(t, s.IsDownloading())

	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))
	require.NoError(t, s.Wait())
}

func TestNonSuccessStatusFailsTransfer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	registry := metrics.NewRegistry()
	s := NewSession(newTestClient(), WithRegistry(registry))
	require.NoError(t, s.StartFunc(server.URL+"/missing", func([]byte) {}))
	err := s.Wait()

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusNotFound, transportErr.StatusCode)
	require.Equal(t, CodeTransportFailure, Code(err))
	require.False(t, IsAborted(err))
	require.Equal(t, int64(1), metrics.GetOrRegisterCounter("transfers.failed", registry).Count())
}

func TestInactivityTimeoutFailsTransfer(t *testing.T) {
	server, _ := serveStalled(t, 1024, []byte("slow"))
	s := NewSession(newTestClient(), WithInactivityTimeout(100*time.Millisecond))
	require.NoError(t, s.StartFunc(server.URL, func([]byte) {}))

	err := s.Wait()
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.False(t, IsAborted(err))
	require.Equal(t, CodeTransportFailure, Code(err))
}

func TestRateLimitedDownloadCompletes(t *testing.T) {
	data := payload(64 * 1024)
	server := serveBytes(t, data)

	var got bytes.Buffer
	s := NewSession(newTestClient(), WithRateLimit(1<<20), WithBufferSize(8*1024))
	require.NoError(t, s.StartFunc(server.URL, func(chunk []byte) { got.Write(chunk) }))
	require.NoError(t, s.Wait())
	require.Equal(t, data, got.Bytes())
}

type failingSink struct{ closed bool }

func (f *failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (f *failingSink) Close() error              { f.closed = true; return nil }

func TestSinkWriteErrorFailsTransfer(t *testing.T) {
	server := serveBytes(t, payload(1024))
	sink := &failingSink{}
	s := NewSession(newTestClient())
	require.NoError(t, s.Start(server.URL, sink))

	err := s.Wait()
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, CodeTransportFailure, Code(err))
	require.True(t, sink.closed)
}

func TestCodeMapping(t *testing.T) {
	require.Equal(t, CodeSuccess, Code(nil))
	require.Equal(t, CodeAlreadyDownloading, Code(ErrAlreadyDownloading))
	require.Equal(t, CodeInvalidURL, Code(fmt.Errorf("%w: bad", ErrInvalidURL)))
	require.Equal(t, CodeSinkUnavailable, Code(fmt.Errorf("%w: gone", ErrSinkUnavailable)))
	require.Equal(t, CodeTransportFailure, Code(ErrTimeout))
	require.Equal(t, CodeTransportFailure, Code(&TransportError{Op: "GET", URL: "http://x", Err: ErrAborted}))
}
