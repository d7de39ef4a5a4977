package grabhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeReadsHeaders(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		disposition string
		length      string
		wantName    string
		wantSize    int64
	}{
		{"quoted disposition", "/dl?id=7", `attachment; filename="report.pdf"`, "2048", "report.pdf", 2048},
		{"encoded disposition", "/dl", `attachment; filename*=UTF-8''na%C3%AFve.txt`, "10", "naïve.txt", 10},
		{"disposition with path", "/dl", `attachment; filename="../../etc/passwd"`, "1", "passwd", 1},
		{"name from url", "/files/archive.tar.gz", "", "4096", "archive.tar.gz", 4096},
		{"no size", "/files/stream.bin", "", "", "stream.bin", -1},
		{"no name", "/", "", "5", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodHead {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				if tt.disposition != "" {
					w.Header().Set("Content-Disposition", tt.disposition)
				}
				if tt.length != "" {
					w.Header().Set("Content-Length", tt.length)
				}
			}))
			defer server.Close()

			info, err := Probe(context.Background(), newTestClient(), server.URL+tt.path, time.Second)
			require.NoError(t, err)
			require.Equal(t, tt.wantName, info.FileName)
			require.Equal(t, tt.wantSize, info.FileSize)
		})
	}
}

func TestProbeTimesOutAndCancelsRequest(t *testing.T) {
	var canceled atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			canceled.Add(1)
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	_, err := Probe(context.Background(), newTestClient(), server.URL+"/slow", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool { return canceled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestProbeErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := Probe(context.Background(), newTestClient(), server.URL+"/missing", time.Second)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusNotFound, transportErr.StatusCode)
	require.Equal(t, http.MethodHead, transportErr.Op)

	_, err = Probe(context.Background(), newTestClient(), "mailto:someone@example.com", time.Second)
	require.ErrorIs(t, err, ErrInvalidURL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Probe(ctx, newTestClient(), server.URL, time.Second)
	require.ErrorAs(t, err, &transportErr)
	require.NotErrorIs(t, err, ErrTimeout)
}
