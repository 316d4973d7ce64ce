package tsdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/config"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/tsdb"
)

// fakeVictoria answers /health and records /write bodies.
type fakeVictoria struct {
	*httptest.Server

	mu     sync.Mutex
	lines  []string
	status int
}

func newFakeVictoria(t *testing.T) *fakeVictoria {
	t.Helper()
	f := &fakeVictoria{status: http.StatusNoContent}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK")) //nolint:errcheck // test server
	})
	mux.HandleFunc("POST /write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(string(body), "\n")...)
		status := f.status
		f.mu.Unlock()
		w.WriteHeader(status)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeVictoria) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.TSDBConfig {
	return config.TSDBConfig{
		Enabled:       true,
		URL:           url,
		BatchSize:     100,
		FlushInterval: 60, // tests flush explicitly
	}
}

func connect(t *testing.T, srv *fakeVictoria) *tsdb.Client {
	t.Helper()
	client, err := tsdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	srv := newFakeVictoria(t)
	client := connect(t, srv)

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8428")
	cfg.Enabled = false

	client, err := tsdb.Connect(context.Background(), cfg)
	if !errors.Is(err, tsdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("Connect() should return nil client when disabled")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := tsdb.Connect(context.Background(), testConfig("http://127.0.0.1:59999"))
	if !errors.Is(err, tsdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	srv := newFakeVictoria(t)
	client := connect(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should return error for cancelled context")
	}
}

func TestWriteDeviceStats(t *testing.T) {
	srv := newFakeVictoria(t)
	client := connect(t, srv)

	ts := time.Unix(1717243200, 0)
	client.WriteDeviceStats("porch", map[string]any{"fps": 58.5, "mem": 10240.0}, ts)
	client.WriteDeviceStats("porch", map[string]any{}, ts) // dropped
	client.Flush()

	lines := srv.written()
	want := "pixelblaze_stats,device=porch fps=58.5,mem=10240 1717243200000000000"
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("written = %q, want [%q]", lines, want)
	}

	queued, failed := client.Stats()
	if queued != 1 || failed != 0 {
		t.Errorf("Stats() = (%d, %d), want (1, 0)", queued, failed)
	}
}

func TestBatchFlushesWhenFull(t *testing.T) {
	srv := newFakeVictoria(t)
	cfg := testConfig(srv.URL)
	cfg.BatchSize = 3
	client, err := tsdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	for range 3 {
		client.WritePoint("custom", map[string]string{"source": "test"}, map[string]any{"value": 1})
	}

	if got := len(srv.written()); got != 3 {
		t.Errorf("lines after full batch = %d, want 3", got)
	}
}

func TestSetOnError_CallbackInvoked(t *testing.T) {
	srv := newFakeVictoria(t)
	client := connect(t, srv)

	srv.mu.Lock()
	srv.status = http.StatusBadRequest
	srv.mu.Unlock()

	var (
		mu      sync.Mutex
		reports []error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		reports = append(reports, err)
		mu.Unlock()
	})

	client.WritePoint("custom", nil, map[string]any{"value": 1.0})
	client.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || !errors.Is(reports[0], tsdb.ErrWriteFailed) {
		t.Errorf("reports = %v, want one ErrWriteFailed", reports)
	}
	if _, failed := client.Stats(); failed != 1 {
		t.Errorf("write errors = %d, want 1", failed)
	}
}

func TestClose_FlushesAndDisconnects(t *testing.T) {
	srv := newFakeVictoria(t)
	client, err := tsdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteDeviceStats("close-test", map[string]any{"fps": 1.0}, time.Now())
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() should return false after Close()")
	}
	if lines := srv.written(); len(lines) != 1 || !strings.Contains(lines[0], "device=close-test") {
		t.Errorf("written = %q, want the pending point", lines)
	}

	// Writes after close are dropped and a second close is harmless.
	client.WriteDeviceStats("late", map[string]any{"fps": 1.0}, time.Now())
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if got := len(srv.written()); got != 1 {
		t.Errorf("lines after close = %d, want 1", got)
	}
}

func TestClose_NoGoroutineLeak(t *testing.T) {
	srv := newFakeVictoria(t)

	before := runtime.NumGoroutine()

	for i := range 5 {
		client, err := tsdb.Connect(context.Background(), testConfig(srv.URL))
		if err != nil {
			t.Fatalf("Connect() iteration %d error = %v", i, err)
		}
		client.WriteDeviceStats("leak-test", map[string]any{"fps": float64(i)}, time.Now())
		client.Close()
	}

	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	// Idle keep-alive connections may hold a few goroutines.
	if diff := after - before; diff > 4 {
		t.Errorf("Potential goroutine leak: before=%d, after=%d, diff=%d", before, after, diff)
	}
}
