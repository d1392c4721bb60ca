package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/oxide/internal/config"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/node"
	"github.com/dohr-michael/oxide/internal/tasks"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), append([]string{"oxide"}, args...))
	return out.String(), err
}

func TestInitCreatesHome(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home")
	t.Setenv("OXIDE_PATH", root)

	out, err := runCLI(t, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, p := range []string{config.ConfigPath(), config.DotenvPath(), config.JournalPath()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s missing: %v", p, err)
		}
	}
	if !strings.Contains(out, "Created") {
		t.Errorf("output: got %q", out)
	}

	if _, err := config.Load(config.ConfigPath()); err != nil {
		t.Errorf("generated config does not load: %v", err)
	}

	out, err = runCLI(t, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already initialized") {
		t.Errorf("second init output: got %q", out)
	}
}

func TestStatusNotRunning(t *testing.T) {
	t.Setenv("OXIDE_PATH", t.TempDir())

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "NOT RUNNING") {
		t.Errorf("output: got %q", out)
	}
}

func TestProbeRetriesUntilOK(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/status" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.URL+"/", 5*time.Second); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestProbeClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := probe(context.Background(), srv.URL, 5*time.Second)
	if !errors.Is(err, errProbeStatus) {
		t.Fatalf("probe: got %v, want errProbeStatus", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestWorkerApplyAndShutdown(t *testing.T) {
	t.Setenv("OXIDE_PATH", t.TempDir())
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Events.JournalDir = filepath.Join(t.TempDir(), "journal")

	w, err := newWorker(cfg)
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}
	defer w.close()

	level := setupLogging(&bytes.Buffer{}, cfg.Log, false)

	next := config.Default()
	next.Memory.Pools["general"] = config.PoolConfig{MaxBytes: 4096}
	next.Log.Level = "debug"
	w.apply(next, level, false)

	if info, err := w.memory.Snapshot(memory.GeneralPool); err != nil || info.MaxBytes != 4096 {
		t.Errorf("general pool after reload: got %+v, %v", info, err)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level: got %v, want debug", level.Level())
	}

	if _, err := w.registry.UpdateTask("q1.0.0.0", tasks.TaskUpdateRequest{
		Version: 1,
		Updates: []tasks.Update{tasks.PlanAssignment{Sources: []string{"scan"}, OutputBuffers: []string{"0"}}},
	}, true); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if state, n := w.probe(); state != "ACTIVE" || n != 1 {
		t.Errorf("probe: got %s %d, want ACTIVE 1", state, n)
	}

	if err := w.shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := w.node.State(); got != node.StateShuttingDown {
		t.Errorf("node state: got %s", got)
	}
	st, _ := w.registry.TaskStatus("q1.0.0.0")
	if st.State != tasks.StateAborted {
		t.Errorf("task after shutdown: got %s, want ABORTED", st.State)
	}
	if _, err := w.registry.UpdateTask("q2.0.0.0", tasks.TaskUpdateRequest{Version: 1}, true); !errors.Is(err, tasks.ErrNotAcceptingWork) {
		t.Errorf("update after shutdown: got %v, want ErrNotAcceptingWork", err)
	}
}
