package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/drivers"
	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/node"
	"github.com/dohr-michael/oxide/internal/storage"
	"github.com/dohr-michael/oxide/internal/tasks"
)

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	registry *tasks.Registry
	acct     *memory.Accountant
	node     *node.Node
	bus      *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.NewBus(256)
	t.Cleanup(func() { bus.Close() })

	pool, err := drivers.NewPool(4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Stop)

	acct := memory.NewAccountant(map[memory.PoolID]memory.PoolConfig{
		memory.GeneralPool:  {MaxBytes: 1 << 20, RevocableSoftLimit: 1 << 19},
		memory.ReservedPool: {MaxBytes: 1 << 18},
	}, bus)
	registry := tasks.NewRegistry(tasks.RegistryConfig{
		NodeID:         "node-1",
		Memory:         acct,
		Launcher:       pool,
		Driver:         drivers.Echo{},
		Bus:            bus,
		MaxPagesPerGet: 16,
	})
	t.Cleanup(registry.Shutdown)

	n := node.New(node.Config{ID: "node-1", Environment: "test", Version: "0.0.1", Bus: bus})
	srv := NewServer(Deps{
		Node:     n,
		Registry: registry,
		Memory:   acct,
		Drivers:  pool,
		Bus:      bus,
		Exchange: Exchange{MaxWait: 50 * time.Millisecond, MaxWaitLimit: 30 * time.Second, MaxResponseSize: 1 << 20},
	}, "127.0.0.1:0")

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{srv: srv, http: hs, registry: registry, acct: acct, node: n, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, header http.Header) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: got %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

const planBody = `{"version":1,"updates":[
	{"type":"plan","sources":["scan"],"outputBuffers":["0"]},
	{"type":"splits","planNodeId":"scan","splits":[
		{"sequenceId":0,"payload":"a"},
		{"sequenceId":1,"payload":"b"},
		{"sequenceId":2,"payload":"c"}
	]}
]}`

func TestNodeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/info", "", nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[node.Info](t, resp)
	if info.Environment != "test" || info.NodeVersion.Version != "0.0.1" || info.Coordinator {
		t.Errorf("info: got %+v", info)
	}

	resp = env.do(t, http.MethodGet, "/info/state", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[node.State](t, resp); got != node.StateActive {
		t.Errorf("state: got %s, want ACTIVE", got)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/info/state", `"SHUTTING_DOWN"`, nil), http.StatusNotImplemented)
	expectStatus(t, env.do(t, http.MethodPut, "/info/coordinator", "", nil), http.StatusNotFound)

	resp = env.do(t, http.MethodHead, "/status", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
		t.Errorf("HEAD /status body: got %d bytes, want 0", len(body))
	}

	expectStatus(t, env.do(t, http.MethodPost, "/task/q1.0.0.0", planBody, nil), http.StatusOK)
	resp = env.do(t, http.MethodGet, "/status", "", nil)
	expectStatus(t, resp, http.StatusOK)
	st := decode[node.Status](t, resp)
	if st.NodeID != "node-1" {
		t.Errorf("status node id: got %q", st.NodeID)
	}
	if st.Tasks[tasks.StateRunning] != 1 {
		t.Errorf("running tasks: got %d, want 1", st.Tasks[tasks.StateRunning])
	}
	if _, ok := st.MemoryInfo.Pools[memory.GeneralPool]; !ok {
		t.Error("status misses the general pool")
	}
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/memory",
		`{"coordinatorId":"c1","version":1,"assignments":[{"queryId":"q9","poolId":"reserved"}]}`, nil)
	expectStatus(t, resp, http.StatusOK)
	mi := decode[memory.MemoryInfo](t, resp)
	if len(mi.Pools) != 2 {
		t.Errorf("pools: got %d, want 2", len(mi.Pools))
	}
	if got := env.acct.PoolFor("q9", memory.GeneralPool); got != memory.ReservedPool {
		t.Errorf("PoolFor(q9): got %s, want reserved", got)
	}

	resp = env.do(t, http.MethodGet, "/memory/general", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if pi := decode[memory.PoolInfo](t, resp); pi.MaxBytes != 1<<20 {
		t.Errorf("general max: got %d, want %d", pi.MaxBytes, 1<<20)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/memory/gpu", "", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/memory", `{"version":`, nil), http.StatusInternalServerError)
}

func TestTaskUpdateAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/task/q1.0.0.0", planBody, nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[tasks.TaskInfo](t, resp)
	if info.TaskStatus.State != tasks.StateRunning || info.TaskStatus.Version != 1 {
		t.Errorf("after plan: got state %s version %d", info.TaskStatus.State, info.TaskStatus.Version)
	}

	// stale redelivery returns the current snapshot
	resp = env.do(t, http.MethodPost, "/task/q1.0.0.0?summarize", planBody, nil)
	expectStatus(t, resp, http.StatusOK)
	info = decode[tasks.TaskInfo](t, resp)
	if info.TaskStatus.Version != 1 {
		t.Errorf("stale update: got version %d, want 1", info.TaskStatus.Version)
	}
	if !info.Summarized || len(info.Sources) != 0 {
		t.Errorf("summarized: got %v with %d sources", info.Summarized, len(info.Sources))
	}

	resp = env.do(t, http.MethodGet, "/task/q1.0.0.0", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if info := decode[tasks.TaskInfo](t, resp); len(info.Sources) != 1 {
		t.Errorf("full info sources: got %d, want 1", len(info.Sources))
	}

	resp = env.do(t, http.MethodGet, "/task?summarize", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if all := decode[[]tasks.TaskInfo](t, resp); len(all) != 1 || all[0].TaskID != "q1.0.0.0" {
		t.Errorf("task list: got %+v", all)
	}
}

func TestTaskErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"status of unknown task", http.MethodGet, "/task/nope/status", "", 404, "NOT_FOUND"},
		{"info of unknown task", http.MethodGet, "/task/nope", "", 404, "NOT_FOUND"},
		{"delete unknown task", http.MethodDelete, "/task/nope?abort", "", 404, "NOT_FOUND"},
		{"results of unknown task", http.MethodGet, "/task/async/nope/results/0/0", "", 404, "NOT_FOUND"},
		{"malformed body", http.MethodPost, "/task/t1", `{"version":1,"updates":[`, 500, "DESERIALIZATION_FAILURE"},
		{"unknown update type", http.MethodPost, "/task/t1", `{"version":1,"updates":[{"type":"teleport"}]}`, 500, "DESERIALIZATION_FAILURE"},
		{"empty body", http.MethodPost, "/task/t1", "", 500, "DESERIALIZATION_FAILURE"},
		{"journal disabled", http.MethodGet, "/v1/task/t1/journal", "", 404, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body, nil)
			expectStatus(t, resp, tt.want)
			body := decode[errorBody](t, resp)
			if body.Code != tt.code {
				t.Errorf("code: got %s, want %s", body.Code, tt.code)
			}
			if body.Error == "" {
				t.Error("expected a diagnostic message")
			}
		})
	}

	if _, err := env.registry.Task("t1"); err == nil {
		t.Error("a rejected payload must not create the task")
	}
}

func TestResultExchange(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q1.0.0.0", planBody, nil), http.StatusOK)

	base := "/task/async/q1.0.0.0/results/0/"
	wait := http.Header{HeaderMaxWait: {"2s"}}

	// the driver produces pages asynchronously; poll token 0 until all three are in
	var pages []buffer.Page
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for len(pages) < 3 && time.Now().Before(deadline) {
		resp = env.do(t, http.MethodGet, base+"0", "", wait)
		expectStatus(t, resp, http.StatusOK)
		var err error
		if pages, err = buffer.ReadPages(resp.Body); err != nil {
			t.Fatalf("ReadPages: %v", err)
		}
	}
	if len(pages) != 3 {
		t.Fatalf("pages: got %d, want 3", len(pages))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(pages[i].Data) != want {
			t.Errorf("page %d: got %q, want %q", i, pages[i].Data, want)
		}
	}
	if got := resp.Header.Get("Content-Type"); got != buffer.ContentType {
		t.Errorf("content type: got %q", got)
	}
	if got := resp.Header.Get(HeaderPageNextToken); got != "3" {
		t.Errorf("next token: got %s, want 3", got)
	}
	if got := resp.Header.Get(HeaderBufferComplete); got != "false" {
		t.Errorf("complete: got %s, want false", got)
	}
	if resp.Header.Get(HeaderInstanceID) == "" {
		t.Error("missing task instance id")
	}

	// idempotent retry
	resp = env.do(t, http.MethodGet, base+"0", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if again, _ := buffer.ReadPages(resp.Body); len(again) != 3 {
		t.Errorf("retry: got %d pages, want 3", len(again))
	}

	expectStatus(t, env.do(t, http.MethodGet, base+"2/acknowledge", "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, base+"0", "", nil), http.StatusGone)

	resp = env.do(t, http.MethodGet, base+"2", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if rest, _ := buffer.ReadPages(resp.Body); len(rest) != 1 || string(rest[0].Data) != "c" {
		t.Errorf("after ack: got %d pages", len(rest))
	}

	// no more splits lets the driver finish; draining the buffer finishes the task
	expectStatus(t, env.do(t, http.MethodPost, "/task/q1.0.0.0",
		`{"version":2,"updates":[{"type":"noMoreSplits","planNodeId":"scan"}]}`, nil), http.StatusOK)

	deadline = time.Now().Add(3 * time.Second)
	for {
		resp = env.do(t, http.MethodGet, base+"3", "", wait)
		expectStatus(t, resp, http.StatusOK)
		if resp.Header.Get(HeaderBufferComplete) == "true" || time.Now().After(deadline) {
			break
		}
	}
	if got := resp.Header.Get(HeaderBufferComplete); got != "true" {
		t.Fatalf("complete: got %s, want true", got)
	}
	expectStatus(t, env.do(t, http.MethodGet, base+"3/acknowledge", "", nil), http.StatusNoContent)

	deadline = time.Now().Add(2 * time.Second)
	var st tasks.TaskStatus
	for time.Now().Before(deadline) {
		resp = env.do(t, http.MethodGet, "/task/q1.0.0.0/status", "", nil)
		st = decode[tasks.TaskStatus](t, resp)
		if st.State == tasks.StateFinished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.State != tasks.StateFinished {
		t.Errorf("state: got %s, want FINISHED", st.State)
	}

	expectStatus(t, env.do(t, http.MethodDelete, base+"3", "", nil), http.StatusNoContent)
}

func TestResultsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q1.0.0.0", planBody, nil), http.StatusOK)

	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/0/abc", "", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/0/-1", "", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/0/0", "",
		http.Header{HeaderMaxWait: {"soon"}}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/0/0", "",
		http.Header{HeaderMaxSize: {"huge"}}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/0/0", "",
		http.Header{HeaderMaxSize: {"10EB"}}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/task/async/q1.0.0.0/results/9/0", "", nil), http.StatusNotFound)
}

func TestPollLimitsClamp(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetExchange(Exchange{MaxWait: 10 * time.Millisecond, MaxWaitLimit: 50 * time.Millisecond, MaxResponseSize: 1000})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderMaxWait, "10m")
	req.Header.Set(HeaderMaxSize, "2kB")
	wait, size, err := env.srv.pollLimits(req)
	if err != nil {
		t.Fatal(err)
	}
	if wait != 50*time.Millisecond {
		t.Errorf("wait: got %s, want 50ms", wait)
	}
	if size != 2000 {
		t.Errorf("size: got %d, want 2000", size)
	}

	wait, size, _ = env.srv.pollLimits(httptest.NewRequest(http.MethodGet, "/", nil))
	if wait != 10*time.Millisecond || size != 1000 {
		t.Errorf("defaults: got %s %d", wait, size)
	}
}

func TestAbortWakesPendingResults(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q2.0.0.0",
		`{"version":1,"updates":[{"type":"plan","sources":["scan"],"outputBuffers":["0"]}]}`, nil), http.StatusOK)

	type result struct {
		complete string
		elapsed  time.Duration
	}
	done := make(chan result, 1)
	go func() {
		start := time.Now()
		req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/task/async/q2.0.0.0/results/0/5", nil)
		req.Header.Set(HeaderMaxWait, "30s")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{}
			return
		}
		resp.Body.Close()
		done <- result{resp.Header.Get(HeaderBufferComplete), time.Since(start)}
	}()

	time.Sleep(100 * time.Millisecond)
	expectStatus(t, env.do(t, http.MethodDelete, "/task/q2.0.0.0?abort", "", nil), http.StatusOK)

	select {
	case r := <-done:
		if r.complete != "true" {
			t.Errorf("complete: got %q, want true", r.complete)
		}
		if r.elapsed > 10*time.Second {
			t.Errorf("pending get took %s", r.elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pending get was not woken by abort")
	}
}

func TestDeleteAbortThenStatus(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q3.0.0.0", planBody, nil), http.StatusOK)

	resp := env.do(t, http.MethodDelete, "/task/q3.0.0.0?abort", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if info := decode[tasks.TaskInfo](t, resp); info.TaskStatus.State != tasks.StateAborted {
		t.Errorf("delete: got %s, want ABORTED", info.TaskStatus.State)
	}

	resp = env.do(t, http.MethodGet, "/task/q3.0.0.0/status", "", nil)
	expectStatus(t, resp, http.StatusOK)
	first := decode[tasks.TaskStatus](t, resp)
	if first.State != tasks.StateAborted {
		t.Errorf("status: got %s, want ABORTED", first.State)
	}

	resp = env.do(t, http.MethodDelete, "/task/q3.0.0.0", "", nil)
	expectStatus(t, resp, http.StatusOK)
	again := decode[tasks.TaskInfo](t, resp).TaskStatus
	if again.State != tasks.StateAborted || again.Version != first.Version {
		t.Errorf("second delete: got %s v%d, want ABORTED v%d", again.State, again.Version, first.Version)
	}
}

func TestDeleteCancels(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q4.0.0.0", planBody, nil), http.StatusOK)

	resp := env.do(t, http.MethodDelete, "/task/q4.0.0.0?abort=false", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[tasks.TaskInfo](t, resp).TaskStatus.State; got != tasks.StateCanceled {
		t.Errorf("state: got %s, want CANCELED", got)
	}
}

func TestShuttingDownRejectsNewTasks(t *testing.T) {
	env := newTestEnv(t)
	env.registry.StopAccepting()

	resp := env.do(t, http.MethodPost, "/task/q5.0.0.0", planBody, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if body := decode[errorBody](t, resp); body.Code != "SHUTTING_DOWN" {
		t.Errorf("code: got %s", body.Code)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/task/q6.0.0.0", planBody, nil), http.StatusOK)

	var history []events.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(history) == 0 && time.Now().Before(deadline) {
		resp := env.do(t, http.MethodGet, "/v1/events?limit=10", "", nil)
		expectStatus(t, resp, http.StatusOK)
		history = decode[[]events.Event](t, resp)
		time.Sleep(5 * time.Millisecond)
	}
	if len(history) == 0 {
		t.Fatal("expected events in history")
	}
	expectStatus(t, env.do(t, http.MethodGet, "/v1/events?limit=x", "", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/events?after=-1", "", nil), http.StatusBadRequest)

	resp := env.do(t, http.MethodGet, "/v1/events?task=q6.0.0.0&type=task.created", "", nil)
	expectStatus(t, resp, http.StatusOK)
	created := decode[[]events.Event](t, resp)
	if len(created) != 1 || created[0].TaskID != "q6.0.0.0" || created[0].Type != events.EventTaskCreated {
		t.Errorf("filtered events: got %+v", created)
	}

	last := history[len(history)-1].Seq
	resp = env.do(t, http.MethodGet, fmt.Sprintf("/v1/events?after=%d", last), "", nil)
	expectStatus(t, resp, http.StatusOK)
	for _, e := range decode[[]events.Event](t, resp) {
		if e.Seq <= last {
			t.Errorf("after %d: got event with seq %d", last, e.Seq)
		}
	}

	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("oxide_http_requests_total")) {
		t.Error("metrics scrape misses request counter")
	}
}

func TestJournalEndpoint(t *testing.T) {
	env := newTestEnv(t)
	j := storage.NewJournal(t.TempDir(), env.bus)
	t.Cleanup(j.Close)
	env.srv.deps.Journal = j

	expectStatus(t, env.do(t, http.MethodPost, "/task/q7.0.0.0", planBody, nil), http.StatusOK)

	var entries []events.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(entries) == 0 && time.Now().Before(deadline) {
		resp := env.do(t, http.MethodGet, "/v1/task/q7.0.0.0/journal", "", nil)
		expectStatus(t, resp, http.StatusOK)
		entries = decode[[]events.Event](t, resp)
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) == 0 || entries[0].Type != events.EventTaskCreated {
		t.Errorf("journal: got %+v", entries)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/task/q7.0.0.0/journal", "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodDelete, "/v1/task/q7.0.0.0/journal", "", nil), http.StatusNoContent)
}
