package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/memory"
)

// goLauncher runs every driver on its own goroutine.
type goLauncher struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newGoLauncher(t *testing.T) *goLauncher {
	l := &goLauncher{cancels: make(map[string]context.CancelFunc)}
	t.Cleanup(func() {
		l.mu.Lock()
		for _, cancel := range l.cancels {
			cancel()
		}
		l.mu.Unlock()
		l.wg.Wait()
	})
	return l
}

func (l *goLauncher) Launch(taskID string, run func(ctx context.Context)) error {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancels[taskID] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		run(ctx)
	}()
	return nil
}

func (l *goLauncher) Cancel(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[taskID]; ok {
		cancel()
	}
}

// blockingDriver runs until its task is stopped.
var blockingDriver = DriverFunc(func(ctx context.Context, dc *DriverContext) error {
	<-ctx.Done()
	return ctx.Err()
})

// echoDriver writes each split payload to the first output buffer.
var echoDriver = DriverFunc(func(ctx context.Context, dc *DriverContext) error {
	out := dc.OutputBuffers()
	for {
		s, ok, err := dc.NextSplit(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(out) > 0 {
			if err := dc.Enqueue(out[0], buffer.NewPage(1, s.Split.Payload)); err != nil {
				return err
			}
		}
		dc.SplitDone(s)
	}
})

func newTestAccountant(t *testing.T, general int64) *memory.Accountant {
	t.Helper()
	return memory.NewAccountant(map[memory.PoolID]memory.PoolConfig{
		memory.GeneralPool:  {MaxBytes: general, RevocableSoftLimit: general / 2},
		memory.ReservedPool: {MaxBytes: general / 4},
	}, nil)
}

func newTestTask(t *testing.T, driver Driver, acct *memory.Accountant) *Task {
	t.Helper()
	if acct == nil {
		acct = newTestAccountant(t, 1<<20)
	}
	return NewTask("q1.1.0.0.0", TaskConfig{
		NodeID:      "node-1",
		Accountant:  acct,
		Launcher:    newGoLauncher(t),
		Driver:      driver,
		DefaultPool: memory.GeneralPool,
		MaxPages:    16,
	})
}

func planUpdate(version int64, buffers ...string) TaskUpdateRequest {
	return TaskUpdateRequest{
		Version: version,
		Updates: []Update{PlanAssignment{Sources: []string{"scan"}, OutputBuffers: buffers}},
	}
}

func waitForState(t *testing.T, task *Task, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", task.State(), want)
}

func TestParseTaskID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		query   string
	}{
		{"20240101_000000_00001_abcde.1.0.2.0", false, "20240101_000000_00001_abcde"},
		{"plain", false, "plain"},
		{"", true, ""},
		{"a/b", true, ""},
		{"a b", true, ""},
	}
	for _, tt := range tests {
		id, err := ParseTaskID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidTaskID) {
				t.Errorf("ParseTaskID(%q): got %v, want ErrInvalidTaskID", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTaskID(%q): %v", tt.in, err)
			continue
		}
		if got := id.QueryID(); got != tt.query {
			t.Errorf("QueryID(%q): got %q, want %q", tt.in, got, tt.query)
		}
	}
}

func TestDecodeTaskUpdate(t *testing.T) {
	body := `{
		"version": 3,
		"updates": [
			{"type": "plan", "fragment": {"op": "scan"}, "sources": ["n1"], "outputBuffers": ["0", "1"],
			 "memory": {"pool": "reserved", "bytes": 128, "revocableBytes": 64}},
			{"type": "splits", "planNodeId": "n1", "splits": [{"sequenceId": 0, "payload": "a"}]},
			{"type": "noMoreSplits", "planNodeId": "n1"}
		]
	}`

	var req TaskUpdateRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.Version != 3 || len(req.Updates) != 3 {
		t.Fatalf("got version %d with %d updates", req.Version, len(req.Updates))
	}
	plan, ok := req.Updates[0].(PlanAssignment)
	if !ok {
		t.Fatalf("update 0: got %T, want PlanAssignment", req.Updates[0])
	}
	if plan.Memory == nil || plan.Memory.Pool != memory.ReservedPool || plan.Memory.Bytes != 128 {
		t.Errorf("plan memory: got %+v", plan.Memory)
	}
	if s, ok := req.Updates[1].(SplitBatch); !ok || len(s.Splits) != 1 {
		t.Errorf("update 1: got %#v", req.Updates[1])
	}
	if n, ok := req.Updates[2].(NoMoreSplits); !ok || n.PlanNodeID != "n1" {
		t.Errorf("update 2: got %#v", req.Updates[2])
	}

	// Encoding keeps the tag so the request survives a round trip.
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var again TaskUpdateRequest
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("Unmarshal re-encoded: %v", err)
	}
	if len(again.Updates) != 3 {
		t.Errorf("round trip: got %d updates", len(again.Updates))
	}
}

func TestDecodeTaskUpdateRejectsMalformed(t *testing.T) {
	bodies := map[string]string{
		"unknown type":    `{"version": 1, "updates": [{"type": "teleport"}]}`,
		"missing version": `{"updates": []}`,
		"splits no node":  `{"version": 1, "updates": [{"type": "splits", "splits": []}]}`,
		"not json":        `{"version": `,
	}
	for name, body := range bodies {
		var req TaskUpdateRequest
		if err := json.Unmarshal([]byte(body), &req); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestUpdateStartsTask(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	if got := task.State(); got != StatePlanned {
		t.Fatalf("initial state: got %s, want PLANNED", got)
	}

	if !task.Update(planUpdate(1, "B1")) {
		t.Fatal("first update rejected")
	}
	if got := task.State(); got != StateRunning {
		t.Errorf("state: got %s, want RUNNING", got)
	}
	if got := task.Buffers().BufferIDs(); len(got) != 1 || got[0] != "B1" {
		t.Errorf("buffers: got %v, want [B1]", got)
	}
}

func TestStaleUpdateChangesNothing(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	task.Update(planUpdate(2, "B1"))

	before := task.Info(true)
	for _, v := range []int64{2, 1, 0} {
		if task.Update(TaskUpdateRequest{Version: v, Updates: []Update{NoMoreSplits{PlanNodeID: "scan"}}}) {
			t.Errorf("update with version %d accepted", v)
		}
	}
	after := task.Info(true)

	if after.TaskStatus.Version != before.TaskStatus.Version {
		t.Errorf("version: got %d, want %d", after.TaskStatus.Version, before.TaskStatus.Version)
	}
	if after.TaskStatus.State != before.TaskStatus.State {
		t.Errorf("state: got %s, want %s", after.TaskStatus.State, before.TaskStatus.State)
	}
	if len(after.NoMoreSplits) != 0 {
		t.Errorf("stale update leaked: noMoreSplits %v", after.NoMoreSplits)
	}
}

func TestDuplicateSplitsAreIgnored(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	task.Update(planUpdate(1, "B1"))

	batch := SplitBatch{PlanNodeID: "scan", Splits: []Split{{SequenceID: 0}, {SequenceID: 1}}}
	task.Update(TaskUpdateRequest{Version: 2, Updates: []Update{batch}})
	task.Update(TaskUpdateRequest{Version: 3, Updates: []Update{batch, SplitBatch{PlanNodeID: "scan", Splits: []Split{{SequenceID: 2}}}}})

	info := task.Info(false)
	if info.Stats.TotalSplits != 3 {
		t.Errorf("total splits: got %d, want 3", info.Stats.TotalSplits)
	}
	if len(info.Sources) != 1 || info.Sources[0].QueuedSplits != 3 {
		t.Errorf("sources: got %+v", info.Sources)
	}
	if summarized := task.Info(true); len(summarized.Sources) != 0 || len(summarized.OutputBuffers.Buffers) != 0 {
		t.Errorf("summarized info carries detail: %+v", summarized)
	}
}

func TestResultExchangeScenario(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	task.Update(planUpdate(1, "B1"))

	for _, p := range []string{"p0", "p1", "p2"} {
		if err := task.Buffers().Enqueue("B1", buffer.NewPage(1, []byte(p))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx := context.Background()
	res, err := task.Buffers().Get(ctx, "B1", 0, 0, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if len(res.Pages) != 3 || res.NextToken != 3 {
		t.Fatalf("Get(0): got %d pages, next %d; want 3, 3", len(res.Pages), res.NextToken)
	}

	if err := task.Buffers().Acknowledge("B1", 2); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := task.Buffers().Get(ctx, "B1", 0, 0, 0); !errors.Is(err, buffer.ErrTokenOutOfRange) {
		t.Errorf("Get(0) after ack: got %v, want ErrTokenOutOfRange", err)
	}

	res, err = task.Buffers().Get(ctx, "B1", 2, 0, 0)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if len(res.Pages) > 0 && string(res.Pages[0].Data) != "p2" {
		t.Errorf("Get(2): got %q, want p2", res.Pages[0].Data)
	}
}

func TestAbortWakesPendingGet(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	task.Update(planUpdate(1, "B1"))

	type outcome struct {
		res buffer.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := task.Buffers().Get(context.Background(), "B1", 5, 0, 30*time.Second)
		done <- outcome{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	if !task.Abort() {
		t.Fatal("Abort reported no change")
	}

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("pending Get: %v", o.err)
		}
		if !o.res.BufferComplete || len(o.res.Pages) != 0 {
			t.Errorf("pending Get: got %+v, want terminal empty batch", o.res)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("pending Get returned after %s", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Get was not woken by Abort")
	}

	if got := task.State(); got != StateAborted {
		t.Errorf("state: got %s, want ABORTED", got)
	}
}

func TestAbortKeepsBufferedPagesAndRejectsNewOnes(t *testing.T) {
	task := newTestTask(t, blockingDriver, nil)
	task.Update(planUpdate(1, "B1"))
	task.Buffers().Enqueue("B1", buffer.NewPage(1, []byte("kept")))

	task.Abort()

	dc := &DriverContext{task: task}
	if err := dc.Enqueue("B1", buffer.NewPage(1, []byte("late"))); !errors.Is(err, ErrTaskDone) {
		t.Errorf("late enqueue: got %v, want ErrTaskDone", err)
	}

	res, err := task.Buffers().Get(context.Background(), "B1", 0, 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(res.Pages) != 1 || string(res.Pages[0].Data) != "kept" || !res.BufferComplete {
		t.Errorf("Get after abort: got %+v", res)
	}
}

func TestCancelAndAbortTransitions(t *testing.T) {
	t.Run("cancel then abort", func(t *testing.T) {
		task := newTestTask(t, blockingDriver, nil)
		task.Update(planUpdate(1, "B1"))
		if !task.Cancel() {
			t.Fatal("Cancel reported no change")
		}
		if task.Cancel() {
			t.Error("second Cancel changed state")
		}
		if !task.Abort() {
			t.Fatal("Abort after Cancel reported no change")
		}
		if got := task.State(); got != StateAborted {
			t.Errorf("state: got %s, want ABORTED", got)
		}
	})

	t.Run("abort then cancel", func(t *testing.T) {
		task := newTestTask(t, blockingDriver, nil)
		task.Update(planUpdate(1, "B1"))
		task.Abort()
		if task.Cancel() {
			t.Error("Cancel after Abort changed state")
		}
		if task.Abort() {
			t.Error("second Abort changed state")
		}
		if got := task.State(); got != StateAborted {
			t.Errorf("state: got %s, want ABORTED", got)
		}
	})

	t.Run("finished is a sink", func(t *testing.T) {
		task := newTestTask(t, echoDriver, nil)
		task.Update(TaskUpdateRequest{Version: 1, Updates: []Update{
			PlanAssignment{Sources: []string{"scan"}},
			NoMoreSplits{PlanNodeID: "scan"},
		}})
		waitForState(t, task, StateFinished)
		if task.Abort() || task.Cancel() {
			t.Error("finished task changed state")
		}
	})
}

func TestAbortWinsRaceWithCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		task := newTestTask(t, blockingDriver, nil)
		task.Update(planUpdate(1, "B1"))

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			task.Cancel()
		}()
		go func() {
			defer wg.Done()
			<-start
			task.Abort()
		}()
		close(start)
		wg.Wait()

		if got := task.State(); got != StateAborted {
			t.Fatalf("iteration %d: got %s, want ABORTED", i, got)
		}
	}
}

func TestPlanReservationFailureFailsTask(t *testing.T) {
	acct := newTestAccountant(t, 100)
	task := newTestTask(t, blockingDriver, acct)

	accepted := task.Update(TaskUpdateRequest{Version: 1, Updates: []Update{
		PlanAssignment{OutputBuffers: []string{"B1"}, Memory: &MemoryRequest{Bytes: 500}},
	}})
	if !accepted {
		t.Fatal("update rejected")
	}

	st := task.Status()
	if st.State != StateFailed {
		t.Fatalf("state: got %s, want FAILED", st.State)
	}
	if len(st.Failures) != 1 || st.Failures[0].Type != FailureOutOfMemory {
		t.Errorf("failures: got %+v", st.Failures)
	}
	if reserved, _ := acct.TaskUsage(string(task.ID())); reserved != 0 {
		t.Errorf("reserved after failure: got %d, want 0", reserved)
	}
}

func TestPlanMemoryIsReleasedOnAbort(t *testing.T) {
	acct := newTestAccountant(t, 1000)
	task := newTestTask(t, blockingDriver, acct)
	task.Update(TaskUpdateRequest{Version: 1, Updates: []Update{
		PlanAssignment{OutputBuffers: []string{"B1"}, Memory: &MemoryRequest{Bytes: 400, RevocableBytes: 50}},
	}})

	if reserved, revocable := acct.TaskUsage(string(task.ID())); reserved != 400 || revocable != 50 {
		t.Fatalf("usage: got %d/%d, want 400/50", reserved, revocable)
	}
	task.Abort()
	if reserved, revocable := acct.TaskUsage(string(task.ID())); reserved != 0 || revocable != 0 {
		t.Errorf("usage after abort: got %d/%d, want 0/0", reserved, revocable)
	}
}

func TestPageReservationFailureFailsTask(t *testing.T) {
	acct := newTestAccountant(t, 10)
	task := newTestTask(t, echoDriver, acct)
	task.Update(TaskUpdateRequest{Version: 1, Updates: []Update{
		PlanAssignment{Sources: []string{"scan"}, OutputBuffers: []string{"B1"}},
		SplitBatch{PlanNodeID: "scan", Splits: []Split{{SequenceID: 0, Payload: json.RawMessage(`"this payload is larger than ten bytes"`)}}},
	}})

	waitForState(t, task, StateFailed)
	if st := task.Status(); len(st.Failures) != 1 || st.Failures[0].Type != FailureOutOfMemory {
		t.Errorf("failures: got %+v", st.Failures)
	}
}

func TestFinishingUntilBuffersDrained(t *testing.T) {
	acct := newTestAccountant(t, 1<<20)
	task := newTestTask(t, echoDriver, acct)
	task.Update(TaskUpdateRequest{Version: 1, Updates: []Update{
		PlanAssignment{Sources: []string{"scan"}, OutputBuffers: []string{"B1"}},
		SplitBatch{PlanNodeID: "scan", Splits: []Split{
			{SequenceID: 0, Payload: json.RawMessage(`"a"`)},
			{SequenceID: 1, Payload: json.RawMessage(`"b"`)},
		}},
		NoMoreSplits{PlanNodeID: "scan"},
	}})

	waitForState(t, task, StateFinishing)
	if reserved, _ := acct.TaskUsage(string(task.ID())); reserved == 0 {
		t.Error("buffered pages hold no memory")
	}

	res, err := task.Buffers().Get(context.Background(), "B1", 0, 0, time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(res.Pages) != 2 || !res.BufferComplete {
		t.Fatalf("Get: got %d pages complete=%v, want 2 complete", len(res.Pages), res.BufferComplete)
	}
	if got := task.State(); got != StateFinishing {
		t.Errorf("state before ack: got %s, want FINISHING", got)
	}

	if err := task.Buffers().Acknowledge("B1", res.NextToken); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	waitForState(t, task, StateFinished)
	if reserved, _ := acct.TaskUsage(string(task.ID())); reserved != 0 {
		t.Errorf("reserved after finish: got %d, want 0", reserved)
	}
	if info := task.Info(true); info.Stats.CompletedSplits != 2 {
		t.Errorf("completed splits: got %d, want 2", info.Stats.CompletedSplits)
	}
}

func TestDriverErrorFailsTask(t *testing.T) {
	boom := DriverFunc(func(ctx context.Context, dc *DriverContext) error {
		return errors.New("boom")
	})
	task := newTestTask(t, boom, nil)
	task.Update(planUpdate(1, "B1"))

	waitForState(t, task, StateFailed)
	if st := task.Status(); len(st.Failures) != 1 || st.Failures[0].Type != FailureDriver {
		t.Errorf("failures: got %+v", st.Failures)
	}
}

func TestTaskStatusMemoryFieldNames(t *testing.T) {
	data, err := json.Marshal(TaskStatus{MemoryReservationBytes: 3, RevocableMemoryReservation: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := fields["memoryReservationInBytes"]; got != float64(3) {
		t.Errorf("memoryReservationInBytes: got %v, want 3", got)
	}
	if got := fields["revocableMemoryReservationInBytes"]; got != float64(7) {
		t.Errorf("revocableMemoryReservationInBytes: got %v, want 7", got)
	}
	if _, ok := fields["systemMemoryReservationInBytes"]; ok {
		t.Error("revocable memory reported under the system memory name")
	}
}
