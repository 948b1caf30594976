// SPDX-License-Identifier: Apache-2.0

package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/store"
)

type fakeStep struct {
	name    string
	runErrs []error // consumed one per Run call, nil-padded afterwards
	compErr error

	runs  int
	comps int
	calls *[]string // shared call journal
}

func (f *fakeStep) Name() string { return f.name }

func (f *fakeStep) Run(ctx context.Context) error {
	f.runs++
	if f.calls != nil {
		*f.calls = append(*f.calls, "run:"+f.name)
	}

	if len(f.runErrs) > 0 {
		err := f.runErrs[0]
		f.runErrs = f.runErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStep) Compensate(ctx context.Context) error {
	f.comps++
	if f.calls != nil {
		*f.calls = append(*f.calls, "comp:"+f.name)
	}
	return f.compErr
}

// plainStep has no Compensate.
type plainStep struct {
	name string
	runs int
}

func (p *plainStep) Name() string { return p.name }

func (p *plainStep) Run(ctx context.Context) error {
	p.runs++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, mem *store.Memory, steps []Step) *Orchestrator {
	t.Helper()

	o, err := New(Deps{
		WorkflowName: "test_workflow",
		Steps:        steps,
		States:       mem,
		History:      mem,
		Locker:       mem,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestNewValidation(t *testing.T) {
	mem := store.NewMemory()
	step := &fakeStep{name: "a"}

	if _, err := New(Deps{Steps: []Step{step}, States: mem, History: mem}); !errors.Is(err, domain.ErrEmptyWorkflowName) {
		t.Fatalf("expected ErrEmptyWorkflowName, got %v", err)
	}
	if _, err := New(Deps{WorkflowName: "wf", States: mem, History: mem}); !errors.Is(err, domain.ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	if _, err := New(Deps{WorkflowName: "wf", Steps: []Step{step}, History: mem}); err == nil {
		t.Fatal("expected error for nil state store")
	}
	if _, err := New(Deps{WorkflowName: "wf", Steps: []Step{step}, States: mem}); err == nil {
		t.Fatal("expected error for nil history log")
	}
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	mem := store.NewMemory()
	a := &fakeStep{name: "a"}
	b := &fakeStep{name: "b"}
	c := &fakeStep{name: "c"}

	o := newTestOrchestrator(t, mem, []Step{a, b, c})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if result.StepsRun != 3 || result.StepsSkipped != 0 {
		t.Fatalf("expected 3 run / 0 skipped, got %d / %d", result.StepsRun, result.StepsSkipped)
	}

	for _, step := range []*fakeStep{a, b, c} {
		if step.runs != 1 {
			t.Fatalf("step %s: expected 1 run, got %d", step.name, step.runs)
		}
		if step.comps != 0 {
			t.Fatalf("step %s: expected no compensation, got %d", step.name, step.comps)
		}
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.Status != domain.RunSuccess {
		t.Fatalf("expected persisted SUCCESS, got %s", run.Status)
	}
	if run.LastSuccessStep != 2 {
		t.Fatalf("expected last_success_step=2, got %d", run.LastSuccessStep)
	}

	entries, _ := mem.List(context.Background(), "test_workflow", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	if entries[0].Status != domain.RunSuccess || entries[0].StepsCompleted != 3 {
		t.Fatalf("unexpected history entry: %+v", entries[0])
	}
}

func TestExecuteFailureCompensatesInReverseOrder(t *testing.T) {
	mem := store.NewMemory()
	var calls []string

	a := &fakeStep{name: "a", calls: &calls}
	b := &fakeStep{name: "b", calls: &calls}
	c := &fakeStep{name: "c", calls: &calls, runErrs: []error{errors.New("boom")}}
	d := &fakeStep{name: "d", calls: &calls}

	o := newTestOrchestrator(t, mem, []Step{a, b, c, d})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.FailedStep != "c" || result.FailedStepIndex != 2 {
		t.Fatalf("unexpected failure attribution: %+v", result)
	}

	var stepErr *domain.StepError
	if !errors.As(result.Err, &stepErr) {
		t.Fatalf("expected StepError, got %v", result.Err)
	}

	want := []string{"run:a", "run:b", "run:c", "comp:b", "comp:a"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}

	if d.runs != 0 {
		t.Fatal("step after the failed one must never run")
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.Status != domain.RunFailed {
		t.Fatalf("expected persisted FAILED, got %s", run.Status)
	}
	if run.LastSuccessStep != 1 {
		t.Fatalf("expected last_success_step=1, got %d", run.LastSuccessStep)
	}
	if run.Error == "" {
		t.Fatal("expected persisted error text")
	}

	entries, _ := mem.List(context.Background(), "test_workflow", 10)
	if len(entries) != 1 || entries[0].Status != domain.RunFailed {
		t.Fatalf("unexpected history: %+v", entries)
	}
	if entries[0].StepsCompleted != 2 {
		t.Fatalf("expected 2 completed steps in history, got %d", entries[0].StepsCompleted)
	}
}

func TestExecuteResumeSkipsCompletedSteps(t *testing.T) {
	mem := store.NewMemory()

	if err := mem.UpdateState(context.Background(), "test_workflow", domain.StateUpdate{
		Status:          domain.StatusPtr(domain.RunFailed),
		LastSuccessStep: domain.IntPtr(1),
		Error:           domain.StringPtr("earlier failure"),
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	a := &fakeStep{name: "a"}
	b := &fakeStep{name: "b"}
	c := &fakeStep{name: "c"}

	o := newTestOrchestrator(t, mem, []Step{a, b, c})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if result.StepsSkipped != 2 || result.StepsRun != 1 {
		t.Fatalf("expected 2 skipped / 1 run, got %d / %d", result.StepsSkipped, result.StepsRun)
	}

	if a.runs != 0 || b.runs != 0 {
		t.Fatal("completed steps must never be re-invoked")
	}
	if c.runs != 1 {
		t.Fatalf("expected step c to run once, got %d", c.runs)
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.Error != "" {
		t.Fatal("expected stale error to be cleared")
	}
}

func TestExecuteOnSuccessRecordIsNoOp(t *testing.T) {
	mem := store.NewMemory()
	a := &fakeStep{name: "a"}
	b := &fakeStep{name: "b"}

	o := newTestOrchestrator(t, mem, []Step{a, b})

	if _, err := o.Execute(context.Background()); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if result.Status != domain.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if a.runs != 1 || b.runs != 1 {
		t.Fatalf("expected no re-invocation, got a=%d b=%d", a.runs, b.runs)
	}

	entries, _ := mem.List(context.Background(), "test_workflow", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
}

func TestScenarioFailThenRetrySucceeds(t *testing.T) {
	mem := store.NewMemory()

	a := &fakeStep{name: "a"}
	b := &fakeStep{name: "b", runErrs: []error{errors.New("transient")}}
	c := &fakeStep{name: "c"}

	o := newTestOrchestrator(t, mem, []Step{a, b, c})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if a.runs != 1 || b.runs != 1 || c.runs != 0 {
		t.Fatalf("unexpected runs: a=%d b=%d c=%d", a.runs, b.runs, c.runs)
	}
	if a.comps != 1 {
		t.Fatalf("expected a compensated once, got %d", a.comps)
	}
	if b.comps != 0 {
		t.Fatal("the failed step itself must not be compensated")
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.LastSuccessStep != 0 || run.Status != domain.RunFailed || run.Error == "" {
		t.Fatalf("unexpected state after failure: %+v", run)
	}

	// Retry: b succeeds now, a must not run again.
	result, err = o.Execute(context.Background())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if result.Status != domain.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if a.runs != 1 {
		t.Fatal("step a must not be re-invoked on retry")
	}
	if b.runs != 2 || c.runs != 1 {
		t.Fatalf("unexpected retry runs: b=%d c=%d", b.runs, c.runs)
	}

	run, _ = mem.GetState(context.Background(), "test_workflow")
	if run.Status != domain.RunSuccess || run.LastSuccessStep != 2 {
		t.Fatalf("unexpected final state: %+v", run)
	}
}

func TestCompensationFailureDoesNotStopRollback(t *testing.T) {
	mem := store.NewMemory()
	var calls []string

	a := &fakeStep{name: "a", calls: &calls}
	b := &plainStep{name: "b"}
	c := &fakeStep{name: "c", calls: &calls, compErr: errors.New("undo failed")}
	d := &fakeStep{name: "d", calls: &calls, runErrs: []error{errors.New("boom")}}

	o := newTestOrchestrator(t, mem, []Step{a, b, c, d})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	// c's compensation failed, b has none; the walk still reaches a.
	if c.comps != 1 || a.comps != 1 {
		t.Fatalf("expected full rollback walk, got c=%d a=%d", c.comps, a.comps)
	}

	entries, _ := mem.List(context.Background(), "test_workflow", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	if len(entries[0].CompensationErrors) != 1 {
		t.Fatalf("expected 1 compensation error recorded, got %v", entries[0].CompensationErrors)
	}
	if !strings.Contains(entries[0].CompensationErrors[0], "undo failed") {
		t.Fatalf("unexpected compensation error detail: %v", entries[0].CompensationErrors)
	}
}

type blockingStep struct {
	name     string
	started  chan struct{}
	release  chan struct{}
	runCount int
}

func (b *blockingStep) Name() string { return b.name }

func (b *blockingStep) Run(ctx context.Context) error {
	b.runCount++
	close(b.started)
	<-b.release
	return nil
}

func TestConcurrentExecuteConflicts(t *testing.T) {
	mem := store.NewMemory()
	blocker := &blockingStep{
		name:    "slow",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	o := newTestOrchestrator(t, mem, []Step{blocker})

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background())
		done <- err
	}()

	<-blocker.started

	if _, err := o.Execute(context.Background()); !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	// The loser must not have touched the record.
	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.Status != domain.RunInProgress {
		t.Fatalf("expected IN_PROGRESS untouched by loser, got %s", run.Status)
	}

	close(blocker.release)
	if err := <-done; err != nil {
		t.Fatalf("winner failed: %v", err)
	}
	if blocker.runCount != 1 {
		t.Fatalf("expected single run, got %d", blocker.runCount)
	}
}

func TestResetAllowsFullRerun(t *testing.T) {
	mem := store.NewMemory()

	a := &fakeStep{name: "a"}
	b := &fakeStep{name: "b", runErrs: []error{errors.New("boom")}}

	o := newTestOrchestrator(t, mem, []Step{a, b})

	if result, _ := o.Execute(context.Background()); result.Status != domain.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	if err := o.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.Status != domain.RunNotStarted || run.LastSuccessStep != domain.NoStepCompleted || run.Error != "" {
		t.Fatalf("unexpected state after reset: %+v", run)
	}

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute after reset: %v", err)
	}
	if result.Status != domain.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if a.runs != 2 {
		t.Fatalf("expected step a to run again from index 0, got %d runs", a.runs)
	}
}

// checkpointStore records every LastSuccessStep write.
type checkpointStore struct {
	*store.Memory
	checkpoints []int
}

func (c *checkpointStore) UpdateState(ctx context.Context, name string, update domain.StateUpdate) error {
	if update.LastSuccessStep != nil {
		c.checkpoints = append(c.checkpoints, *update.LastSuccessStep)
	}
	return c.Memory.UpdateState(ctx, name, update)
}

func TestCheckpointIsMonotonic(t *testing.T) {
	mem := store.NewMemory()
	cs := &checkpointStore{Memory: mem}

	steps := []Step{
		&fakeStep{name: "a"},
		&fakeStep{name: "b"},
		&fakeStep{name: "c", runErrs: []error{errors.New("boom")}},
	}

	o, err := New(Deps{
		WorkflowName: "test_workflow",
		Steps:        steps,
		States:       cs,
		History:      mem,
		Locker:       mem,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	if _, err := o.Execute(context.Background()); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := o.Execute(context.Background()); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	prev := domain.NoStepCompleted
	for _, checkpoint := range cs.checkpoints {
		if checkpoint < prev {
			t.Fatalf("checkpoint decreased without reset: %v", cs.checkpoints)
		}
		prev = checkpoint
	}
}

// failingStore fails UpdateState after a configurable number of writes.
type failingStore struct {
	*store.Memory
	failAfter int
	writes    int
}

var errStoreDown = errors.New("state store unavailable")

func (f *failingStore) UpdateState(ctx context.Context, name string, update domain.StateUpdate) error {
	f.writes++
	if f.writes > f.failAfter {
		return errStoreDown
	}
	return f.Memory.UpdateState(ctx, name, update)
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	mem := store.NewMemory()
	fs := &failingStore{Memory: mem, failAfter: 1}

	o, err := New(Deps{
		WorkflowName: "test_workflow",
		Steps:        []Step{&fakeStep{name: "a"}, &fakeStep{name: "b"}},
		States:       fs,
		History:      mem,
		Locker:       mem,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	_, err = o.Execute(context.Background())
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store failure surfaced verbatim, got %v", err)
	}
}

type timeoutStep struct {
	name string
}

func (s *timeoutStep) Name() string { return s.name }

func (s *timeoutStep) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStepTimeoutBehavesAsFailure(t *testing.T) {
	mem := store.NewMemory()
	a := &fakeStep{name: "a"}

	o, err := New(Deps{
		WorkflowName: "test_workflow",
		Steps:        []Step{a, &timeoutStep{name: "hang"}},
		States:       mem,
		History:      mem,
		Locker:       mem,
		Logger:       testLogger(),
		StepTimeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if !errors.Is(result.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", result.Err)
	}
	if a.comps != 1 {
		t.Fatal("expected completed step compensated after timeout")
	}

	run, _ := mem.GetState(context.Background(), "test_workflow")
	if run.LastSuccessStep != 0 {
		t.Fatalf("timed out step must not advance the checkpoint, got %d", run.LastSuccessStep)
	}
}

func TestStepFuncAdapter(t *testing.T) {
	mem := store.NewMemory()
	ran := false

	o := newTestOrchestrator(t, mem, []Step{
		StepFunc{
			StepName: "inline",
			RunFunc: func(ctx context.Context) error {
				ran = true
				return nil
			},
		},
	})

	result, err := o.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran || result.Status != domain.RunSuccess {
		t.Fatalf("expected inline step to run, got %+v", result)
	}
}

func TestFailureAtEveryIndex(t *testing.T) {
	const n = 5

	for k := 0; k < n; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			mem := store.NewMemory()
			var calls []string

			stepList := make([]Step, 0, n)
			fakes := make([]*fakeStep, 0, n)
			for i := 0; i < n; i++ {
				f := &fakeStep{name: fmt.Sprintf("s%d", i), calls: &calls}
				if i == k {
					f.runErrs = []error{errors.New("boom")}
				}
				fakes = append(fakes, f)
				stepList = append(stepList, f)
			}

			o := newTestOrchestrator(t, mem, stepList)

			result, err := o.Execute(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Status != domain.RunFailed || result.FailedStepIndex != k {
				t.Fatalf("expected failure at %d, got %+v", k, result)
			}

			want := make([]string, 0, 2*n)
			for i := 0; i <= k; i++ {
				want = append(want, "run:"+fakes[i].name)
			}
			for i := k - 1; i >= 0; i-- {
				want = append(want, "comp:"+fakes[i].name)
			}
			if strings.Join(calls, ",") != strings.Join(want, ",") {
				t.Fatalf("expected calls %v, got %v", want, calls)
			}

			for i, f := range fakes {
				wantRuns := 0
				if i <= k {
					wantRuns = 1
				}
				wantComps := 0
				if i < k {
					wantComps = 1
				}
				if f.runs != wantRuns || f.comps != wantComps {
					t.Fatalf("step %d: runs=%d comps=%d, want runs=%d comps=%d", i, f.runs, f.comps, wantRuns, wantComps)
				}
			}
		})
	}
}
