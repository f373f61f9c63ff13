package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestProcessor_SubmitRunsTask(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	ran := false
	task := NewTask(proc, "test", "dev", false, func(context.Context) error {
		ran = true
		return nil
	})

	if err := task.Process(ctx); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !ran {
		t.Fatal("Expected task handle to run")
	}

	stats := proc.Stats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestProcessor_ConcurrentSubmitters(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	const submitters = 50
	var running atomic.Int32
	var overlap atomic.Bool
	var executed atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := NewTask(proc, "concurrent", "dev", false, func(context.Context) error {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				executed.Add(1)
				running.Add(-1)
				return nil
			})
			if err := task.Process(ctx); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// 同時に実行されるタスクは常に1つ
	if overlap.Load() {
		t.Error("Expected tasks never to overlap")
	}
	if executed.Load() != submitters {
		t.Errorf("Expected %d executions, got %d", submitters, executed.Load())
	}

	stats := proc.Stats()
	if stats.Submitted != submitters {
		t.Errorf("Expected %d submitted, got %d", submitters, stats.Submitted)
	}
	if stats.Completed != stats.Submitted {
		t.Errorf("Expected completed == submitted, got %+v", stats)
	}
}

func TestProcessor_TaskErrorIsWrapped(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	cause := errors.New("native failure")
	err := NewTask(proc, "fail", "cam0", false, func(context.Context) error {
		return cause
	}).Process(ctx)

	if !errors.Is(err, ErrTaskExecution) {
		t.Errorf("Expected ErrTaskExecution, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected cause to be wrapped, got %v", err)
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("Expected *TaskError, got %T", err)
	}
	if taskErr.Task != "fail" || taskErr.Device != "cam0" {
		t.Errorf("Unexpected task error fields: %+v", taskErr)
	}

	// 失敗後もプロセッサーは動き続ける
	if err := NewTask(proc, "ok", "cam0", false, func(context.Context) error { return nil }).Process(ctx); err != nil {
		t.Errorf("Expected processor to survive task failure, got %v", err)
	}
	if proc.Stats().Failed != 1 {
		t.Errorf("Expected 1 failed task, got %d", proc.Stats().Failed)
	}
}

func TestProcessor_PanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	err := NewTask(proc, "panic", "dev", false, func(context.Context) error {
		panic("boom")
	}).Process(ctx)

	if !errors.Is(err, ErrTaskExecution) {
		t.Fatalf("Expected ErrTaskExecution from panic, got %v", err)
	}

	if err := NewTask(proc, "after", "dev", false, func(context.Context) error { return nil }).Process(ctx); err != nil {
		t.Errorf("Expected processor to survive panic, got %v", err)
	}
}

func TestProcessor_NestedTaskRunsInline(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	innerRan := false
	outer := NewTask(proc, "outer", "dev", false, func(ctx context.Context) error {
		return NewTask(proc, "inner", "dev", false, func(context.Context) error {
			innerRan = true
			return nil
		}).Process(ctx)
	})

	done := make(chan error, 1)
	go func() { done <- outer.Process(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Nested task deadlocked")
	}

	if !innerRan {
		t.Error("Expected inner task to run")
	}
}

func TestProcessor_ContextCancelledBeforeHandoff(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	// 1つ目のタスクでプロセッサーを占有する
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = NewTask(proc, "blocker", "dev", false, func(context.Context) error {
			close(started)
			<-release
			return nil
		}).Process(ctx)
	}()
	<-started

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	ran := false
	err := NewTask(proc, "late", "dev", false, func(context.Context) error {
		ran = true
		return nil
	}).Process(cctx)

	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if ran {
		t.Error("Expected cancelled task not to run")
	}
}

func TestProcessor_AbandonedCallerDoesNotBlockLoop(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	cctx, cancel := context.WithCancel(ctx)
	started := make(chan struct{})
	release := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewTask(proc, "slow", "dev", false, func(context.Context) error {
			close(started)
			<-release
			return nil
		}).Process(cctx)
	}()

	<-started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected Canceled, got %v", err)
	}
	close(release)

	// 離脱した呼び出し元があっても後続のタスクは処理される
	done := make(chan error, 1)
	go func() {
		done <- NewTask(proc, "next", "dev", false, func(context.Context) error { return nil }).Process(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Process failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Processor loop blocked by abandoned caller")
	}
}

func TestProcessor_StopRejectsSubmissions(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)

	// 一度も起動していなくても停止できる
	if err := proc.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := proc.Stop(ctx); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}

	err := NewTask(proc, "after-stop", "dev", false, func(context.Context) error { return nil }).Process(ctx)
	if !errors.Is(err, ErrProcessorStopped) {
		t.Errorf("Expected ErrProcessorStopped, got %v", err)
	}
}

func TestTask_AsyncRunsOnCaller(t *testing.T) {
	// スレッドセーフなドライバーのタスクはプロセッサーを経由しない
	task := NewTask(nil, "async", "dev", true, func(ctx context.Context) error {
		if _, ok := ctx.Value(processorKey{}).(*Processor); ok {
			t.Error("Expected async task to run outside the processor")
		}
		return nil
	})

	if task.Sync() {
		t.Fatal("Expected async task")
	}
	if err := task.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
}

func TestTask_SyncWithoutProcessor(t *testing.T) {
	task := NewTask(nil, "sync", "dev", false, func(context.Context) error { return nil })
	if err := task.Process(context.Background()); err == nil {
		t.Error("Expected error for sync task without processor")
	}
}
