package camera

import (
	"context"
	"fmt"
)

// Task はネイティブキャプチャ操作1件を表す
//
// 同期タスクはProcessor経由で実行され、非同期タスクは呼び出し元の
// ゴルーチンで直接実行される。非同期はドライバーがスレッドセーフと
// 宣言している場合にのみ使う。
type Task struct {
	name   string
	device string
	sync   bool
	proc   *Processor
	handle func(ctx context.Context) error

	ctx context.Context
	err error
}

// NewTask は新しいTaskを作成する
func NewTask(proc *Processor, name, device string, threadSafe bool, handle func(ctx context.Context) error) *Task {
	return &Task{
		name:   name,
		device: device,
		sync:   !threadSafe,
		proc:   proc,
		handle: handle,
		ctx:    context.Background(),
	}
}

// Name はタスク名を返す
func (t *Task) Name() string {
	return t.name
}

// Device は対象デバイス名を返す
func (t *Task) Device() string {
	return t.device
}

// Sync は同期タスクかどうかを返す
func (t *Task) Sync() bool {
	return t.sync
}

// Err は捕捉されたエラーを返す
func (t *Task) Err() error {
	return t.err
}

// Process はタスクを実行する
func (t *Task) Process(ctx context.Context) error {
	if !t.sync {
		t.run(ctx)
		return t.err
	}
	if t.proc == nil {
		return fmt.Errorf("同期タスク %s にプロセッサーが設定されていません", t.name)
	}
	return t.proc.Submit(ctx, t)
}

// run はhandleを実行し、エラーやpanicをタスクに記録する
func (t *Task) run(ctx context.Context) {
	t.err = nil
	defer func() {
		if r := recover(); r != nil {
			t.err = &TaskError{Task: t.name, Device: t.device, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := t.handle(ctx); err != nil {
		t.err = &TaskError{Task: t.name, Device: t.device, Err: err}
	}
}

// 以下はデバイス/ドライバー操作をタスクとして実行するヘルパー

func openDevice(ctx context.Context, proc *Processor, dev Device, threadSafe bool) error {
	return NewTask(proc, "open", dev.Name(), threadSafe, func(ctx context.Context) error {
		return dev.Open(ctx)
	}).Process(ctx)
}

func closeDevice(ctx context.Context, proc *Processor, dev Device, threadSafe bool) error {
	return NewTask(proc, "close", dev.Name(), threadSafe, func(ctx context.Context) error {
		// 既にクローズされていれば何もしない
		if !dev.IsOpen() {
			return nil
		}
		return dev.Close(ctx)
	}).Process(ctx)
}

func disposeDevice(ctx context.Context, proc *Processor, dev Device, threadSafe bool) error {
	return NewTask(proc, "dispose", dev.Name(), threadSafe, func(ctx context.Context) error {
		return dev.Dispose(ctx)
	}).Process(ctx)
}

func readImage(ctx context.Context, proc *Processor, dev Device, threadSafe bool) (ReadResult, error) {
	var result ReadResult
	err := NewTask(proc, "read-image", dev.Name(), threadSafe, func(ctx context.Context) error {
		result = dev.Image(ctx)
		return nil
	}).Process(ctx)
	return result, err
}

func readBuffer(ctx context.Context, proc *Processor, dev Device, threadSafe bool) ([]byte, error) {
	buffer := dev.Capabilities().Buffer
	if buffer == nil {
		return nil, ErrBufferUnsupported
	}

	var data []byte
	err := NewTask(proc, "read-buffer", dev.Name(), threadSafe, func(ctx context.Context) error {
		var err error
		data, err = buffer.ImageBytes(ctx)
		return err
	}).Process(ctx)
	return data, err
}

func listDevices(ctx context.Context, proc *Processor, drv Driver) ([]Device, error) {
	var devices []Device
	err := NewTask(proc, "enumerate-devices", "", drv.IsThreadSafe(), func(ctx context.Context) error {
		var err error
		devices, err = drv.Devices(ctx)
		return err
	}).Process(ctx)
	return devices, err
}
