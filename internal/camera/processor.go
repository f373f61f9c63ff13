package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var processorSeq atomic.Int32

type processorKey struct{}

// ProcessorStats はプロセッサーの処理件数
type ProcessorStats struct {
	Submitted uint64 `json:"submitted"` // プロセッサーに受け渡されたタスク数
	Completed uint64 `json:"completed"` // 呼び出し元へ返却されたタスク数
	Failed    uint64 `json:"failed"`    // エラーで終了したタスク数
}

// Processor はネイティブキャプチャ操作を専用ゴルーチン上で直列化する
//
// inbound/outbound はどちらもバッファなしチャンネルで、受け渡しはランデブーになる。
// 同時に実行されるタスクはプロセス全体で常に1つだけ。
// 競合する投入者間の順序はGoランタイムの起床順に依存し、FIFOは保証しない。
type Processor struct {
	name     string
	inbound  chan *Task
	outbound chan *Task
	stopCh   chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	log *logrus.Entry
}

// NewProcessor は新しいProcessorを作成する
// ゴルーチンは最初のSubmitまたはStartで起動する
func NewProcessor(log *logrus.Entry) *Processor {
	name := fmt.Sprintf("capture-processor-%d", processorSeq.Add(1))
	return &Processor{
		name:     name,
		inbound:  make(chan *Task),
		outbound: make(chan *Task),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		log:      entryOrDefault(log).WithField("processor", name),
	}
}

// Name はプロセッサー名を返す
func (p *Processor) Name() string {
	return p.name
}

// Start はプロセッサーのゴルーチンを起動する（多重呼び出しは無視）
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.log.Debug("プロセッサーを起動します")
		go p.loop()
	})
}

// Stop はプロセッサーを停止する
// 実行中のタスクがあれば、その完了を待ってから戻る
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		// 一度も起動していない場合はループを回さずに完了扱いにする
		p.startOnce.Do(func() { close(p.done) })
	})

	select {
	case <-p.done:
		p.log.Debug("プロセッサーを停止しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("プロセッサーの停止待ちが中断されました: %w", ctx.Err())
	}
}

// Submit はタスクをプロセッサー上で実行し、完了するまで呼び出し元をブロックする
//
// タスクが受け渡される前にctxが終了した場合、タスクは実行されない。
// 受け渡し後にctxが終了した場合、タスクは実行されるが結果は破棄される。
func (p *Processor) Submit(ctx context.Context, t *Task) error {
	// 実行中タスクの内側からの呼び出しはその場で処理する（デッドロック回避）
	if owner, ok := ctx.Value(processorKey{}).(*Processor); ok && owner == p {
		t.run(ctx)
		return t.err
	}

	select {
	case <-p.stopCh:
		return ErrProcessorStopped
	default:
	}

	p.Start()
	t.ctx = ctx

	select {
	case p.inbound <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrProcessorStopped
	}

	select {
	case <-p.outbound:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats は処理件数のスナップショットを返す
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// loop はタスクを1件ずつ受け取り実行する
// タスクの失敗ではループは終了しない
func (p *Processor) loop() {
	defer close(p.done)

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.inbound:
			p.execute(t)
		}
	}
}

// execute はタスクを実行し、成否に関わらず同じタスクをoutboundへ返す
func (p *Processor) execute(t *Task) {
	p.submitted.Add(1)

	defer func() {
		select {
		case p.outbound <- t:
			p.completed.Add(1)
		case <-t.ctx.Done():
			// 呼び出し元は既に待機をやめている
			p.log.WithField("task", t.name).Debug("呼び出し元が離脱したためタスク結果を破棄します")
		}
	}()

	t.run(context.WithValue(t.ctx, processorKey{}, p))
	if t.err != nil {
		p.failed.Add(1)
		p.log.WithFields(logrus.Fields{
			"task":   t.name,
			"device": t.device,
		}).Debugf("タスクがエラーで終了しました: %v", t.err)
	}
}

// entryOrDefault はnilの場合に標準ロガーのEntryを返す
func entryOrDefault(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return log
}
