package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable はデバイスが消失したか起動に失敗したことを表す
	ErrDeviceUnavailable = errors.New("デバイスが利用できません")
	// ErrNotOpen はクローズ状態のセッションに対する操作を表す
	ErrNotOpen = errors.New("セッションがオープンされていません")
	// ErrAlreadyDisposed は破棄済みセッションに対する操作を表す
	ErrAlreadyDisposed = errors.New("セッションは既に破棄されています")
	// ErrNamingConflict は検出時のデバイス名重複を表す
	ErrNamingConflict = errors.New("デバイス名が重複しています")
	// ErrTaskExecution はキャプチャタスク内で発生したエラーを表す
	ErrTaskExecution = errors.New("キャプチャタスクの実行に失敗")
	// ErrProcessorStopped は停止済みプロセッサーへのタスク投入を表す
	ErrProcessorStopped = errors.New("プロセッサーは停止しています")
	// ErrInvalidResolution はサポートされない解像度の指定を表す
	ErrInvalidResolution = errors.New("無効な解像度")
	// ErrLocked はデバイスが他プロセスにロックされていることを表す
	ErrLocked = errors.New("デバイスは他のプロセスにロックされています")
	// ErrSessionBusy はオープン中のセッションでは行えない操作を表す
	ErrSessionBusy = errors.New("セッションはオープン中です")
	// ErrBufferUnsupported はバッファアクセス非対応のデバイスを表す
	ErrBufferUnsupported = errors.New("デバイスはバッファアクセスをサポートしていません")
)

// TaskError はタスク実行中に捕捉されたエラー
// errors.Is(err, ErrTaskExecution) と元のエラーの両方にマッチする
type TaskError struct {
	Task   string
	Device string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s (%s): %v", ErrTaskExecution, e.Task, e.Err)
	}
	return fmt.Sprintf("%s (%s, %s): %v", ErrTaskExecution, e.Task, e.Device, e.Err)
}

func (e *TaskError) Unwrap() []error {
	return []error{ErrTaskExecution, e.Err}
}
