package camera

import (
	"context"
	"fmt"
	"image"
	"time"
)

// State はセッションのライフサイクル状態を表す
type State int

const (
	StateClosed   State = iota // クローズ済み
	StateOpening               // オープン処理中
	StateOpen                  // オープン済み
	StateClosing               // クローズ処理中
	StateDisposed              // 破棄済み（終端状態）
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpening:  "opening",
	StateOpen:     "open",
	StateClosing:  "closing",
	StateDisposed: "disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width" yaml:"width"`   // 幅
	Height int `json:"height" yaml:"height"` // 高さ
}

// IsZero は解像度が未設定かどうかを返す
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Outcome はデバイスからのフレーム読み取り結果の種別
type Outcome int

const (
	// Ready はフレームが取得できたことを表す
	Ready Outcome = iota
	// NotReady はまだフレームが用意できていないことを表す（エラーではない）
	NotReady
	// Failed はデバイスに到達できなかったことを表す
	Failed
)

// ReadResult はDevice.Imageの戻り値
type ReadResult struct {
	Outcome Outcome
	Image   image.Image
	Err     error
}

// FrameReady は取得済みフレームの結果を作る
func FrameReady(img image.Image) ReadResult {
	return ReadResult{Outcome: Ready, Image: img}
}

// FrameNotReady はフレーム未準備の結果を作る
func FrameNotReady() ReadResult {
	return ReadResult{Outcome: NotReady}
}

// FrameFailed はデバイス到達不能の結果を作る
func FrameFailed(err error) ReadResult {
	return ReadResult{Outcome: Failed, Err: err}
}

// Frame はセッションから取得した1フレーム
// Imageがnilの場合は「フレームなし」を表す
type Frame struct {
	Image    image.Image
	Captured time.Time
}

// Empty はフレームが無いかどうかを返す
func (f Frame) Empty() bool {
	return f.Image == nil
}

// Device はネイティブキャプチャ機構に裏付けられたカメラデバイス
//
// Imageはフレームが用意できるまでチャンネルやタイマーで待機し、
// ctxのキャンセルを監視しなければならない（スリープによるポーリングは禁止）。
type Device interface {
	Name() string
	Resolutions() []Resolution
	Resolution() Resolution
	SetResolution(r Resolution) error
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Dispose(ctx context.Context) error
	IsOpen() bool
	Image(ctx context.Context) ReadResult

	// Capabilities はデバイスが追加でサポートする機能を返す
	Capabilities() Capabilities
}

// Capabilities はデバイスのオプション機能
// サポートしない機能はnilになる
type Capabilities struct {
	Buffer BufferAccess
	FPS    FPSSource
}

// BufferAccess は生のフレームバッファを直接読み取れるデバイスの機能
type BufferAccess interface {
	ImageBytes(ctx context.Context) ([]byte, error)
}

// FPSSource は自前でフレームレートを計測できるデバイスの機能
type FPSSource interface {
	FPS() float64
}

// Driver はひとつのキャプチャ方式についてデバイスを列挙する
type Driver interface {
	// Devices は現在利用可能なデバイスの一覧を返す
	Devices(ctx context.Context) ([]Device, error)

	// IsThreadSafe はドライバーが並行呼び出しに対して安全かどうかを返す
	IsThreadSafe() bool

	// Discovery は定期スキャン機能を返す。サポートしない場合はnil
	Discovery() DiscoverySupport
}

// DiscoverySupport は定期的なデバイス再検出をサポートするドライバーの機能
type DiscoverySupport interface {
	ScanInterval() time.Duration
	IsScanPossible() bool
}

// DefaultScanInterval はドライバーが間隔を指定しない場合のスキャン間隔
const DefaultScanInterval = 3 * time.Second
