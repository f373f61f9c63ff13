package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"shutter/internal/imaging"
)

// DummyFPS はダミーデバイスの既定フレームレート
const DummyFPS = 30

// DummyScanInterval はダミードライバーのスキャン間隔
const DummyScanInterval = 10 * time.Second

// DummyDevice は実機なしで動作する合成フレームのデバイス
//
// フレームは設定されたレートでタイマーにより生成され、移動する矩形が描画される。
// テスト用に呼び出し回数の記録と失敗の注入ができる。
type DummyDevice struct {
	name        string
	resolutions []Resolution
	fps         int

	mu          sync.Mutex
	resolution  Resolution
	open        bool
	disposed    bool
	frameNo     int
	nextFrame   time.Time
	openCount   int
	closeCount  int
	failOpen    error
	unreachable error
	notReady    bool
}

// NewDummyDevice は新しいDummyDeviceを作成する
func NewDummyDevice(name string) *DummyDevice {
	return &DummyDevice{
		name:        name,
		resolutions: []Resolution{QQVGA, QVGA, VGA},
		resolution:  QVGA,
		fps:         DummyFPS,
	}
}

// Name はデバイス名を返す
func (d *DummyDevice) Name() string {
	return d.name
}

// Resolutions はサポートする解像度を返す
func (d *DummyDevice) Resolutions() []Resolution {
	return append([]Resolution(nil), d.resolutions...)
}

// Resolution は現在の解像度を返す
func (d *DummyDevice) Resolution() Resolution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolution
}

// SetResolution は解像度を設定する
// ダミーデバイスは任意の正の解像度を受け付ける
func (d *DummyDevice) SetResolution(r Resolution) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolution = r
	return nil
}

// Open はデバイスをオープンする
func (d *DummyDevice) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return ErrAlreadyDisposed
	}
	if d.failOpen != nil {
		return d.failOpen
	}
	d.openCount++
	d.open = true
	d.frameNo = 0
	d.nextFrame = time.Now()
	return nil
}

// Close はデバイスをクローズする
func (d *DummyDevice) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		d.closeCount++
	}
	d.open = false
	return nil
}

// Dispose はデバイスを破棄する
func (d *DummyDevice) Dispose(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.disposed = true
	return nil
}

// IsOpen はオープン済みかどうかを返す
func (d *DummyDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Image は次のフレーム時刻まで待機して合成フレームを返す
func (d *DummyDevice) Image(ctx context.Context) ReadResult {
	d.mu.Lock()
	switch {
	case d.unreachable != nil:
		err := d.unreachable
		d.mu.Unlock()
		return FrameFailed(err)
	case !d.open:
		d.mu.Unlock()
		return FrameFailed(fmt.Errorf("%w: %s", ErrNotOpen, d.name))
	case d.notReady:
		d.mu.Unlock()
		return FrameNotReady()
	}
	wait := time.Until(d.nextFrame)
	d.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return FrameNotReady()
		case <-timer.C:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return FrameFailed(fmt.Errorf("%w: %s", ErrNotOpen, d.name))
	}
	d.frameNo++
	d.nextFrame = time.Now().Add(time.Second / time.Duration(d.fps))
	return FrameReady(d.render(d.frameNo))
}

// render はフレーム番号に応じて矩形の位置を変えた画像を作る（ロック済み前提）
func (d *DummyDevice) render(n int) *image.RGBA {
	r := d.resolution
	img := imaging.Fill(r.Width, r.Height, color.RGBA{R: 32, G: 32, B: 48, A: 255})

	size := r.Height / 4
	if size < 1 {
		size = 1
	}
	span := r.Width - size
	if span < 1 {
		span = 1
	}
	x0 := (n * 4) % span
	y0 := (r.Height - size) / 2
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 240, G: 200, B: 40, A: 255})
		}
	}
	return img
}

// Capabilities はバッファ直接読み取りとFPS報告をサポートする
func (d *DummyDevice) Capabilities() Capabilities {
	return Capabilities{Buffer: dummyBuffer{d}, FPS: dummyFPS{d}}
}

type dummyBuffer struct{ d *DummyDevice }

// ImageBytes は次のフレームのRGBA画素列を返す
func (b dummyBuffer) ImageBytes(ctx context.Context) ([]byte, error) {
	result := b.d.Image(ctx)
	switch result.Outcome {
	case Failed:
		return nil, result.Err
	case NotReady:
		return nil, nil
	}
	return result.Image.(*image.RGBA).Pix, nil
}

type dummyFPS struct{ d *DummyDevice }

func (f dummyFPS) FPS() float64 {
	return float64(f.d.fps)
}

// SetFailOpen はテスト用にOpenの失敗を設定する（nilで解除）
func (d *DummyDevice) SetFailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpen = err
}

// SetUnreachable はテスト用にフレーム取得の到達不能を設定する（nilで解除）
func (d *DummyDevice) SetUnreachable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable = err
}

// SetNotReady はテスト用にフレーム未準備の状態を設定する
func (d *DummyDevice) SetNotReady(notReady bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notReady = notReady
}

// OpenCount はOpenが成功した回数を返す
func (d *DummyDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

// CloseCount は実際にクローズした回数を返す
func (d *DummyDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// IsDisposed は破棄済みかどうかを返す
func (d *DummyDevice) IsDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// DummyDriver はDummyDeviceを列挙するドライバー
// 接続中のデバイス一覧は実行時に変更できる
type DummyDriver struct {
	mu           sync.Mutex
	devices      []*DummyDevice
	threadSafe   bool
	scanInterval time.Duration
	scanPossible bool
	failScan     error
	scans        int
}

// NewDummyDriver はcount台のダミーデバイスを持つドライバーを作成する
func NewDummyDriver(count int) *DummyDriver {
	d := &DummyDriver{
		scanInterval: DummyScanInterval,
		scanPossible: true,
	}
	for i := 0; i < count; i++ {
		d.devices = append(d.devices, NewDummyDevice(fmt.Sprintf("Dummy Webcam %d", i)))
	}
	return d
}

// Devices は現在接続中のデバイス一覧を返す
func (d *DummyDriver) Devices(_ context.Context) ([]Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scans++
	if d.failScan != nil {
		return nil, d.failScan
	}

	result := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		result = append(result, dev)
	}
	return result, nil
}

// IsThreadSafe はスレッドセーフかどうかを返す
func (d *DummyDriver) IsThreadSafe() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threadSafe
}

// Discovery は定期スキャン機能を返す
func (d *DummyDriver) Discovery() DiscoverySupport {
	return d
}

// ScanInterval はスキャン間隔を返す
func (d *DummyDriver) ScanInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanInterval
}

// IsScanPossible はスキャン可能かどうかを返す
func (d *DummyDriver) IsScanPossible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanPossible
}

// SetThreadSafe はスレッドセーフ宣言を変更する
func (d *DummyDriver) SetThreadSafe(threadSafe bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threadSafe = threadSafe
}

// SetScanInterval はスキャン間隔を変更する
func (d *DummyDriver) SetScanInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanInterval = interval
}

// SetScanPossible はスキャン可否を変更する
func (d *DummyDriver) SetScanPossible(possible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanPossible = possible
}

// SetFailScan はテスト用にDevicesの失敗を設定する（nilで解除）
func (d *DummyDriver) SetFailScan(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failScan = err
}

// AddDevice はデバイスを接続する
// 同名のデバイスが既にあっても追加する（名前重複の検証用）
func (d *DummyDriver) AddDevice(name string) *DummyDevice {
	dev := NewDummyDevice(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, dev)
	return dev
}

// RemoveDevice は指定名のデバイスを取り外す
func (d *DummyDriver) RemoveDevice(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, dev := range d.devices {
		if dev.name == name {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			return
		}
	}
}

// Device は指定名のデバイスを返す
func (d *DummyDriver) Device(name string) (*DummyDevice, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.devices {
		if dev.name == name {
			return dev, true
		}
	}
	return nil, false
}

// Scans はDevicesが呼ばれた回数を返す
func (d *DummyDriver) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}
