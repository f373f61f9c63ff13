//go:build linux

package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/sirupsen/logrus"
)

const (
	pixfmtMJPEG webcam.PixelFormat = 0x47504A4D // 'MJPG'
	pixfmtYUYV  webcam.PixelFormat = 0x56595559 // 'YUYV'
)

// v4l2FrameTimeout はフレーム待機のタイムアウト（秒）
const v4l2FrameTimeout uint32 = 1

var videoDevicePattern = regexp.MustCompile(`video(\d+)$`)

// V4L2Driver はLinuxの /dev/video* デバイスを列挙するドライバー
//
// 列挙済みのデバイスはパスごとにキャッシュし、オープン中のデバイスを
// 再度プローブしない。
type V4L2Driver struct {
	patterns []string
	log      *logrus.Entry

	mu      sync.Mutex
	devices map[string]*V4L2Device
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(config DriverConfig) (Driver, error) {
	patterns := config.DevicePaths
	if len(patterns) == 0 {
		patterns = []string{"/dev/video*"}
	}
	return &V4L2Driver{
		patterns: patterns,
		log:      entryOrDefault(config.Logger).WithField("driver", "v4l2"),
		devices:  make(map[string]*V4L2Device),
	}, nil
}

// Devices はカラー形式でキャプチャ可能なデバイスを番号順に返す
func (d *V4L2Driver) Devices(ctx context.Context) ([]Device, error) {
	paths, err := d.scanPaths()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	present := make(map[string]bool, len(paths))
	var result []Device
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		present[path] = true

		dev, ok := d.devices[path]
		if !ok || dev.isDisposed() {
			dev, err = probeV4L2Device(path)
			if err != nil {
				d.log.WithField("path", path).Debugf("デバイスをスキップします: %v", err)
				continue
			}
			d.devices[path] = dev
		}
		result = append(result, dev)
	}

	for path := range d.devices {
		if !present[path] {
			delete(d.devices, path)
		}
	}

	return result, nil
}

// scanPaths はパターンに一致するデバイスパスを番号順に返す
func (d *V4L2Driver) scanPaths() ([]string, error) {
	var paths []string
	for _, pattern := range d.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
		}
		paths = append(paths, matches...)
	}

	sort.Slice(paths, func(i, j int) bool {
		return deviceNumber(paths[i]) < deviceNumber(paths[j])
	})
	return paths, nil
}

// IsThreadSafe はV4L2の呼び出しを直列化するためfalseを返す
func (d *V4L2Driver) IsThreadSafe() bool {
	return false
}

// Discovery は定期スキャン機能を返す
func (d *V4L2Driver) Discovery() DiscoverySupport {
	return d
}

// ScanInterval はスキャン間隔を返す
func (d *V4L2Driver) ScanInterval() time.Duration {
	return DefaultScanInterval
}

// IsScanPossible はスキャン可能かどうかを返す
func (d *V4L2Driver) IsScanPossible() bool {
	return true
}

// deviceNumber はデバイスパスから番号を抽出する
func deviceNumber(path string) int {
	m := videoDevicePattern.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// probeV4L2Device はデバイスを一時的に開き、名前と対応解像度を取得する
// グレースケールのみのデバイスやメタデータ用ノードは除外する
func probeV4L2Device(path string) (*V4L2Device, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cam.Close()
	}()

	card, err := cam.GetName()
	if err != nil || card == "" {
		card = fmt.Sprintf("カメラ %d", deviceNumber(path))
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	switch {
	case formats[pixfmtMJPEG] != "":
		format = pixfmtMJPEG
	case formats[pixfmtYUYV] != "":
		format = pixfmtYUYV
	default:
		return nil, fmt.Errorf("カラー形式をサポートしていません: %s", path)
	}

	resolutions := frameSizesToResolutions(cam.GetSupportedFrameSizes(format))
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("解像度を取得できません: %s", path)
	}

	return &V4L2Device{
		path:        path,
		name:        fmt.Sprintf("%s %s", card, path),
		format:      format,
		resolutions: resolutions,
		resolution:  resolutions[0],
	}, nil
}

// frameSizesToResolutions はV4L2のフレームサイズを解像度一覧に変換する
// 段階的なサイズ指定の場合は範囲内の標準解像度を採用する
func frameSizesToResolutions(sizes []webcam.FrameSize) []Resolution {
	var result []Resolution
	for _, fs := range sizes {
		if fs.MinWidth == fs.MaxWidth && fs.MinHeight == fs.MaxHeight {
			r := Resolution{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)}
			if !containsResolution(result, r) {
				result = append(result, r)
			}
			continue
		}
		for _, r := range []Resolution{QQVGA, QVGA, CIF, VGA, SVGA, XGA, HD720, SXGA, UXGA} {
			w, h := uint32(r.Width), uint32(r.Height)
			if w >= fs.MinWidth && w <= fs.MaxWidth && h >= fs.MinHeight && h <= fs.MaxHeight &&
				!containsResolution(result, r) {
				result = append(result, r)
			}
		}
	}
	return result
}

// V4L2Device はblackjack/webcamで操作する1台のV4L2デバイス
type V4L2Device struct {
	path        string
	name        string
	format      webcam.PixelFormat
	resolutions []Resolution

	mu         sync.Mutex
	cam        *webcam.Webcam
	resolution Resolution
	actual     Resolution
	disposed   bool
}

// Name はデバイス名を返す
func (d *V4L2Device) Name() string {
	return d.name
}

// Path はデバイスファイルのパスを返す
func (d *V4L2Device) Path() string {
	return d.path
}

// Resolutions はサポートする解像度を返す
func (d *V4L2Device) Resolutions() []Resolution {
	return append([]Resolution(nil), d.resolutions...)
}

// Resolution は現在の解像度を返す
func (d *V4L2Device) Resolution() Resolution {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cam != nil {
		return d.actual
	}
	return d.resolution
}

// SetResolution は次回オープン時の解像度を設定する
func (d *V4L2Device) SetResolution(r Resolution) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolution = r
	return nil
}

// Open はデバイスを開き、ストリーミングを開始する
func (d *V4L2Device) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return ErrAlreadyDisposed
	}
	if d.cam != nil {
		return nil
	}

	cam, err := webcam.Open(d.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, d.path, err)
	}

	_, w, h, err := cam.SetImageFormat(d.format, uint32(d.resolution.Width), uint32(d.resolution.Height))
	if err != nil {
		_ = cam.Close()
		return fmt.Errorf("画像形式の設定に失敗: %w", err)
	}

	if err := cam.SetBufferCount(1); err != nil {
		_ = cam.Close()
		return fmt.Errorf("バッファ数の設定に失敗: %w", err)
	}

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}

	d.cam = cam
	d.actual = Resolution{Width: int(w), Height: int(h)}
	return nil
}

// Close はストリーミングを停止してデバイスを閉じる
func (d *V4L2Device) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *V4L2Device) closeLocked() error {
	if d.cam == nil {
		return nil
	}
	cam := d.cam
	d.cam = nil

	if err := cam.StopStreaming(); err != nil {
		_ = cam.Close()
		return fmt.Errorf("ストリーミングの停止に失敗: %w", err)
	}
	return cam.Close()
}

// Dispose はデバイスを閉じて破棄する
func (d *V4L2Device) Dispose(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	return d.closeLocked()
}

func (d *V4L2Device) isDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// IsOpen はオープン済みかどうかを返す
func (d *V4L2Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cam != nil
}

// Image は次のフレームを待機してデコードする
func (d *V4L2Device) Image(ctx context.Context) ReadResult {
	data, res, result := d.readFrame(ctx)
	if result.Outcome != Ready {
		return result
	}

	img, err := d.decode(data, res)
	if err != nil {
		return FrameFailed(fmt.Errorf("フレームのデコードに失敗: %w", err))
	}
	return FrameReady(img)
}

// readFrame はフレームを1枚読み取る
// 戻り値のバイト列はコピー済みで、呼び出し元が自由に扱える
func (d *V4L2Device) readFrame(ctx context.Context) ([]byte, Resolution, ReadResult) {
	if ctx.Err() != nil {
		return nil, Resolution{}, FrameNotReady()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cam == nil {
		return nil, Resolution{}, FrameFailed(fmt.Errorf("%w: %s", ErrNotOpen, d.path))
	}

	err := d.cam.WaitForFrame(v4l2FrameTimeout)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, Resolution{}, FrameNotReady()
	default:
		return nil, Resolution{}, FrameFailed(err)
	}

	// バッファはReleaseFrameで再利用されるため、返却前にコピーする
	frame, index, err := d.cam.GetFrame()
	if err != nil {
		return nil, Resolution{}, FrameFailed(err)
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	if err := d.cam.ReleaseFrame(index); err != nil {
		return nil, Resolution{}, FrameFailed(err)
	}
	if len(data) == 0 {
		return nil, Resolution{}, FrameNotReady()
	}

	return data, d.actual, ReadResult{Outcome: Ready}
}

func (d *V4L2Device) decode(data []byte, res Resolution) (image.Image, error) {
	if d.format == pixfmtMJPEG {
		return jpeg.Decode(bytes.NewReader(data))
	}
	return decodeYUYV(data, res)
}

// decodeYUYV はYUYV(4:2:2)のフレームをYCbCr画像に変換する
func decodeYUYV(data []byte, res Resolution) (image.Image, error) {
	if len(data) < res.Width*res.Height*2 {
		return nil, fmt.Errorf("フレームサイズが不足しています: %d バイト", len(data))
	}

	img := image.NewYCbCr(image.Rect(0, 0, res.Width, res.Height), image.YCbCrSubsampleRatio422)
	for y := 0; y < res.Height; y++ {
		row := data[y*res.Width*2:]
		for x := 0; x < res.Width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			if x+1 < res.Width {
				img.Y[y*img.YStride+x+1] = row[i+2]
			}
			ci := y*img.CStride + x/2
			img.Cb[ci] = row[i+1]
			img.Cr[ci] = row[i+3]
		}
	}
	return img, nil
}

// Capabilities は生フレームバッファの読み取りをサポートする
func (d *V4L2Device) Capabilities() Capabilities {
	return Capabilities{Buffer: v4l2Buffer{d}}
}

type v4l2Buffer struct{ d *V4L2Device }

// ImageBytes は圧縮またはYUYVのままのフレームを返す
func (b v4l2Buffer) ImageBytes(ctx context.Context) ([]byte, error) {
	data, _, result := b.d.readFrame(ctx)
	switch result.Outcome {
	case Failed:
		return nil, result.Err
	case NotReady:
		return nil, nil
	}
	return data, nil
}
