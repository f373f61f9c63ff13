// Package motion はセッションのフレームを定期的に比較して動きを検出する
package motion

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
)

// 設定の既定値と下限
const (
	DefaultInterval       = 1000 * time.Millisecond
	MinInterval           = 100 * time.Millisecond
	DefaultPixelThreshold = 25
	DefaultBlurRadius     = 6
	DefaultMaxPoints      = 100
	DefaultPointRange     = 50
)

var detectorSeq atomic.Int32

// Config は動体検知の設定
type Config struct {
	Interval       time.Duration `yaml:"interval" json:"interval"`               // 検出間隔
	PixelThreshold int           `yaml:"pixel_threshold" json:"pixel_threshold"` // 画素の輝度差の閾値 (0-255)
	Inertia        time.Duration `yaml:"inertia" json:"inertia"`                 // 動き検出後に状態を保持する時間（0で間隔の1.5倍）
	AreaThreshold  float64       `yaml:"area_threshold" json:"area_threshold"`   // 動きとみなす変化面積の割合 (0-100)
	BlurRadius     int           `yaml:"blur_radius" json:"blur_radius"`         // 比較前のぼかし半径
	MaxPoints      int           `yaml:"max_points" json:"max_points"`           // 記録する変化点の最大数
	PointRange     int           `yaml:"point_range" json:"point_range"`         // 変化点同士の最小距離
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		PixelThreshold: DefaultPixelThreshold,
		BlurRadius:     DefaultBlurRadius,
		MaxPoints:      DefaultMaxPoints,
		PointRange:     DefaultPointRange,
	}
}

// Validate は設定値の妥当性を検証する
func (c Config) Validate() error {
	if c.Interval != 0 && c.Interval < MinInterval {
		return fmt.Errorf("検出間隔は%s以上である必要があります: %s", MinInterval, c.Interval)
	}
	if c.PixelThreshold < 0 || c.PixelThreshold > 255 {
		return fmt.Errorf("画素の閾値は0から255の範囲である必要があります: %d", c.PixelThreshold)
	}
	if c.Inertia < 0 {
		return fmt.Errorf("慣性時間は0以上である必要があります: %s", c.Inertia)
	}
	if c.AreaThreshold < 0 || c.AreaThreshold > 100 {
		return fmt.Errorf("面積の閾値は0から100の範囲である必要があります: %f", c.AreaThreshold)
	}
	if c.BlurRadius < 0 || c.MaxPoints < 0 || c.PointRange < 0 {
		return fmt.Errorf("ぼかし半径、変化点の数、変化点の距離は0以上である必要があります")
	}
	return nil
}

// withDefaults は未設定の項目を既定値で埋める
func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Inertia == 0 {
		c.Inertia = c.Interval + c.Interval/2
	}
	return c
}

// Source は検出対象のフレーム供給元
// *camera.Session がこれを満たす
type Source interface {
	Name() string
	IsOpen() bool
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Image(ctx context.Context) (camera.Frame, error)
}

// Event は動き検出イベント
type Event struct {
	ID       string        `json:"id"`
	Device   string        `json:"device"`
	Strength int           `json:"strength"`
	Area     float64       `json:"area"`
	COG      image.Point   `json:"cog"`
	Points   []image.Point `json:"points"`
	Previous image.Image   `json:"-"`
	Current  image.Image   `json:"-"`
	Time     time.Time     `json:"time"`
}

// Listener は動き検出イベントを受け取る
type Listener func(Event)

// Status は検出器の現在の状態
type Status struct {
	Device     string        `json:"device"`
	Running    bool          `json:"running"`
	Motion     bool          `json:"motion"`
	Strength   int           `json:"strength"`
	Area       float64       `json:"area"`
	COG        image.Point   `json:"cog"`
	Points     []image.Point `json:"points"`
	LastMotion time.Time     `json:"last_motion"`
	Interval   time.Duration `json:"interval"`
	Inertia    time.Duration `json:"inertia"`
}

// Detector はSourceから一定間隔でフレームを取得し、動きを検出する
//
// 動きを検出するとInertiaの間は動きありの状態を保持し、その間の検出は行わない。
// 状態の解除は予約した減衰処理でのみ行われる。
type Detector struct {
	src  Source
	cfg  Config
	algo *Algorithm
	seq  int32
	name string
	log  *logrus.Entry

	// runMu はStart/Stopを直列化する。muとは独立しており、ソースの操作中はmuを保持しない
	runMu sync.Mutex

	mu         sync.Mutex
	motion     bool
	strength   int
	area       float64
	cog        image.Point
	points     []image.Point
	lastMotion time.Time
	lastFrame  image.Image
	generation uint64
	decay      *time.Timer
	running    bool
	owned      bool
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewDetector は新しいDetectorを作成する
func NewDetector(src Source, cfg Config, log *logrus.Entry) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	seq := detectorSeq.Add(1)
	name := fmt.Sprintf("motion-detector-%d", seq)

	return &Detector{
		src:  src,
		cfg:  cfg,
		algo: NewAlgorithm(cfg),
		seq:  seq,
		name: name,
		log: log.WithFields(logrus.Fields{
			"component": "motion",
			"device":    src.Name(),
			"goroutine": name,
		}),
	}, nil
}

// Name は検出器の名前を返す
func (d *Detector) Name() string {
	return d.name
}

// Config は適用中の設定を返す
func (d *Detector) Config() Config {
	return d.cfg
}

// AddListener はリスナーを登録する
func (d *Detector) AddListener(fn Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Start は検出を開始する
// ソースがオープンされていなければオープンし、Stop時にクローズする
func (d *Detector) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.IsRunning() {
		return nil
	}

	owned := false
	if !d.src.IsOpen() {
		if err := d.src.Open(ctx); err != nil {
			return fmt.Errorf("動体検知のためのオープンに失敗: %w", err)
		}
		owned = true
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopCh := make(chan struct{})

	d.mu.Lock()
	d.owned = owned
	d.cancel = cancel
	d.stopCh = stopCh
	d.running = true
	d.algo.Reset()
	d.lastFrame = nil
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx, stopCh)

	d.log.Infof("動体検知を開始しました (間隔: %s, 閾値: %d)", d.cfg.Interval, d.cfg.PixelThreshold)
	return nil
}

// Stop は検出を停止する
// Startでオープンしたソースはここでクローズする
func (d *Detector) Stop(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.cancel()
	owned := d.owned
	d.owned = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("動体検知の停止待ちが中断されました: %w", ctx.Err())
	}

	if owned {
		if err := d.src.Close(ctx); err != nil {
			return fmt.Errorf("動体検知で開いたデバイスのクローズに失敗: %w", err)
		}
	}

	d.log.Info("動体検知を停止しました")
	return nil
}

// IsRunning は検出中かどうかを返す
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsMotion は動きありの状態かどうかを返す
func (d *Detector) IsMotion() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion
}

// Status は現在の状態を返す
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Device:     d.src.Name(),
		Running:    d.running,
		Motion:     d.motion,
		Strength:   d.strength,
		Area:       d.area,
		COG:        d.cog,
		Points:     append([]image.Point(nil), d.points...),
		LastMotion: d.lastMotion,
		Interval:   d.cfg.Interval,
		Inertia:    d.cfg.Inertia,
	}
}

// loop は一定間隔でtickを実行する
func (d *Detector) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick はフレームを1枚取得して前回と比較する
func (d *Detector) tick(ctx context.Context) {
	d.mu.Lock()
	motion := d.motion
	d.mu.Unlock()
	if motion {
		return
	}

	frame, err := d.src.Image(ctx)
	if err != nil {
		d.log.Debugf("フレームの取得に失敗: %v", err)
		return
	}
	if frame.Empty() {
		return
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}

	result, compared := d.algo.Detect(frame.Image)
	previous := d.lastFrame
	d.lastFrame = frame.Image

	if !compared || !result.Motion {
		d.mu.Unlock()
		return
	}

	d.motion = true
	d.strength = result.Strength
	d.area = result.Area
	d.cog = result.COG
	d.points = result.Points
	d.lastMotion = frame.Captured
	d.generation++
	d.scheduleDecay(d.generation)

	event := Event{
		ID:       uuid.New().String(),
		Device:   d.src.Name(),
		Strength: result.Strength,
		Area:     result.Area,
		COG:      result.COG,
		Points:   result.Points,
		Previous: previous,
		Current:  frame.Image,
		Time:     frame.Captured,
	}
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"strength": result.Strength,
		"area":     fmt.Sprintf("%.2f", result.Area),
	}).Info("動きを検出しました")
	d.notify(event)
}

// scheduleDecay はInertia経過後に動きありの状態を解除する（ロック済み前提）
// より新しい検出があった場合は何もしない
func (d *Detector) scheduleDecay(gen uint64) {
	if d.decay != nil {
		d.decay.Stop()
	}
	inverter := d.log.WithField("goroutine", fmt.Sprintf("motion-inverter-%d", d.seq))
	d.decay = time.AfterFunc(d.cfg.Inertia, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.generation != gen || !d.motion {
			return
		}
		d.motion = false
		// 基準フレームは検出時のものを引き継ぐ
		inverter.Debug("動きありの状態を解除しました")
	})
}

// notify は全リスナーを呼び出す
func (d *Detector) notify(event Event) {
	d.listenersMu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.listenersMu.RUnlock()

	for _, fn := range listeners {
		d.callListener(fn, event)
	}
}

func (d *Detector) callListener(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("リスナーの呼び出しで例外が発生しました: %v", r)
		}
	}()
	fn(event)
}
