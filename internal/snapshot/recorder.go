package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"shutter/internal/imaging"
	"shutter/internal/motion"
)

// Config はスナップショット保存の設定
type Config struct {
	Dir       string // 保存先ディレクトリ
	Retention int    // デバイスごとに保持する枚数（0で無制限）
	Quality   int    // JPEG品質
	Width     int    // 保存時の幅（0で元のサイズ）
	QueueSize int    // 保存待ちキューの長さ
}

// Snapshot は保存済みスナップショットの情報
type Snapshot struct {
	Device string    `json:"device"`
	Name   string    `json:"name"`
	Path   string    `json:"path"`
	Size   int64     `json:"size"`
	Time   time.Time `json:"time"`
}

// Status は記録の状態
type Status struct {
	Running   bool      `json:"running"`
	Saved     uint64    `json:"saved"`
	Dropped   uint64    `json:"dropped"`
	Errors    uint64    `json:"errors"`
	LastSaved time.Time `json:"last_saved"`
}

const timeLayout = "20060102-150405.000000"

var dirEscaper = strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")

// Recorder は動き検出時のフレームをJPEGとして保存する
type Recorder struct {
	fs  afero.Fs
	cfg Config
	log *logrus.Entry

	queue chan motion.Event

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex

	running   bool
	saved     uint64
	dropped   uint64
	errors    uint64
	lastSaved time.Time
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(fs afero.Fs, cfg Config, log *logrus.Entry) *Recorder {
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{
		fs:    fs,
		cfg:   cfg,
		log:   log.WithField("component", "snapshot"),
		queue: make(chan motion.Event, cfg.QueueSize),
	}
}

// Start は保存ゴルーチンを開始する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	// 出力ディレクトリを作成
	if err := r.fs.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx, r.stopCh)

	r.log.WithField("dir", r.cfg.Dir).Info("スナップショットの記録を開始")
	return nil
}

// Stop は保存ゴルーチンを停止する
// キューに残ったイベントは保存してから終了する
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("コンテキストがキャンセルされました。停止処理を中断します。")
		return ctx.Err()
	}

	r.log.Info("スナップショットの記録を停止")
	return nil
}

// Listener は動き検出イベントを保存キューに積むリスナーを返す
func (r *Recorder) Listener() motion.Listener {
	return func(e motion.Event) {
		if e.Current == nil {
			return
		}
		select {
		case r.queue <- e:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			r.log.WithField("device", e.Device).Warn("保存キューが満杯のためスナップショットを破棄しました")
		}
	}
}

func (r *Recorder) run(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			r.drain()
			return
		case e := <-r.queue:
			r.record(e)
		}
	}
}

// drain はキューに残ったイベントを保存する
func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.record(e)
		default:
			return
		}
	}
}

func (r *Recorder) record(e motion.Event) {
	if _, err := r.Save(e); err != nil {
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
		r.log.WithError(err).WithField("device", e.Device).Error("スナップショットの保存に失敗しました")
	}
}

// Save は動き検出イベントの現在フレームを保存し、古いファイルを削除する
func (r *Recorder) Save(e motion.Event) (Snapshot, error) {
	if e.Current == nil {
		return Snapshot{}, fmt.Errorf("フレームがありません: %s", e.Device)
	}

	img := e.Current
	if r.cfg.Width > 0 {
		img = imaging.Scale(img, r.cfg.Width)
	}
	data, err := imaging.EncodeJPEG(img, r.cfg.Quality)
	if err != nil {
		return Snapshot{}, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	dir := r.deviceDir(e.Device)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}

	name := fmt.Sprintf("%s_%d.jpg", ts.Format(timeLayout), e.Strength)
	path := filepath.Join(dir, name)
	if err := afero.WriteFile(r.fs, path, data, 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}

	r.mu.Lock()
	r.saved++
	r.lastSaved = ts
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"device": e.Device,
		"path":   path,
		"size":   len(data),
	}).Debug("スナップショットを保存しました")

	if err := r.prune(e.Device); err != nil {
		r.log.WithError(err).Warn("古いスナップショットの削除に失敗しました")
	}

	return Snapshot{
		Device: e.Device,
		Name:   name,
		Path:   path,
		Size:   int64(len(data)),
		Time:   ts,
	}, nil
}

// List はデバイスのスナップショットを古い順に返す
func (r *Recorder) List(device string) ([]Snapshot, error) {
	dir := r.deviceDir(device)
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Snapshot{}, nil // ディレクトリが存在しない場合は空のリストを返す
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jpg" {
			continue
		}
		ts, err := parseTime(entry.Name())
		if err != nil {
			ts = entry.ModTime()
		}
		snapshots = append(snapshots, Snapshot{
			Device: device,
			Name:   entry.Name(),
			Path:   filepath.Join(dir, entry.Name()),
			Size:   entry.Size(),
			Time:   ts,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots, nil
}

// Open は保存済みスナップショットを読み込む
func (r *Recorder) Open(device, name string) ([]byte, error) {
	if name != filepath.Base(name) || filepath.Ext(name) != ".jpg" {
		return nil, fmt.Errorf("無効なファイル名: %s", name)
	}
	return afero.ReadFile(r.fs, filepath.Join(r.deviceDir(device), name))
}

// prune は保持数を超えた古いファイルを削除する
func (r *Recorder) prune(device string) error {
	if r.cfg.Retention <= 0 {
		return nil
	}
	snapshots, err := r.List(device)
	if err != nil {
		return err
	}
	excess := len(snapshots) - r.cfg.Retention
	for i := 0; i < excess; i++ {
		if err := r.fs.Remove(snapshots[i].Path); err != nil {
			return fmt.Errorf("ファイルの削除に失敗: %w", err)
		}
	}
	return nil
}

// Status は記録の状態を返す
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Running:   r.running,
		Saved:     r.saved,
		Dropped:   r.dropped,
		Errors:    r.errors,
		LastSaved: r.lastSaved,
	}
}

func (r *Recorder) deviceDir(device string) string {
	name := dirEscaper.Replace(device)
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(r.cfg.Dir, name)
}

func parseTime(name string) (time.Time, error) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return time.Time{}, fmt.Errorf("無効なファイル名: %s", name)
	}
	return time.ParseInLocation(timeLayout, name[:i], time.Local)
}
