package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DiscoveryOptions はDiscoveryの生成オプション
type DiscoveryOptions struct {
	// ScanInterval が正の場合、ドライバーの報告する間隔より優先する
	ScanInterval time.Duration

	// Policy は新しいセッションの既定解像度ポリシー
	Policy ResolutionPolicy

	// AutoOpen は新しいセッションの自動オープン設定
	AutoOpen bool

	// CustomResolutions はデバイスが報告しなくても許可する解像度
	CustomResolutions []Resolution

	// LockFs が設定されている場合、セッションごとにプロセス間ロックを作成する
	LockFs  afero.Fs
	LockDir string

	Logger *logrus.Entry
}

// Record は検出済みデバイス1台の記録
type Record struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	LastTick  uint64    `json:"last_tick"`
}

type record struct {
	Record
	session *Session
}

// Discovery はドライバーを定期的にスキャンし、デバイスの接続・取り外しを検出する
//
// デバイスは名前で識別される。新しいデバイスにはSessionを作成し、
// 消えたデバイスのSessionは破棄する。同じ名前のデバイスが再度現れた場合は
// 新しいSessionになる。
type Discovery struct {
	driver Driver
	proc   *Processor
	opts   DiscoveryOptions
	log    *logrus.Entry

	scanMu  sync.Mutex
	mu      sync.RWMutex
	records map[string]*record
	order   []string
	tick    uint64

	enabled   atomic.Bool
	listeners listenerSet[DiscoveryEvent]

	stateMu  sync.Mutex
	running  bool
	stopCh   chan struct{}
	rescanCh chan struct{}
	wg       sync.WaitGroup
}

// NewDiscovery は新しいDiscoveryを作成する
func NewDiscovery(driver Driver, proc *Processor, opts DiscoveryOptions) *Discovery {
	d := &Discovery{
		driver:   driver,
		proc:     proc,
		opts:     opts,
		log:      entryOrDefault(opts.Logger).WithField("component", "discovery"),
		records:  make(map[string]*record),
		stopCh:   make(chan struct{}),
		rescanCh: make(chan struct{}, 1),
	}
	d.enabled.Store(true)
	return d
}

// Start は初回スキャンを行い、ドライバーがサポートしていれば定期スキャンを開始する
func (d *Discovery) Start(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.running {
		return nil
	}

	if err := d.Scan(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	support := d.driver.Discovery()
	if support == nil || !support.IsScanPossible() {
		d.log.Info("ドライバーが定期スキャンをサポートしていないため、初回スキャンのみ行いました")
		d.running = true
		return nil
	}

	interval := d.scanInterval(support)
	d.wg.Add(1)
	go d.poll(ctx, interval, d.stopCh)

	d.running = true
	d.log.Infof("デバイスの定期スキャンを開始しました (間隔: %s)", interval)
	return nil
}

func (d *Discovery) scanInterval(support DiscoverySupport) time.Duration {
	if d.opts.ScanInterval > 0 {
		return d.opts.ScanInterval
	}
	if interval := support.ScanInterval(); interval > 0 {
		return interval
	}
	return DefaultScanInterval
}

// Stop は定期スキャンを停止する
// セッションは破棄しない
func (d *Discovery) Stop(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.running {
		return nil
	}

	// 待機が中断されても再度Stopできるよう、先に状態を戻す
	close(d.stopCh)
	d.stopCh = make(chan struct{})
	d.running = false

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("スキャンゴルーチンの停止待ちが中断されました: %w", ctx.Err())
	}

	d.log.Info("デバイスの定期スキャンを停止しました")
	return nil
}

// Shutdown は定期スキャンを停止し、全セッションを破棄する
func (d *Discovery) Shutdown(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}

	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.records))
	for _, name := range d.order {
		if rec, ok := d.records[name]; ok {
			sessions = append(sessions, rec.session)
		}
	}
	d.records = make(map[string]*record)
	d.order = nil
	d.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("セッション %s の破棄に失敗: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("一部のセッション破棄に失敗: %w", errors.Join(errs...))
	}

	d.log.Info("全セッションを破棄しました")
	return nil
}

// IsRunning は開始済みかどうかを返す
func (d *Discovery) IsRunning() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.running
}

// SetEnabled は定期スキャンの有効/無効を切り替える
// 無効化中も明示的なScanは実行できる
func (d *Discovery) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

// IsEnabled は定期スキャンが有効かどうかを返す
func (d *Discovery) IsEnabled() bool {
	return d.enabled.Load()
}

// AddListener は検出イベントのリスナーを登録し、登録解除用の関数を返す
func (d *Discovery) AddListener(fn DiscoveryListener) func() {
	return d.listeners.add(fn)
}

// RequestScan は次のポーリングを待たずに再スキャンを要求する
// 既に要求が保留中の場合は何もしない
func (d *Discovery) RequestScan() {
	select {
	case d.rescanCh <- struct{}{}:
	default:
	}
}

// Scan はデバイスを列挙し、既知のデバイスとの差分からイベントを発行する
//
// 同じ名前のデバイスが複数報告された場合はErrNamingConflictを返し、状態は変更しない。
func (d *Discovery) Scan(ctx context.Context) error {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	devices, err := listDevices(ctx, d.proc, d.driver)
	if err != nil {
		return fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}

	seen := make(map[string]Device, len(devices))
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		name := dev.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrNamingConflict, name)
		}
		seen[name] = dev
		names = append(names, name)
	}

	now := time.Now()

	d.mu.Lock()
	d.tick++
	tick := d.tick

	// 取り外しイベントは検出順に通知する
	var removed []*record
	for _, name := range d.order {
		rec, ok := d.records[name]
		if !ok {
			continue
		}
		if _, ok := seen[name]; !ok {
			removed = append(removed, rec)
			delete(d.records, name)
		}
	}

	var added []*record
	for _, name := range names {
		if rec, ok := d.records[name]; ok {
			rec.LastSeen = now
			rec.LastTick = tick
			continue
		}
		session := d.newSession(seen[name])
		rec := &record{
			Record: Record{
				Name:      name,
				SessionID: session.ID(),
				FirstSeen: now,
				LastSeen:  now,
				LastTick:  tick,
			},
			session: session,
		}
		d.records[name] = rec
		added = append(added, rec)
	}
	d.order = names
	d.mu.Unlock()

	for _, rec := range removed {
		d.log.WithField("device", rec.Name).Info("デバイスが取り外されました")
		d.notify(DeviceRemoved, rec)
		if err := rec.session.Dispose(ctx); err != nil {
			d.log.WithField("device", rec.Name).Warnf("セッションの破棄に失敗: %v", err)
		}
	}

	for _, rec := range added {
		d.log.WithField("device", rec.Name).Info("デバイスが接続されました")
		d.notify(DeviceAdded, rec)
	}

	return nil
}

func (d *Discovery) newSession(dev Device) *Session {
	opts := SessionOptions{
		ThreadSafe: d.driver.IsThreadSafe(),
		Policy:     d.opts.Policy,
		AutoOpen:   d.opts.AutoOpen,
		Rescan:     d.RequestScan,
		Logger:     d.log.WithField("component", "session"),
	}
	if d.opts.LockFs != nil {
		opts.Lock = NewDeviceLock(d.opts.LockFs, d.opts.LockDir, dev.Name(), d.log)
	}
	s := NewSession(dev, d.proc, opts)
	if len(d.opts.CustomResolutions) > 0 {
		s.SetCustomResolutions(d.opts.CustomResolutions)
	}
	return s
}

func (d *Discovery) notify(t DiscoveryEventType, rec *record) {
	d.listeners.notify(d.log, DiscoveryEvent{
		ID:      newEventID(),
		Type:    t,
		Device:  rec.Name,
		Session: rec.session,
		Time:    time.Now(),
	})
}

// poll は定期スキャンを実行する
func (d *Discovery) poll(ctx context.Context, interval time.Duration, stopCh <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.enabled.Load() {
				continue
			}
		case <-d.rescanCh:
			d.log.Debug("再スキャン要求を受け付けました")
		}

		if err := d.Scan(ctx); err != nil {
			d.log.Warnf("定期スキャンに失敗: %v", err)
		}
	}
}

// Sessions は検出済みデバイスのセッションを検出順に返す
// まだ一度もスキャンしていない場合は先にスキャンする
func (d *Discovery) Sessions(ctx context.Context) ([]*Session, error) {
	d.mu.RLock()
	scanned := d.tick > 0
	d.mu.RUnlock()

	if !scanned {
		if err := d.Scan(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Session, 0, len(d.order))
	for _, name := range d.order {
		if rec, ok := d.records[name]; ok {
			result = append(result, rec.session)
		}
	}
	return result, nil
}

// Session は名前またはセッションIDでセッションを検索する
func (d *Discovery) Session(key string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if rec, ok := d.records[key]; ok {
		return rec.session, true
	}
	for _, rec := range d.records {
		if rec.SessionID == key {
			return rec.session, true
		}
	}
	return nil, false
}

// Records は検出済みデバイスの記録を検出順に返す
func (d *Discovery) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]Record, 0, len(d.order))
	for _, name := range d.order {
		if rec, ok := d.records[name]; ok {
			result = append(result, rec.Record)
		}
	}
	return result
}

// Tick は実行済みスキャン回数を返す
func (d *Discovery) Tick() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tick
}
