// Package monitor はカメラごとの動き検出器を管理する
//
// Discoveryのイベントに追従し、取り外されたカメラの検出器を停止する。
// 検出イベントは登録されたリスナー（通知、スナップショット、WebSocket）へ配信される。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
	"shutter/internal/motion"
)

// ErrNotMonitored は検出器が存在しない場合のエラー
var ErrNotMonitored = errors.New("動き検出が開始されていません")

// Options はMonitorの設定
type Options struct {
	AutoStart bool          // 検出されたカメラで自動的に動き検出を開始する
	Logger    *logrus.Entry // nilの場合は標準ロガー
}

// Monitor はセッションIDごとに動き検出器を保持する
type Monitor struct {
	discovery *camera.Discovery
	cfg       motion.Config
	opts      Options
	log       *logrus.Entry

	mu        sync.Mutex
	detectors map[string]*motion.Detector
	unsub     func()
	started   bool

	listenersMu sync.RWMutex
	listeners   []motion.Listener
}

// New は新しいMonitorを作成する
func New(discovery *camera.Discovery, cfg motion.Config, opts Options) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("動体検知設定が不正です: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		discovery: discovery,
		cfg:       cfg,
		opts:      opts,
		log:       log.WithField("component", "monitor"),
		detectors: make(map[string]*motion.Detector),
	}, nil
}

// AddListener は動き検出イベントのリスナーを登録する
// 登録前に開始された検出器にも配信される
func (m *Monitor) AddListener(fn motion.Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// dispatch は全リスナーにイベントを配信する
func (m *Monitor) dispatch(e motion.Event) {
	m.listenersMu.RLock()
	listeners := make([]motion.Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		m.call(fn, e)
	}
}

func (m *Monitor) call(fn motion.Listener, e motion.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("リスナーの呼び出しで例外が発生しました: %v", r)
		}
	}()
	fn(e)
}

// Start はDiscoveryのイベント購読を開始する
// AutoStartが有効な場合は既知のカメラの検出器も開始する
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.unsub = m.discovery.AddListener(m.onDiscovery)
	m.mu.Unlock()

	if !m.opts.AutoStart {
		return nil
	}

	sessions, err := m.discovery.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}
	var errs []error
	for _, s := range sessions {
		if _, err := m.StartDetector(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop は購読を解除し、全ての検出器を停止する
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.started = false
	detectors := m.detectors
	m.detectors = make(map[string]*motion.Detector)
	m.mu.Unlock()

	var errs []error
	for id, d := range detectors {
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("検出器の停止に失敗 (%s): %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) onDiscovery(e camera.DiscoveryEvent) {
	if e.Session == nil {
		return
	}
	switch e.Type {
	case camera.DeviceAdded:
		if !m.opts.AutoStart {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.StartDetector(ctx, e.Session); err != nil {
			m.log.WithError(err).WithField("device", e.Device).Warn("動き検出の自動開始に失敗しました")
		}
	case camera.DeviceRemoved:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.StopDetector(ctx, e.Session.ID()); err != nil && !errors.Is(err, ErrNotMonitored) {
			m.log.WithError(err).WithField("device", e.Device).Warn("動き検出の停止に失敗しました")
		}
	}
}

// StartDetector はセッションの動き検出を開始する
// 既に開始されている場合は既存の検出器を返す
func (m *Monitor) StartDetector(ctx context.Context, s *camera.Session) (*motion.Detector, error) {
	if s.IsDisposed() {
		return nil, camera.ErrAlreadyDisposed
	}

	m.mu.Lock()
	if d, ok := m.detectors[s.ID()]; ok {
		m.mu.Unlock()
		return d, nil
	}
	d, err := motion.NewDetector(s, m.cfg, m.log)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	d.AddListener(m.dispatch)
	m.detectors[s.ID()] = d
	m.mu.Unlock()

	if err := d.Start(ctx); err != nil {
		m.mu.Lock()
		if m.detectors[s.ID()] == d {
			delete(m.detectors, s.ID())
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("動き検出の開始に失敗 (%s): %w", s.Name(), err)
	}

	m.log.WithField("device", s.Name()).Info("動き検出を開始しました")
	return d, nil
}

// StopDetector はセッションの動き検出を停止する
func (m *Monitor) StopDetector(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	d, ok := m.detectors[sessionID]
	if ok {
		delete(m.detectors, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotMonitored
	}
	if err := d.Stop(ctx); err != nil {
		return err
	}
	m.log.WithField("device", d.Status().Device).Info("動き検出を停止しました")
	return nil
}

// Detector はセッションの検出器を返す
func (m *Monitor) Detector(sessionID string) (*motion.Detector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectors[sessionID]
	return d, ok
}

// Statuses は全検出器の状態をデバイス名順に返す
func (m *Monitor) Statuses() []motion.Status {
	m.mu.Lock()
	detectors := make([]*motion.Detector, 0, len(m.detectors))
	for _, d := range m.detectors {
		detectors = append(detectors, d)
	}
	m.mu.Unlock()

	result := make([]motion.Status, 0, len(detectors))
	for _, d := range detectors {
		result = append(result, d.Status())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Device < result[j].Device
	})
	return result
}

// Config は検出器に適用する設定を返す
func (m *Monitor) Config() motion.Config {
	return m.cfg
}
