package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shutter/internal/imaging"
)

// imageEventQueueSize は画像取得イベント通知キューの長さ
const imageEventQueueSize = 16

// SessionOptions はSessionの生成オプション
type SessionOptions struct {
	// ThreadSafe はドライバーがスレッドセーフかどうか。falseの場合は全操作をProcessor経由で行う
	ThreadSafe bool

	// Policy は解像度未指定時の既定解像度の選び方
	Policy ResolutionPolicy

	// AutoOpen がtrueの場合、クローズ中のImage呼び出しで自動的にオープンする
	AutoOpen bool

	// Lock はプロセス間ロック。nilの場合はロックしない
	Lock *DeviceLock

	// Rescan はデバイス到達不能時に再スキャンを要求するコールバック
	Rescan func()

	Logger *logrus.Entry
}

// Session は1台のデバイスの利用ライフサイクルを管理する
//
// 状態はCLOSED → OPENING → OPEN → CLOSING → CLOSED と遷移し、DISPOSEDが終端。
// オープン/クローズ/破棄は相互に排他で、並行に呼び出されても実処理は1回だけ行われる。
type Session struct {
	id         string
	device     Device
	proc       *Processor
	threadSafe bool
	policy     ResolutionPolicy
	autoOpen   bool
	lock       *DeviceLock
	rescan     func()
	log        *logrus.Entry

	mu                sync.Mutex
	state             atomic.Int32
	hardwareStarted   bool
	resourceAvailable bool
	resolution        Resolution
	customSizes       []Resolution

	statMu    sync.Mutex
	lastImage time.Time
	fps       float64
	lastHash  uint64
	imageNew  bool

	listeners listenerSet[SessionEvent]

	notifyMu sync.RWMutex
	notifyCh chan SessionEvent
}

// NewSession は新しいSessionを作成する
func NewSession(device Device, proc *Processor, opts SessionOptions) *Session {
	id := uuid.New().String()
	s := &Session{
		id:         id,
		device:     device,
		proc:       proc,
		threadSafe: opts.ThreadSafe,
		policy:     opts.Policy,
		autoOpen:   opts.AutoOpen,
		lock:       opts.Lock,
		rescan:     opts.Rescan,
		log: entryOrDefault(opts.Logger).WithFields(logrus.Fields{
			"device":  device.Name(),
			"session": id,
		}),
	}
	s.state.Store(int32(StateClosed))
	return s
}

// ID はセッションIDを返す
func (s *Session) ID() string {
	return s.id
}

// Name はデバイス名を返す
func (s *Session) Name() string {
	return s.device.Name()
}

// Device は対象デバイスを返す
func (s *Session) Device() Device {
	return s.device
}

// State は現在の状態を返す
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsOpen はオープン済みかどうかを返す
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// IsDisposed は破棄済みかどうかを返す
func (s *Session) IsDisposed() bool {
	return s.State() == StateDisposed
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// AddListener はイベントリスナーを登録し、登録解除用の関数を返す
func (s *Session) AddListener(fn SessionListener) func() {
	return s.listeners.add(fn)
}

// Open はデバイスをオープンする
// 既にオープン済みの場合は何もしない
func (s *Session) Open(ctx context.Context) error {
	opened, err := s.open(ctx)
	if err != nil {
		return err
	}
	if opened {
		s.notify(EventOpened)
	}
	return nil
}

func (s *Session) open(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateDisposed:
		return false, ErrAlreadyDisposed
	case StateOpen:
		return false, nil
	}

	resolution, err := s.targetResolution()
	if err != nil {
		return false, err
	}

	s.setState(StateOpening)
	s.log.Infof("デバイスをオープンします (%s)", resolution)

	if err := s.acquireResources(); err != nil {
		s.setState(StateClosed)
		return false, err
	}

	err = NewTask(s.proc, "open", s.device.Name(), s.threadSafe, func(ctx context.Context) error {
		if err := s.device.SetResolution(resolution); err != nil {
			return fmt.Errorf("解像度の設定に失敗: %w", err)
		}
		return s.device.Open(ctx)
	}).Process(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// 受け渡し後に中断されてもオープン自体は完了しうるため、閉じてから戻る
			if cerr := closeDevice(context.WithoutCancel(ctx), s.proc, s.device, s.threadSafe); cerr != nil {
				s.log.Warnf("中断されたオープンの後始末に失敗: %v", cerr)
			}
		}
		s.releaseResources()
		s.setState(StateClosed)
		return false, fmt.Errorf("デバイス %s のオープンに失敗: %w", s.device.Name(), err)
	}

	s.hardwareStarted = true
	s.setState(StateOpen)
	return true, nil
}

// targetResolution はオープン時に適用する解像度を決める（ロック済み前提）
func (s *Session) targetResolution() (Resolution, error) {
	if !s.resolution.IsZero() {
		return s.resolution, nil
	}
	r, ok := s.policy.pick(s.device.Resolutions())
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s は解像度を報告していません", ErrInvalidResolution, s.device.Name())
	}
	s.resolution = r
	return r, nil
}

// acquireResources はロックと通知ゴルーチンを確保する（ロック済み前提）
func (s *Session) acquireResources() error {
	if s.lock != nil {
		if err := s.lock.Lock(); err != nil {
			return err
		}
	}

	s.notifyMu.Lock()
	s.notifyCh = make(chan SessionEvent, imageEventQueueSize)
	go s.imageNotifier(s.notifyCh)
	s.notifyMu.Unlock()

	s.resourceAvailable = true
	return nil
}

// releaseResources はacquireResourcesで確保したものを解放する（ロック済み前提）
func (s *Session) releaseResources() {
	// 通知ゴルーチンは残りのイベントを配送してから終了する
	s.notifyMu.Lock()
	if s.notifyCh != nil {
		close(s.notifyCh)
		s.notifyCh = nil
	}
	s.notifyMu.Unlock()

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warnf("ロックの解放に失敗: %v", err)
		}
	}

	s.resourceAvailable = false
}

// Close はデバイスをクローズする
// オープンしていない場合は何もしない
func (s *Session) Close(ctx context.Context) error {
	closed, err := s.close(ctx)
	if err != nil {
		return err
	}
	if closed {
		s.notify(EventClosed)
	}
	return nil
}

func (s *Session) close(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateOpen {
		return false, nil
	}

	s.setState(StateClosing)
	s.log.Info("デバイスをクローズします")

	if err := closeDevice(ctx, s.proc, s.device, s.threadSafe); err != nil {
		// ハードウェアが停止できなかった場合はオープン状態に戻す
		s.setState(StateOpen)
		return false, fmt.Errorf("デバイス %s のクローズに失敗: %w", s.device.Name(), err)
	}

	s.hardwareStarted = false
	s.releaseResources()
	s.setState(StateClosed)
	return true, nil
}

// Dispose はセッションを破棄する
// オープン中の場合は先にクローズする。破棄後の操作はErrAlreadyDisposedになる
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.State() == StateDisposed {
		s.mu.Unlock()
		return nil
	}

	wasOpen := s.State() == StateOpen
	s.log.Info("セッションを破棄します")

	if wasOpen {
		if err := closeDevice(ctx, s.proc, s.device, s.threadSafe); err != nil {
			s.log.Warnf("破棄時のクローズに失敗: %v", err)
		}
		s.hardwareStarted = false
		s.releaseResources()
	}

	if err := disposeDevice(ctx, s.proc, s.device, s.threadSafe); err != nil {
		s.log.Warnf("デバイスの破棄に失敗: %v", err)
	}

	s.setState(StateDisposed)
	s.mu.Unlock()

	if wasOpen {
		s.notify(EventClosed)
	}
	s.notify(EventDisposed)
	return nil
}

// ready はフレーム取得が可能な状態かを確認する
func (s *Session) ready(ctx context.Context) error {
	switch s.State() {
	case StateOpen:
		return nil
	case StateDisposed:
		return ErrAlreadyDisposed
	}

	if !s.autoOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, s.device.Name())
	}
	return s.Open(ctx)
}

// Image は最新のフレームを取得する
//
// フレームがまだ用意できていない場合は空のFrameとnilを返す。
// デバイスに到達できない場合はErrDeviceUnavailableを返し、再スキャンを要求する。
func (s *Session) Image(ctx context.Context) (Frame, error) {
	if err := s.ready(ctx); err != nil {
		return Frame{}, err
	}

	start := time.Now()
	result, err := readImage(ctx, s.proc, s.device, s.threadSafe)
	if err != nil {
		return Frame{}, err
	}

	// 読み取り中にクローズされた場合
	if !s.IsOpen() {
		if s.IsDisposed() {
			return Frame{}, ErrAlreadyDisposed
		}
		return Frame{}, fmt.Errorf("%w: %s", ErrNotOpen, s.device.Name())
	}

	switch result.Outcome {
	case NotReady:
		return Frame{}, nil
	case Failed:
		s.requestRescan()
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.device.Name(), result.Err)
	}

	if result.Image == nil {
		return Frame{}, nil
	}

	now := time.Now()
	s.recordFrame(result, start, now)
	s.enqueueImageEvent(result)

	return Frame{Image: result.Image, Captured: now}, nil
}

// ImageBytes はデバイスの生フレームバッファを取得する
// デバイスが対応していない場合はErrBufferUnsupportedを返す
func (s *Session) ImageBytes(ctx context.Context) ([]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	data, err := readBuffer(ctx, s.proc, s.device, s.threadSafe)
	if err != nil {
		if errors.Is(err, ErrBufferUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("バッファの読み取りに失敗: %w", err)
	}
	return data, nil
}

// recordFrame はFPSと最終取得時刻を更新する
func (s *Session) recordFrame(result ReadResult, start, now time.Time) {
	hash := imaging.Hash(result.Image)

	s.statMu.Lock()
	defer s.statMu.Unlock()

	if src := s.device.Capabilities().FPS; src != nil {
		s.fps = src.FPS()
	} else {
		ms := float64(now.Sub(start).Milliseconds())
		s.fps = (4*s.fps + 1000/(ms+1)) / 5
	}

	s.imageNew = hash != s.lastHash
	s.lastHash = hash
	s.lastImage = now
}

// FPS は推定フレームレートを返す
func (s *Session) FPS() float64 {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.fps
}

// LastImageTime は最後にフレームを取得した時刻を返す
func (s *Session) LastImageTime() time.Time {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.lastImage
}

// IsImageNew は直前に取得したフレームがその前のフレームと異なるかを返す
func (s *Session) IsImageNew() bool {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.imageNew
}

// Resolutions はデバイスがサポートする解像度を返す
func (s *Session) Resolutions() []Resolution {
	return s.device.Resolutions()
}

// Resolution は設定済みの解像度を返す。未設定の場合はデバイスの現在値
func (s *Session) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolution.IsZero() {
		return s.resolution
	}
	return s.device.Resolution()
}

// SetResolution はオープン時に適用する解像度を設定する
// サポート外の解像度はErrInvalidResolutionになる。オープン中は変更できない
func (s *Session) SetResolution(r Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateDisposed:
		return ErrAlreadyDisposed
	case StateClosed:
	default:
		return fmt.Errorf("%w: 解像度を変更できません: %s", ErrSessionBusy, s.device.Name())
	}

	if !containsResolution(s.device.Resolutions(), r) && !containsResolution(s.customSizes, r) {
		return fmt.Errorf("%w: %s は %s でサポートされていません", ErrInvalidResolution, r, s.device.Name())
	}

	s.resolution = r
	return nil
}

// SetCustomResolutions はデバイスが報告しない解像度を追加で許可する
func (s *Session) SetCustomResolutions(sizes []Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customSizes = append([]Resolution(nil), sizes...)
}

// CustomResolutions は追加で許可された解像度を返す
func (s *Session) CustomResolutions() []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resolution(nil), s.customSizes...)
}

// requestRescan は再スキャンを要求する
func (s *Session) requestRescan() {
	if s.rescan == nil {
		return
	}
	s.log.Warn("デバイスに到達できません。再スキャンを要求します")
	s.rescan()
}

// notify はリスナーへ同期的にイベントを通知する
func (s *Session) notify(t SessionEventType) {
	s.listeners.notify(s.log, s.newEvent(t))
}

func (s *Session) newEvent(t SessionEventType) SessionEvent {
	return SessionEvent{
		ID:        newEventID(),
		Type:      t,
		SessionID: s.id,
		Device:    s.device.Name(),
		Time:      time.Now(),
	}
}

// enqueueImageEvent は画像取得イベントを通知ゴルーチンに渡す
// キューが満杯の場合は破棄する
func (s *Session) enqueueImageEvent(result ReadResult) {
	if s.listeners.count() == 0 {
		return
	}

	event := s.newEvent(EventImageObtained)
	event.Image = result.Image

	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	if s.notifyCh == nil {
		return
	}
	select {
	case s.notifyCh <- event:
	default:
		s.log.Debug("画像取得イベントのキューが満杯のため破棄します")
	}
}

// imageNotifier は画像取得イベントを順番にリスナーへ配送する
func (s *Session) imageNotifier(ch <-chan SessionEvent) {
	for event := range ch {
		s.listeners.notify(s.log, event)
	}
}

// flags はハードウェアとリソースの状態を返す
func (s *Session) flags() (hardwareStarted, resourceAvailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardwareStarted, s.resourceAvailable
}
