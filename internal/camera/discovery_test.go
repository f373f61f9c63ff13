package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// eventRecorder は検出イベントを記録する
type eventRecorder struct {
	mu     sync.Mutex
	events []DiscoveryEvent
}

func (r *eventRecorder) listen(e DiscoveryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) take() []DiscoveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func newTestDiscovery(t *testing.T, driver Driver) *Discovery {
	t.Helper()
	proc := NewProcessor(nil)
	d := NewDiscovery(driver, proc, DiscoveryOptions{})
	t.Cleanup(func() {
		ctx := context.Background()
		_ = d.Shutdown(ctx)
		_ = proc.Stop(ctx)
	})
	return d
}

func TestDiscovery_ScanDiff(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(0)
	driver.AddDevice("A")
	driver.AddDevice("B")

	d := newTestDiscovery(t, driver)
	rec := &eventRecorder{}
	d.AddListener(rec.listen)

	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	events := rec.take()
	if len(events) != 2 {
		t.Fatalf("Expected 2 added events, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != DeviceAdded {
			t.Errorf("Expected added event, got %s", e.Type)
		}
		if e.Session == nil {
			t.Error("Expected session in added event")
		}
	}

	sessionB, ok := d.Session("B")
	if !ok {
		t.Fatal("Expected session for B")
	}
	sessionA, _ := d.Session("A")

	// [A, B] → [B, C]
	driver.RemoveDevice("A")
	driver.AddDevice("C")
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	events = rec.take()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != DeviceRemoved || events[0].Device != "A" {
		t.Errorf("Expected removed(A), got %s(%s)", events[0].Type, events[0].Device)
	}
	if events[1].Type != DeviceAdded || events[1].Device != "C" {
		t.Errorf("Expected added(C), got %s(%s)", events[1].Type, events[1].Device)
	}

	if !sessionA.IsDisposed() {
		t.Error("Expected session for A to be disposed")
	}
	if got, _ := d.Session("B"); got != sessionB {
		t.Error("Expected session for B to be retained")
	}
	if _, ok := d.Session("A"); ok {
		t.Error("Expected A to be forgotten")
	}

	records := d.Records()
	if len(records) != 2 || records[0].Name != "B" || records[1].Name != "C" {
		t.Errorf("Unexpected records: %+v", records)
	}
	if records[0].LastTick != 2 {
		t.Errorf("Expected B last tick 2, got %d", records[0].LastTick)
	}
}

func TestDiscovery_UnchangedScanIsSilent(t *testing.T) {
	ctx := context.Background()
	d := newTestDiscovery(t, NewDummyDriver(2))
	rec := &eventRecorder{}

	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	d.AddListener(rec.listen)

	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if events := rec.take(); len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestDiscovery_NamingConflict(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(0)
	driver.AddDevice("A")

	d := newTestDiscovery(t, driver)
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	before, _ := d.Session("A")

	rec := &eventRecorder{}
	d.AddListener(rec.listen)

	driver.AddDevice("A")
	driver.AddDevice("B")
	err := d.Scan(ctx)
	if !errors.Is(err, ErrNamingConflict) {
		t.Fatalf("Expected ErrNamingConflict, got %v", err)
	}

	// 状態は変更されない
	if events := rec.take(); len(events) != 0 {
		t.Errorf("Expected no events on conflict, got %d", len(events))
	}
	if _, ok := d.Session("B"); ok {
		t.Error("Expected B not to be added on conflict")
	}
	if after, _ := d.Session("A"); after != before {
		t.Error("Expected session for A to be unchanged")
	}
}

func TestDiscovery_ReappearCreatesNewSession(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(0)
	driver.AddDevice("A")

	d := newTestDiscovery(t, driver)
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	first, _ := d.Session("A")
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rec := &eventRecorder{}
	d.AddListener(rec.listen)

	driver.RemoveDevice("A")
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	driver.AddDevice("A")
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	events := rec.take()
	if len(events) != 2 || events[0].Type != DeviceRemoved || events[1].Type != DeviceAdded {
		t.Fatalf("Expected removed then added, got %+v", events)
	}

	second, _ := d.Session("A")
	if second == first {
		t.Fatal("Expected a new session")
	}
	if second.ID() == first.ID() {
		t.Error("Expected a new session id")
	}
	if second.IsOpen() {
		t.Error("Expected new session to start closed")
	}
	if !first.IsDisposed() {
		t.Error("Expected old session to be disposed")
	}
}

func TestDiscovery_ScanThroughProcessor(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(1)
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	d := NewDiscovery(driver, proc, DiscoveryOptions{})
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer func() { _ = d.Shutdown(ctx) }()

	// スレッドセーフでないドライバーの列挙はプロセッサー経由で行われる
	if proc.Stats().Submitted != 1 {
		t.Errorf("Expected enumeration to go through the processor, got %+v", proc.Stats())
	}

	driver.SetThreadSafe(true)
	before := proc.Stats().Submitted
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if proc.Stats().Submitted != before {
		t.Error("Expected thread-safe enumeration to bypass the processor")
	}
}

func TestDiscovery_ScanFailure(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(1)
	d := newTestDiscovery(t, driver)

	driver.SetFailScan(errors.New("bus error"))
	if err := d.Scan(ctx); !errors.Is(err, ErrTaskExecution) {
		t.Errorf("Expected ErrTaskExecution, got %v", err)
	}
	if len(d.Records()) != 0 {
		t.Error("Expected no records after failed scan")
	}
}

func TestDiscovery_PollerDetectsChanges(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(1)
	driver.SetScanInterval(20 * time.Millisecond)

	d := newTestDiscovery(t, driver)
	added := make(chan string, 4)
	d.AddListener(func(e DiscoveryEvent) {
		if e.Type == DeviceAdded {
			added <- e.Device
		}
	})

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-added // 初回スキャン

	driver.AddDevice("Hotplugged")

	select {
	case name := <-added:
		if name != "Hotplugged" {
			t.Errorf("Expected Hotplugged, got %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected poller to detect new device")
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if d.IsRunning() {
		t.Error("Expected discovery to be stopped")
	}
}

// blockingDriver は初回以降の列挙をreleaseが閉じられるまで止める
type blockingDriver struct {
	*DummyDriver
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDriver) Devices(ctx context.Context) ([]Device, error) {
	if b.calls.Add(1) > 1 {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		<-b.release
	}
	return b.DummyDriver.Devices(ctx)
}

func TestDiscovery_StopAfterTimeoutCanRepeat(t *testing.T) {
	ctx := context.Background()
	driver := &blockingDriver{
		DummyDriver: NewDummyDriver(1),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	driver.SetScanInterval(10 * time.Millisecond)

	d := newTestDiscovery(t, driver)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-driver.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected poller to start a scan")
	}

	// スキャン中のため停止待ちはタイムアウトする
	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := d.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if d.IsRunning() {
		t.Error("Expected discovery to be marked stopped")
	}

	// 2回目の停止はパニックせずに成功する
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}

	close(driver.release)
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestDiscovery_RemovedEventsFollowDetectionOrder(t *testing.T) {
	ctx := context.Background()
	names := []string{"E", "A", "D", "B", "C"}
	driver := NewDummyDriver(0)
	for _, name := range names {
		driver.AddDevice(name)
	}

	d := newTestDiscovery(t, driver)
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	rec := &eventRecorder{}
	d.AddListener(rec.listen)
	for _, name := range names {
		driver.RemoveDevice(name)
	}
	if err := d.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	events := rec.take()
	if len(events) != len(names) {
		t.Fatalf("Expected %d removed events, got %d", len(names), len(events))
	}
	for i, e := range events {
		if e.Type != DeviceRemoved || e.Device != names[i] {
			t.Errorf("Event %d: expected removed(%s), got %s(%s)", i, names[i], e.Type, e.Device)
		}
	}
}

func TestDiscovery_NoPollerWhenScanImpossible(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(1)
	driver.SetScanPossible(false)
	driver.SetScanInterval(10 * time.Millisecond)

	d := newTestDiscovery(t, driver)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if driver.Scans() != 1 {
		t.Errorf("Expected only the initial scan, got %d", driver.Scans())
	}
}

func TestDiscovery_RescanRequest(t *testing.T) {
	ctx := context.Background()
	driver := NewDummyDriver(1)
	driver.SetScanInterval(time.Hour)

	d := newTestDiscovery(t, driver)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	session, ok := d.Session("Dummy Webcam 0")
	if !ok {
		t.Fatal("Expected dummy session")
	}
	if err := session.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	removed := make(chan struct{})
	d.AddListener(func(e DiscoveryEvent) {
		if e.Type == DeviceRemoved {
			close(removed)
		}
	})

	// デバイスを取り外すとフレーム取得に失敗し、再スキャンが要求される
	dev, _ := driver.Device("Dummy Webcam 0")
	dev.SetUnreachable(errors.New("unplugged"))
	driver.RemoveDevice("Dummy Webcam 0")

	if _, err := session.Image(ctx); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected rescan to remove the device")
	}
}

func TestDiscovery_SessionsAndShutdown(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	fs := afero.NewMemMapFs()
	d := NewDiscovery(NewDummyDriver(2), proc, DiscoveryOptions{LockFs: fs, LockDir: "/locks"})

	// 未スキャンの場合は自動でスキャンする
	sessions, err := d.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Name() != "Dummy Webcam 0" || sessions[1].Name() != "Dummy Webcam 1" {
		t.Errorf("Unexpected session order: %s, %s", sessions[0].Name(), sessions[1].Name())
	}

	// IDでも検索できる
	if got, ok := d.Session(sessions[1].ID()); !ok || got != sessions[1] {
		t.Error("Expected lookup by session id")
	}

	if err := sessions[0].Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for _, s := range sessions {
		if !s.IsDisposed() {
			t.Errorf("Expected session %s to be disposed", s.Name())
		}
	}
	if len(d.Records()) != 0 {
		t.Error("Expected records to be cleared")
	}

	// ロックファイルは解放されている
	lock := NewDeviceLock(fs, "/locks", "Dummy Webcam 0", nil)
	if lock.IsLocked() {
		t.Error("Expected lock to be released after shutdown")
	}
}

func TestDiscovery_Enabled(t *testing.T) {
	d := newTestDiscovery(t, NewDummyDriver(0))
	if !d.IsEnabled() {
		t.Fatal("Expected discovery to be enabled by default")
	}
	d.SetEnabled(false)
	if d.IsEnabled() {
		t.Error("Expected discovery to be disabled")
	}
}

func TestDiscovery_CustomResolutions(t *testing.T) {
	ctx := context.Background()
	proc := NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()

	d := NewDiscovery(NewDummyDriver(1), proc, DiscoveryOptions{CustomResolutions: []Resolution{HD720}})
	defer func() { _ = d.Shutdown(ctx) }()

	sessions, err := d.Sessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Expected one session, got %d (%v)", len(sessions), err)
	}
	// デバイスが報告しない解像度も選べる
	if err := sessions[0].SetResolution(HD720); err != nil {
		t.Errorf("Expected custom resolution to be accepted: %v", err)
	}
}
