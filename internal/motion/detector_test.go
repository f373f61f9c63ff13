package motion

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"shutter/internal/camera"
)

// fakeSource は用意したフレームを順番に返すSource
type fakeSource struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
	open   bool
	opens  int
	closes int
}

func newFakeSource(frames ...image.Image) *fakeSource {
	return &fakeSource{frames: frames}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSource) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.opens++
	return nil
}

func (f *fakeSource) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
	return nil
}

func (f *fakeSource) Image(context.Context) (camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return camera.Frame{}, nil
	}
	i := f.next
	if i >= len(f.frames) {
		i = len(f.frames) - 1
	}
	f.next++
	return camera.Frame{Image: f.frames[i], Captured: time.Now()}, nil
}

func (f *fakeSource) push(frames ...image.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames[:f.next], frames...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlurRadius = 0
	cfg.Interval = time.Hour // tickはテストから直接呼ぶ
	cfg.Inertia = 50 * time.Millisecond
	return cfg
}

func startForTest(t *testing.T, d *Detector) {
	t.Helper()
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{Interval: 200 * time.Millisecond}.withDefaults()
	if cfg.Inertia != 300*time.Millisecond {
		t.Errorf("Expected inertia of interval*1.5, got %s", cfg.Inertia)
	}

	cfg = Config{}.withDefaults()
	if cfg.Interval != DefaultInterval {
		t.Errorf("Expected default interval, got %s", cfg.Interval)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"interval too short", Config{Interval: 50 * time.Millisecond}, true},
		{"threshold too large", Config{PixelThreshold: 256}, true},
		{"negative inertia", Config{Inertia: -time.Second}, true},
		{"area out of range", Config{AreaThreshold: 101}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetector_FirstTickDoesNotDetect(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(
		frameWithSquare(40, 30, image.Rect(0, 0, 10, 10), 255),
	)
	d, err := NewDetector(src, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	startForTest(t, d)

	d.tick(ctx)
	if d.IsMotion() {
		t.Error("Expected no motion after the first tick")
	}
}

func TestDetector_IdenticalFramesNoMotion(t *testing.T) {
	ctx := context.Background()
	frame := frameWithSquare(40, 30, image.Rect(0, 0, 10, 10), 255)
	src := newFakeSource(frame, frame, frame)

	d, err := NewDetector(src, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	startForTest(t, d)

	events := 0
	d.AddListener(func(Event) { events++ })

	for i := 0; i < 3; i++ {
		d.tick(ctx)
	}

	status := d.Status()
	if status.Motion || status.Strength != 0 {
		t.Errorf("Expected no motion and strength 0, got %+v", status)
	}
	if events != 0 {
		t.Errorf("Expected no events, got %d", events)
	}
}

func TestDetector_MotionHoldsThenDecays(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(
		frameWithSquare(40, 30, image.Rectangle{}, 0),
		frameWithSquare(40, 30, image.Rect(10, 10, 20, 20), 255),
	)

	cfg := testConfig()
	cfg.Inertia = 200 * time.Millisecond
	d, err := NewDetector(src, cfg, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	startForTest(t, d)

	var mu sync.Mutex
	var events []Event
	d.AddListener(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	d.tick(ctx)
	d.tick(ctx)

	if !d.IsMotion() {
		t.Fatal("Expected motion after a changed frame")
	}
	status := d.Status()
	if status.Strength != 100 {
		t.Errorf("Expected strength 100, got %d", status.Strength)
	}

	// 動きありの間はtickしても検出しない
	src.push(frameWithSquare(40, 30, image.Rect(0, 0, 5, 5), 255))
	d.tick(ctx)

	mu.Lock()
	if len(events) != 1 {
		t.Errorf("Expected exactly one event, got %d", len(events))
	}
	if len(events) > 0 && (events[0].Previous == nil || events[0].Current == nil) {
		t.Error("Expected previous and current frames in the event")
	}
	mu.Unlock()

	// Inertiaの半分が経過した時点ではまだ動きあり
	time.Sleep(cfg.Inertia / 2)
	if !d.IsMotion() {
		t.Fatal("Expected motion to hold before inertia elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsMotion() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.IsMotion() {
		t.Fatal("Expected motion to decay after inertia")
	}

	// 最終検出の値は保持される
	if d.Status().Strength != 100 {
		t.Errorf("Expected last strength to be kept, got %d", d.Status().Strength)
	}
}

func TestDetector_KeepsReferenceFrameAfterDecay(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(
		frameWithSquare(40, 30, image.Rectangle{}, 0),
		frameWithSquare(40, 30, image.Rect(10, 10, 20, 20), 255),
	)

	d, err := NewDetector(src, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	startForTest(t, d)

	d.tick(ctx)
	d.tick(ctx)
	if !d.IsMotion() {
		t.Fatal("Expected motion after a changed frame")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsMotion() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.IsMotion() {
		t.Fatal("Expected motion to decay after inertia")
	}

	// 解除直後のtickも検出時のフレームと比較する
	src.push(frameWithSquare(40, 30, image.Rect(25, 15, 35, 25), 255))
	d.tick(ctx)
	if !d.IsMotion() {
		t.Error("Expected continued motion to be detected on the first tick after decay")
	}
}

func TestDetector_StartStopOwnership(t *testing.T) {
	ctx := context.Background()

	// Startで開いたソースはStopで閉じる
	src := newFakeSource(frameWithSquare(10, 10, image.Rectangle{}, 0))
	d, err := NewDetector(src, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if !d.IsRunning() || !src.IsOpen() {
		t.Fatal("Expected detector running with open source")
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if src.IsOpen() {
		t.Error("Expected detector to close the source it opened")
	}
	if src.opens != 1 || src.closes != 1 {
		t.Errorf("Expected one open and close, got %d/%d", src.opens, src.closes)
	}

	// 既に開いていたソースは閉じない
	src2 := newFakeSource(frameWithSquare(10, 10, image.Rectangle{}, 0))
	_ = src2.Open(ctx)
	d2, err := NewDetector(src2, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	if err := d2.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d2.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !src2.IsOpen() {
		t.Error("Expected externally opened source to stay open")
	}
}

func TestDetector_LoopDetectsWithSession(t *testing.T) {
	ctx := context.Background()

	proc := camera.NewProcessor(nil)
	defer func() { _ = proc.Stop(ctx) }()
	session := camera.NewSession(camera.NewDummyDevice("Dummy Webcam 0"), proc, camera.SessionOptions{})

	cfg := DefaultConfig()
	cfg.Interval = MinInterval
	cfg.BlurRadius = 1
	d, err := NewDetector(session, cfg, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	detected := make(chan Event, 1)
	d.AddListener(func(e Event) {
		select {
		case detected <- e:
		default:
		}
	})

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// ダミーデバイスの矩形は移動し続けるため動きが検出される
	select {
	case e := <-detected:
		if e.Strength == 0 {
			t.Error("Expected positive strength")
		}
		if e.Device != session.Name() {
			t.Errorf("Expected device %s, got %s", session.Name(), e.Device)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected motion from the dummy device")
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if session.IsOpen() {
		t.Error("Expected session opened by detector to be closed")
	}
}
