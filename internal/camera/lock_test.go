package camera

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestDeviceLock_LockUnlock(t *testing.T) {
	fs := afero.NewMemMapFs()
	lock := NewDeviceLock(fs, "/var/lock", "Dummy Webcam 0", nil)

	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if !lock.IsLocked() {
		t.Error("Expected lock to be held")
	}

	exists, err := afero.Exists(fs, lock.Path())
	if err != nil || !exists {
		t.Fatalf("Expected lock file at %s", lock.Path())
	}

	// 2回目のLockは何もしない
	if err := lock.Lock(); err != nil {
		t.Errorf("Second Lock failed: %v", err)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if lock.IsLocked() {
		t.Error("Expected lock to be released")
	}
	if exists, _ := afero.Exists(fs, lock.Path()); exists {
		t.Error("Expected lock file to be removed")
	}
}

func TestDeviceLock_PathIsStablePerDevice(t *testing.T) {
	fs := afero.NewMemMapFs()
	a1 := NewDeviceLock(fs, "/locks", "camera-a", nil)
	a2 := NewDeviceLock(fs, "/locks", "camera-a", nil)
	b := NewDeviceLock(fs, "/locks", "camera-b", nil)

	if a1.Path() != a2.Path() {
		t.Errorf("Expected identical paths, got %s and %s", a1.Path(), a2.Path())
	}
	if a1.Path() == b.Path() {
		t.Error("Expected different devices to use different lock files")
	}
}

func TestDeviceLock_HeldByOther(t *testing.T) {
	fs := afero.NewMemMapFs()
	other := NewDeviceLock(fs, "/locks", "cam", nil)
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer func() { _ = other.Unlock() }()

	lock := NewDeviceLock(fs, "/locks", "cam", nil)
	if !lock.IsLocked() {
		t.Error("Expected lock held by other to be reported")
	}
	if err := lock.Lock(); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}
}

func TestDeviceLock_StaleLockIsTakenOver(t *testing.T) {
	fs := afero.NewMemMapFs()
	lock := NewDeviceLock(fs, "/locks", "cam", nil)

	// 更新が途絶えた古いロックファイルを置く
	stale := time.Now().Add(-10 * LockRefreshInterval).UnixMilli()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(stale))
	if err := fs.MkdirAll("/locks", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, lock.Path(), buf, 0o644); err != nil {
		t.Fatal(err)
	}

	if lock.IsLocked() {
		t.Error("Expected stale lock not to count as locked")
	}
	if err := lock.Lock(); err != nil {
		t.Fatalf("Expected stale lock to be taken over, got %v", err)
	}
	_ = lock.Unlock()
}

func TestDeviceLock_RefreshKeepsLockFresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	lock := NewDeviceLock(fs, "/locks", "cam", nil)
	lock.interval = 10 * time.Millisecond

	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer func() { _ = lock.Unlock() }()

	readValue := func() int64 {
		data, err := afero.ReadFile(fs, lock.Path())
		if err != nil || len(data) < 8 {
			return 0
		}
		return int64(binary.BigEndian.Uint64(data))
	}

	first := readValue()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if readValue() > first {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected lock file timestamp to be refreshed")
}

func TestDeviceLock_Disable(t *testing.T) {
	fs := afero.NewMemMapFs()
	other := NewDeviceLock(fs, "/locks", "cam", nil)
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer func() { _ = other.Unlock() }()

	lock := NewDeviceLock(fs, "/locks", "cam", nil)
	lock.Disable()
	if lock.IsLocked() {
		t.Error("Expected disabled lock to report unlocked")
	}
	if err := lock.Lock(); err != nil {
		t.Errorf("Expected disabled lock to succeed, got %v", err)
	}
}

func TestDeviceLock_DisableReleasesHeldLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	lock := NewDeviceLock(fs, "/locks", "cam", nil)
	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	lock.Disable()

	// 無効化後は他プロセスからロックされていないように見える
	if ok, _ := afero.Exists(fs, lock.Path()); ok {
		t.Error("Expected lock file to be removed on disable")
	}
	other := NewDeviceLock(fs, "/locks", "cam", nil)
	if other.IsLocked() {
		t.Error("Expected other process to see the device unlocked")
	}
	if err := other.Lock(); err != nil {
		t.Fatalf("Expected other process to acquire the lock, got %v", err)
	}
	_ = other.Unlock()
}
