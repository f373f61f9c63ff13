package camera

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LockRefreshInterval はロックファイルのタイムスタンプを更新する間隔
const LockRefreshInterval = 2 * time.Second

// lockReleased は解放済みを表すロックファイルの値
const lockReleased int64 = -1

// DeviceLock は同一デバイスを複数プロセスが同時に使わないためのロック
//
// ロックファイルには最終更新時刻（UnixMilli）が書き込まれ、所有プロセスが
// 定期的に更新する。更新が2周期以上途絶えたロックは放棄されたものとみなす。
type DeviceLock struct {
	fs       afero.Fs
	path     string
	device   string
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu       sync.Mutex
	locked   bool
	disabled bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDeviceLock は新しいDeviceLockを作成する
func NewDeviceLock(fs afero.Fs, dir, device string, log *logrus.Entry) *DeviceLock {
	name := fmt.Sprintf(".shutter-lock-%016x", xxhash.Sum64([]byte(device)))
	return &DeviceLock{
		fs:       fs,
		path:     filepath.Join(dir, name),
		device:   device,
		interval: LockRefreshInterval,
		now:      time.Now,
		log:      entryOrDefault(log).WithField("device", device),
	}
}

// Path はロックファイルのパスを返す
func (l *DeviceLock) Path() string {
	return l.path
}

// Lock はロックを取得し、更新ゴルーチンを開始する
func (l *DeviceLock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled || l.locked {
		return nil
	}

	if l.lockedByOther() {
		return fmt.Errorf("%w: %s", ErrLocked, l.device)
	}

	if err := l.write(l.now().UnixMilli()); err != nil {
		return fmt.Errorf("ロックファイルの書き込みに失敗: %w", err)
	}

	l.locked = true
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.refresh(l.stopCh)

	l.log.Debugf("デバイスをロックしました: %s", l.path)
	return nil
}

// Unlock はロックを解放する
func (l *DeviceLock) Unlock() error {
	l.mu.Lock()
	if l.disabled || !l.locked {
		l.mu.Unlock()
		return nil
	}
	l.locked = false
	close(l.stopCh)
	l.mu.Unlock()

	if err := l.release(); err != nil {
		return err
	}

	l.log.Debug("デバイスのロックを解放しました")
	return nil
}

// release は更新ゴルーチンの終了を待ってロックファイルを削除する
func (l *DeviceLock) release() error {
	l.wg.Wait()

	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ロックファイルの削除に失敗: %w", err)
	}
	return nil
}

// IsLocked は自プロセスまたは他プロセスがロックを保持しているかを返す
func (l *DeviceLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		return false
	}
	return l.locked || l.lockedByOther()
}

// Disable はロック機構を無効化する
// 保持中のロックは解放する
func (l *DeviceLock) Disable() {
	l.mu.Lock()
	if l.disabled {
		l.mu.Unlock()
		return
	}
	l.disabled = true
	wasLocked := l.locked
	if wasLocked {
		l.locked = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	if wasLocked {
		if err := l.release(); err != nil {
			l.log.Warnf("無効化時のロック解放に失敗: %v", err)
		}
	}
	l.log.Info("ロック機構を無効化しました")
}

// refresh は定期的にロックファイルのタイムスタンプを更新する
func (l *DeviceLock) refresh(stopCh <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := l.write(l.now().UnixMilli()); err != nil {
				l.log.Warnf("ロックファイルの更新に失敗: %v", err)
			}
		}
	}
}

// lockedByOther は他プロセスが有効なロックを保持しているかを返す（ロック済み前提）
func (l *DeviceLock) lockedByOther() bool {
	if l.locked {
		return false
	}

	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return false
	}

	if len(data) < 8 {
		l.log.Warnf("ロックファイルが壊れています: %s", l.path)
		return false
	}

	value := int64(binary.BigEndian.Uint64(data))
	if value == lockReleased {
		return false
	}

	age := l.now().Sub(time.UnixMilli(value))
	return age < 2*l.interval
}

// write は一時ファイル経由でロックファイルを置き換える
func (l *DeviceLock) write(value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))

	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, buf, 0o644); err != nil {
		return err
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		// リネームできない場合は直接書き込む
		_ = l.fs.Remove(tmp)
		return afero.WriteFile(l.fs, l.path, buf, 0o644)
	}
	return nil
}
