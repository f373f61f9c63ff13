package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"shutter/internal/camera"
	"shutter/internal/config"
	"shutter/internal/notify"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Driver.DummyCount = 1
	cfg.Driver.LockDir = "/locks"
	cfg.MQTT.Enabled = true
	cfg.Snapshot.Enabled = true
	cfg.Snapshot.Dir = "/snapshots"
	return cfg
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(logger)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Expected JSON formatter, got %T", logger.Formatter)
	}

	logger, err = NewLogger(config.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("Expected text formatter, got %T", logger.Formatter)
	}

	if _, err := NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestApp_StartWiresComponents(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	client := notify.NewMockClient()

	a, err := New(testConfig(), Options{Fs: fs, MQTTClient: client, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Publisher == nil || a.Recorder == nil {
		t.Fatal("Expected publisher and recorder to be created")
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 初回スキャンの検出イベントがMQTTへ送信される
	select {
	case msg := <-client.Published():
		if msg.Topic != "shutter/cameras/added" {
			t.Errorf("Unexpected topic %s", msg.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected camera added notification")
	}

	if ok, _ := afero.DirExists(fs, "/snapshots"); !ok {
		t.Error("Expected snapshot directory to be created")
	}

	sessions, err := a.System.Discovery.Sessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Expected one session, got %d (%v)", len(sessions), err)
	}
	// ロックファイルは指定したファイルシステムに作られる
	if err := sessions[0].Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !camera.NewDeviceLock(fs, "/locks", sessions[0].Name(), nil).IsLocked() {
		t.Error("Expected device lock while open")
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !sessions[0].IsDisposed() {
		t.Error("Expected session to be disposed after stop")
	}
	if client.IsConnected() {
		t.Error("Expected MQTT client to be disconnected")
	}
}

func TestApp_BrokerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := notify.NewMockClient()
	client.SetConnectError(errors.New("connection refused"))

	a, err := New(testConfig(), Options{Fs: afero.NewMemMapFs(), MQTTClient: client, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// ブローカーに接続できなくても起動は続ける
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(a.System.Discovery.Records()) != 1 {
		t.Errorf("Expected one camera, got %d", len(a.System.Discovery.Records()))
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestApp_UnsupportedDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Driver.Type = "firewire"

	if _, err := New(cfg, Options{Fs: afero.NewMemMapFs(), Logger: testLogger()}); err == nil {
		t.Fatal("Expected error for unsupported driver")
	}
}

func TestApp_Run(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = false
	cfg.Snapshot.Enabled = false

	a, err := New(cfg, Options{Fs: afero.NewMemMapFs(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Run to return")
	}
}
