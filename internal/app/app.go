// Package app は設定から各コンポーネントを組み立てて起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"shutter/internal/camera"
	"shutter/internal/config"
	"shutter/internal/monitor"
	"shutter/internal/notify"
	"shutter/internal/server"
	"shutter/internal/snapshot"
)

// 停止処理全体に許容する時間
const shutdownTimeout = 10 * time.Second

// App はプロセス内の全コンポーネントを保持する
type App struct {
	Config    *config.Config
	System    *camera.System
	Monitor   *monitor.Monitor
	Publisher *notify.Publisher  // MQTTが無効の場合はnil
	Recorder  *snapshot.Recorder // スナップショットが無効の場合はnil
	Server    *server.Server

	log *logrus.Entry
}

// Options はAppの生成オプション
type Options struct {
	// Fs はスナップショットとロックファイルの保存先。nilの場合はOSのファイルシステム
	Fs afero.Fs
	// Driver が設定されている場合は設定のドライバー種別より優先する
	Driver camera.Driver
	// MQTTClient が設定されている場合はブローカーへ直接接続しない
	MQTTClient mqtt.Client
	Logger     *logrus.Entry
}

// NewLogger は設定に従ってロガーを作成する
func NewLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル: %w", err)
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// New は設定から各コンポーネントを作成し、リスナーを結線する
func New(cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	driver := opts.Driver
	if driver == nil {
		created, err := camera.NewDriverFactory().Create(camera.DriverType(cfg.Driver.Type), camera.DriverConfig{
			DummyCount:  cfg.Driver.DummyCount,
			DevicePaths: cfg.Driver.DevicePaths,
			Logger:      log.WithField("component", "driver"),
		})
		if err != nil {
			return nil, fmt.Errorf("ドライバーの作成に失敗: %w", err)
		}
		driver = created
	}

	custom, err := cfg.CustomResolutions()
	if err != nil {
		return nil, err
	}
	discoveryOpts := camera.DiscoveryOptions{
		ScanInterval:      cfg.Driver.ScanInterval,
		Policy:            camera.ResolutionPolicy(cfg.Session.ResolutionPolicy),
		AutoOpen:          cfg.Session.AutoOpen,
		CustomResolutions: custom,
		Logger:            log,
	}
	if cfg.Driver.LockEnabled {
		discoveryOpts.LockFs = fs
		discoveryOpts.LockDir = cfg.Driver.LockDir
	}
	sys := camera.NewSystem(driver, discoveryOpts)

	mon, err := monitor.New(sys.Discovery, cfg.Motion, monitor.Options{
		AutoStart: cfg.Monitor.AutoStart,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		System:  sys,
		Monitor: mon,
		log:     log.WithField("component", "app"),
	}

	if cfg.MQTT.Enabled {
		pubOpts := notify.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Codec:          notify.Codec(cfg.MQTT.Codec),
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			Logger:         log,
		}
		if opts.MQTTClient != nil {
			a.Publisher = notify.NewPublisherWithClient(opts.MQTTClient, pubOpts)
		} else {
			a.Publisher = notify.NewPublisher(pubOpts)
		}
		sys.Discovery.AddListener(a.Publisher.DiscoveryListener())
		mon.AddListener(a.Publisher.MotionListener())
	}

	if cfg.Snapshot.Enabled {
		a.Recorder = snapshot.NewRecorder(fs, snapshot.Config{
			Dir:       cfg.Snapshot.Dir,
			Retention: cfg.Snapshot.Retention,
			Quality:   cfg.Snapshot.Quality,
		}, log)
		mon.AddListener(a.Recorder.Listener())
	}

	a.Server, err = server.New(server.Options{
		Config:   cfg,
		System:   sys,
		Monitor:  mon,
		Recorder: a.Recorder,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start はHTTPサーバー以外のコンポーネントを起動する
// 検出イベントを取りこぼさないよう、通知と記録を先に起動する
func (a *App) Start(ctx context.Context) error {
	if a.Publisher != nil {
		if err := a.Publisher.Start(ctx); err != nil {
			// ブローカーに接続できない場合は通知なしで起動を続ける
			a.log.WithError(err).Warn("MQTTブローカーへの接続に失敗しました。通知は送信されません")
		}
	}
	if a.Recorder != nil {
		if err := a.Recorder.Start(ctx); err != nil {
			return fmt.Errorf("スナップショット記録の開始に失敗: %w", err)
		}
	}
	if err := a.System.Start(ctx); err != nil {
		return err
	}
	if err := a.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("動き検出の開始に失敗: %w", err)
	}
	return nil
}

// Run は全コンポーネントを起動し、サーバーが停止するまで待つ
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Stop(stopCtx))
	}

	a.log.Infof("shutter を起動します: %s (ドライバー: %s)", a.Config.ServerAddress(), a.Config.Driver.Type)
	serveErr := a.Server.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Stop(stopCtx))
}

// Stop は起動と逆順にコンポーネントを停止する
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.Monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("動き検出の停止に失敗: %w", err))
	}
	if err := a.System.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("キャプチャ基盤の停止に失敗: %w", err))
	}
	if a.Recorder != nil {
		if err := a.Recorder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("スナップショット記録の停止に失敗: %w", err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("MQTT通知の停止に失敗: %w", err))
		}
	}
	if len(errs) == 0 {
		a.log.Info("全てのコンポーネントを停止しました")
	}
	return errors.Join(errs...)
}
