package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"shutter/internal/camera"
	"shutter/internal/motion"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Driver   DriverConfig   `yaml:"driver"`
	Session  SessionConfig  `yaml:"session"`
	Motion   motion.Config  `yaml:"motion"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト

	StreamFPS   int `yaml:"stream_fps"`   // MJPEGストリームの最大フレームレート
	JPEGQuality int `yaml:"jpeg_quality"` // スナップショットとストリームのJPEG品質
}

// DriverConfig はキャプチャドライバーの設定
type DriverConfig struct {
	Type         string        `yaml:"type"`          // dummy または v4l2
	DummyCount   int           `yaml:"dummy_count"`   // ダミーデバイスの台数
	DevicePaths  []string      `yaml:"device_paths"`  // V4L2で検索するパターン
	ScanInterval time.Duration `yaml:"scan_interval"` // 0の場合はドライバーの既定値
	LockEnabled  bool          `yaml:"lock_enabled"`  // プロセス間ロックを使うか
	LockDir      string        `yaml:"lock_dir"`      // ロックファイルの置き場所
}

// SessionConfig はセッションの既定動作
type SessionConfig struct {
	ResolutionPolicy  string   `yaml:"resolution_policy"`  // first / largest / smallest
	AutoOpen          bool     `yaml:"auto_open"`          // 画像取得時に自動でオープンする
	CustomResolutions []string `yaml:"custom_resolutions"` // 追加で許可する解像度 (例: 1920x1080)
}

// MonitorConfig は動き検出の監視設定
type MonitorConfig struct {
	AutoStart bool `yaml:"auto_start"` // 検出したカメラで自動的に動き検出を開始する
}

// MQTTConfig はイベント通知の設定
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`          // 例: tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	Codec          string        `yaml:"codec"` // json または msgpack
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SnapshotConfig は動き検出時のスナップショット保存設定
type SnapshotConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`       // 保存先ディレクトリ
	Retention int    `yaml:"retention"` // デバイスごとに保持する枚数
	Quality   int    `yaml:"quality"`   // JPEG品質
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text または json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
			StreamFPS:    10,
			JPEGQuality:  85,
		},
		Driver: DriverConfig{
			Type:        string(camera.DriverDummy),
			DummyCount:  2,
			LockEnabled: true,
			LockDir:     os.TempDir(),
		},
		Session: SessionConfig{
			ResolutionPolicy: string(camera.PolicyFirst),
		},
		Motion: motion.DefaultConfig(),
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "shutter",
			TopicPrefix:    "shutter",
			QoS:            1,
			Codec:          "json",
			ConnectTimeout: 5 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Dir:       "data/snapshots",
			Retention: 100,
			Quality:   90,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、設定ファイル（pathが空でなければ）、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs は指定したファイルシステムから設定を読み込む
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Driver.Type = getEnvOrDefault("SHUTTER_DRIVER", c.Driver.Type)
	c.Driver.DummyCount = getEnvAsIntOrDefault("SHUTTER_DUMMY_COUNT", c.Driver.DummyCount)
	c.Log.Level = getEnvOrDefault("SHUTTER_LOG_LEVEL", c.Log.Level)

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.StreamFPS < 0 {
		errs = append(errs, fmt.Errorf("無効なストリームFPS: %d", c.Server.StreamFPS))
	}
	if c.Server.JPEGQuality < 0 || c.Server.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("無効なJPEG品質: %d", c.Server.JPEGQuality))
	}

	switch camera.DriverType(c.Driver.Type) {
	case camera.DriverDummy:
		if c.Driver.DummyCount < 0 {
			errs = append(errs, fmt.Errorf("無効なダミーデバイス数: %d", c.Driver.DummyCount))
		}
	case camera.DriverV4L2:
	default:
		errs = append(errs, fmt.Errorf("サポートされていないドライバー: %s", c.Driver.Type))
	}
	if c.Driver.ScanInterval < 0 {
		errs = append(errs, fmt.Errorf("無効なスキャン間隔: %s", c.Driver.ScanInterval))
	}

	if !camera.ResolutionPolicy(c.Session.ResolutionPolicy).Valid() {
		errs = append(errs, fmt.Errorf("無効な解像度ポリシー: %s", c.Session.ResolutionPolicy))
	}
	if _, err := c.CustomResolutions(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Motion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("動体検知設定: %w", err))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("MQTTブローカーが設定されていません"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("無効なQoS: %d", c.MQTT.QoS))
		}
		switch c.MQTT.Codec {
		case "json", "msgpack":
		default:
			errs = append(errs, fmt.Errorf("サポートされていないコーデック: %s", c.MQTT.Codec))
		}
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Dir == "" {
			errs = append(errs, errors.New("スナップショットの保存先が設定されていません"))
		}
		if c.Snapshot.Retention < 0 {
			errs = append(errs, fmt.Errorf("無効な保持数: %d", c.Snapshot.Retention))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("サポートされていないログ形式: %s", c.Log.Format))
	}

	return errors.Join(errs...)
}

// CustomResolutions は追加で許可する解像度を解析する
func (c *Config) CustomResolutions() ([]camera.Resolution, error) {
	result := make([]camera.Resolution, 0, len(c.Session.CustomResolutions))
	for _, s := range c.Session.CustomResolutions {
		r, err := camera.ParseResolution(s)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
