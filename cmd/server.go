// Package main はshutterサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"shutter/internal/app"
	"shutter/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		driver     = flag.String("driver", "", "キャプチャドライバー (dummy / v4l2)")
		dummy      = flag.Int("dummy", -1, "ダミーデバイスの台数")
		autoMotion = flag.Bool("motion", false, "検出したカメラで動き検出を自動的に開始する")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("shutter")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Driver.Type = *driver
	}
	if *dummy >= 0 {
		cfg.Driver.DummyCount = *dummy
	}
	if *autoMotion {
		cfg.Monitor.AutoStart = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	entry := logger.WithField("app", "shutter")

	a, err := app.New(cfg, app.Options{Logger: entry})
	if err != nil {
		entry.WithError(err).Fatal("初期化に失敗しました")
	}

	// サーバーを起動
	if err := a.Run(context.Background()); err != nil {
		entry.WithError(err).Fatal("サーバーが異常終了しました")
	}
}
