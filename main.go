package main

import (
	"context"
	"log"
	"os"

	"shutter/internal/app"
	"shutter/internal/config"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("SHUTTER_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	a, err := app.New(cfg, app.Options{Logger: logger.WithField("app", "shutter")})
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
