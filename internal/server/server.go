package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
	"shutter/internal/config"
	"shutter/internal/monitor"
	"shutter/internal/snapshot"
)

// Options はServerの依存関係
type Options struct {
	Config   *config.Config
	System   *camera.System
	Monitor  *monitor.Monitor
	Recorder *snapshot.Recorder // nilの場合はスナップショット一覧が常に空
	Logger   *logrus.Entry
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	engine     *gin.Engine
	hub        *Hub
	log        *logrus.Entry

	// cancelStreams はリクエストの基底コンテキストをキャンセルする
	cancelStreams context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.System == nil || opts.Monitor == nil {
		return nil, errors.New("サーバーの依存関係が不足しています")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "server")

	doc, err := LoadDocument()
	if err != nil {
		return nil, err
	}
	validator, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	hub := NewHub(log)
	handler := &ShutterHandler{
		config:   opts.Config,
		system:   opts.System,
		monitor:  opts.Monitor,
		recorder: opts.Recorder,
		hub:      hub,
		log:      log,
	}

	// イベントをWebSocketへ流す
	opts.System.Discovery.AddListener(hub.DiscoveryListener())
	opts.Monitor.AddListener(hub.MotionListener())
	sessionListener := hub.SessionListener()
	for _, rec := range opts.System.Discovery.Records() {
		if s, ok := opts.System.Discovery.Session(rec.SessionID); ok {
			s.AddListener(sessionListener)
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log), validator)
	RegisterHandlers(engine, handler, func(c *gin.Context, err error, statusCode int) {
		details := err.Error()
		abortWithError(c, statusCode, "invalid_request", "リクエストの形式が不正です", &details)
	})
	engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "not_found", "指定されたパスは存在しません", nil)
	})

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:        opts.Config,
		engine:        engine,
		hub:           hub,
		log:           log,
		cancelStreams: cancel,
		httpServer: &http.Server{
			Addr:         opts.Config.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  opts.Config.Server.ReadTimeout,
			WriteTimeout: opts.Config.Server.WriteTimeout,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
	}, nil
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub はイベント配信用のHubを返す
func (s *Server) Hub() *Hub {
	return s.hub
}

// requestLogger はリクエストをlogrusで記録するミドルウェア
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("リクエストを処理しました")
			return
		}
		entry.Debug("リクエストを処理しました")
	}
}

// Start はサーバーを起動する
// ctxのキャンセルかシグナルを受け取るとグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は指定されたリスナーでサーバーを起動する
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Infof("HTTPサーバーを起動しています: %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Infof("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	// 長時間接続のストリームとWebSocketを先に終了させる
	s.hub.Close()
	s.cancelStreams()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}
