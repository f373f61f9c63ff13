package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
	"shutter/internal/config"
	"shutter/internal/imaging"
	"shutter/internal/monitor"
	"shutter/internal/motion"
	"shutter/internal/snapshot"
)

// 画像が用意できるまでに許容する読み込み回数
const imageAttempts = 5

// ShutterHandler はServerInterfaceを実装する
type ShutterHandler struct {
	config   *config.Config
	system   *camera.System
	monitor  *monitor.Monitor
	recorder *snapshot.Recorder
	hub      *Hub
	log      *logrus.Entry
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *ShutterHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *ShutterHandler) GetStatus(c *gin.Context) {
	records := h.system.Discovery.Records()
	open := 0
	for _, rec := range records {
		if s, ok := h.system.Discovery.Session(rec.SessionID); ok && s.IsOpen() {
			open++
		}
	}

	stats := h.system.Processor.Stats()
	response := StatusResponse{
		Status:        "running",
		Driver:        h.config.Driver.Type,
		Cameras:       len(records),
		OpenCameras:   open,
		DiscoveryTick: h.system.Discovery.Tick(),
		Processor: ProcessorStats{
			Submitted: stats.Submitted,
			Completed: stats.Completed,
			Failed:    stats.Failed,
		},
		Timestamp: time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// GetOpenAPI はAPI定義を返す
func (h *ShutterHandler) GetOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", openapiDocument)
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *ShutterHandler) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, CamerasResponse{Cameras: h.cameraList()})
}

// GetCamera はカメラ情報取得エンドポイントの実装
func (h *ShutterHandler) GetCamera(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.cameraInfo(s, h.firstSeen(s)))
}

// OpenCamera はカメラをオープンする
func (h *ShutterHandler) OpenCamera(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}
	if err := s.Open(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraInfo(s, h.firstSeen(s)))
}

// CloseCamera はカメラをクローズする
func (h *ShutterHandler) CloseCamera(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}
	if err := s.Close(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraInfo(s, h.firstSeen(s)))
}

// SetCameraResolution はクローズ中のカメラの解像度を変更する
func (h *ShutterHandler) SetCameraResolution(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		details := err.Error()
		abortWithError(c, http.StatusBadRequest, "invalid_request", "リクエストの形式が不正です", &details)
		return
	}

	var r camera.Resolution
	if req.Name != "" {
		parsed, err := camera.ParseResolution(req.Name)
		if err != nil {
			h.respondError(c, err)
			return
		}
		r = parsed
	} else {
		r = camera.Resolution{Width: req.Width, Height: req.Height}
	}

	if err := s.SetResolution(r); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraInfo(s, h.firstSeen(s)))
}

// GetCameraSnapshot は現在のフレームをJPEGで返す
func (h *ShutterHandler) GetCameraSnapshot(c *gin.Context, cameraID string, params GetCameraSnapshotParams) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	frame, err := h.readFrame(c.Request.Context(), s)
	if err != nil {
		h.respondError(c, err)
		return
	}

	img := frame.Image
	if params.Width != nil {
		img = imaging.Scale(img, *params.Width)
	}
	data, err := imaging.EncodeJPEG(img, h.config.Server.JPEGQuality)
	if err != nil {
		h.respondError(c, fmt.Errorf("JPEGエンコードに失敗: %w", err))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *ShutterHandler) GetCameraStream(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	// 最初のフレームでカメラの状態を確認してからヘッダーを送る
	frame, err := h.readFrame(c.Request.Context(), s)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.streamMJPEG(c, s, frame)
}

// GetCameraMotion は動き検出の状態を返す
func (h *ShutterHandler) GetCameraMotion(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	d, ok := h.monitor.Detector(s.ID())
	if !ok {
		c.JSON(http.StatusOK, MotionStatus{Device: s.Name()})
		return
	}
	c.JSON(http.StatusOK, toMotionStatus(d.Status()))
}

// StartCameraMotion は動き検出を開始する
func (h *ShutterHandler) StartCameraMotion(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	d, err := h.monitor.StartDetector(c.Request.Context(), s)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMotionStatus(d.Status()))
}

// StopCameraMotion は動き検出を停止する
func (h *ShutterHandler) StopCameraMotion(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	if err := h.monitor.StopDetector(c.Request.Context(), s.ID()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCameraSnapshots は保存済みスナップショットの一覧を返す
func (h *ShutterHandler) GetCameraSnapshots(c *gin.Context, cameraID string) {
	s, ok := h.lookup(c, cameraID)
	if !ok {
		return
	}

	response := SnapshotsResponse{Snapshots: []Snapshot{}}
	if h.recorder == nil {
		c.JSON(http.StatusOK, response)
		return
	}

	list, err := h.recorder.List(s.Name())
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, snap := range list {
		response.Snapshots = append(response.Snapshots, Snapshot{
			Name: snap.Name,
			Size: snap.Size,
			Time: snap.Time,
		})
	}
	c.JSON(http.StatusOK, response)
}

// ScanDevices はデバイスを再スキャンして一覧を返す
func (h *ShutterHandler) ScanDevices(c *gin.Context) {
	if err := h.system.Discovery.Scan(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CamerasResponse{Cameras: h.cameraList()})
}

// GetEvents はWebSocketでイベントを配信する
func (h *ShutterHandler) GetEvents(c *gin.Context) {
	if err := h.hub.ServeWS(c.Writer, c.Request); err != nil {
		h.log.WithError(err).Debug("WebSocketへの切り替えに失敗しました")
	}
}

// ヘルパー関数

// lookup はIDまたはデバイス名でセッションを探す
func (h *ShutterHandler) lookup(c *gin.Context, cameraID string) (*camera.Session, bool) {
	s, ok := h.system.Discovery.Session(cameraID)
	if !ok {
		abortWithError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", nil)
		return nil, false
	}
	return s, true
}

// readFrame はフレームが用意できるまで数回読み込む
func (h *ShutterHandler) readFrame(ctx context.Context, s *camera.Session) (camera.Frame, error) {
	for i := 0; i < imageAttempts; i++ {
		frame, err := s.Image(ctx)
		if err != nil {
			return camera.Frame{}, err
		}
		if !frame.Empty() {
			return frame, nil
		}
	}
	return camera.Frame{}, errFrameNotReady
}

var errFrameNotReady = errors.New("フレームが用意できていません")

func (h *ShutterHandler) cameraList() []CameraInfo {
	records := h.system.Discovery.Records()
	cameras := make([]CameraInfo, 0, len(records))
	for _, rec := range records {
		s, ok := h.system.Discovery.Session(rec.SessionID)
		if !ok {
			continue
		}
		firstSeen := rec.FirstSeen
		cameras = append(cameras, h.cameraInfo(s, &firstSeen))
	}
	return cameras
}

func (h *ShutterHandler) firstSeen(s *camera.Session) *time.Time {
	for _, rec := range h.system.Discovery.Records() {
		if rec.SessionID == s.ID() {
			t := rec.FirstSeen
			return &t
		}
	}
	return nil
}

// cameraInfo はセッションをAPIのカメラ情報に変換する
func (h *ShutterHandler) cameraInfo(s *camera.Session, firstSeen *time.Time) CameraInfo {
	info := CameraInfo{
		ID:        s.ID(),
		Name:      s.Name(),
		State:     s.State().String(),
		FPS:       s.FPS(),
		FirstSeen: firstSeen,
	}

	if r := s.Resolution(); !r.IsZero() {
		info.Resolution = &Resolution{Width: r.Width, Height: r.Height}
	}
	for _, r := range s.Resolutions() {
		info.Resolutions = append(info.Resolutions, Resolution{Width: r.Width, Height: r.Height})
	}
	if t := s.LastImageTime(); !t.IsZero() {
		info.LastImage = &t
	}
	if d, ok := h.monitor.Detector(s.ID()); ok {
		info.Motion = d.IsMotion()
	}
	return info
}

func toMotionStatus(st motion.Status) MotionStatus {
	ms := MotionStatus{
		Device:   st.Device,
		Running:  st.Running,
		Motion:   st.Motion,
		Strength: st.Strength,
		Area:     st.Area,
	}
	if !st.LastMotion.IsZero() {
		t := st.LastMotion
		ms.LastMotion = &t
	}
	return ms
}

// respondError はエラーの種類に応じたステータスで応答する
func (h *ShutterHandler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("リクエストの処理に失敗しました")
	}
	details := err.Error()
	abortWithError(c, status, code, errorMessage(code), &details)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrInvalidResolution):
		return http.StatusBadRequest, "invalid_resolution"
	case errors.Is(err, camera.ErrNotOpen):
		return http.StatusConflict, "camera_not_open"
	case errors.Is(err, camera.ErrAlreadyDisposed):
		return http.StatusConflict, "camera_disposed"
	case errors.Is(err, camera.ErrSessionBusy):
		return http.StatusConflict, "camera_busy"
	case errors.Is(err, camera.ErrLocked):
		return http.StatusConflict, "camera_locked"
	case errors.Is(err, camera.ErrNamingConflict):
		return http.StatusConflict, "naming_conflict"
	case errors.Is(err, monitor.ErrNotMonitored):
		return http.StatusNotFound, "motion_not_running"
	case errors.Is(err, camera.ErrDeviceUnavailable), errors.Is(err, errFrameNotReady):
		return http.StatusServiceUnavailable, "camera_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorMessage(code string) string {
	switch code {
	case "invalid_resolution":
		return "サポートされていない解像度です"
	case "camera_not_open":
		return "カメラがオープンされていません"
	case "camera_disposed":
		return "カメラは既に取り外されています"
	case "camera_busy":
		return "オープン中のカメラでは実行できません"
	case "camera_locked":
		return "カメラは他のプロセスが使用中です"
	case "naming_conflict":
		return "デバイス名が重複しています"
	case "motion_not_running":
		return "動き検出は開始されていません"
	case "camera_unavailable":
		return "カメラが利用できません"
	case "timeout":
		return "処理が中断されました"
	default:
		return "内部エラーが発生しました"
	}
}

// streamMJPEG はMJPEGストリームを配信する
func (h *ShutterHandler) streamMJPEG(c *gin.Context, s *camera.Session, first camera.Frame) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	ctx := c.Request.Context()

	interval := time.Second / 10
	if h.config.Server.StreamFPS > 0 {
		interval = time.Second / time.Duration(h.config.Server.StreamFPS)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := h.log.WithField("device", s.Name())
	log.Debug("MJPEGストリームを開始しました")
	defer log.Debug("MJPEGストリームを終了しました")

	frame := first
	for {
		if !frame.Empty() {
			data, err := imaging.EncodeJPEG(frame.Image, h.config.Server.JPEGQuality)
			if err != nil {
				log.WithError(err).Warn("JPEGエンコードに失敗しました")
				return
			}
			if err := writeMJPEGPart(writer, data); err != nil {
				return
			}
			// バッファをフラッシュ
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			// クライアントが切断された
			return
		case <-ticker.C:
		}

		var err error
		frame, err = s.Image(ctx)
		if err != nil {
			// セッションがクローズまたは破棄された
			return
		}
	}
}

// writeMJPEGPart はMJPEGの1フレームを書き込む
func writeMJPEGPart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
