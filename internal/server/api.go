package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// openapi.yaml に対応するリクエスト・レスポンスの型

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessorStats はキャプチャプロセッサの統計
type ProcessorStats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status        string         `json:"status"`
	Driver        string         `json:"driver"`
	Cameras       int            `json:"cameras"`
	OpenCameras   int            `json:"open_cameras"`
	DiscoveryTick uint64         `json:"discovery_tick"`
	Processor     ProcessorStats `json:"processor"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Resolution は解像度
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResolutionRequest は解像度変更の要求
// Nameが指定された場合はWidth/Heightより優先する
type ResolutionRequest struct {
	Name   string `json:"name,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// CameraInfo はカメラの情報
type CameraInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	State       string       `json:"state"`
	Resolution  *Resolution  `json:"resolution,omitempty"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	FPS         float64      `json:"fps"`
	LastImage   *time.Time   `json:"last_image,omitempty"`
	FirstSeen   *time.Time   `json:"first_seen,omitempty"`
	Motion      bool         `json:"motion"`
}

// CamerasResponse はカメラ一覧の応答
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// MotionStatus は動き検出の状態
type MotionStatus struct {
	Device     string     `json:"device"`
	Running    bool       `json:"running"`
	Motion     bool       `json:"motion"`
	Strength   int        `json:"strength"`
	Area       float64    `json:"area"`
	LastMotion *time.Time `json:"last_motion,omitempty"`
}

// Snapshot は保存済みスナップショット
type Snapshot struct {
	Name string    `json:"name"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}

// SnapshotsResponse はスナップショット一覧の応答
type SnapshotsResponse struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetCameraSnapshotParams はスナップショット取得のクエリパラメータ
type GetCameraSnapshotParams struct {
	Width *int `form:"width,omitempty" json:"width,omitempty"`
}

// ServerInterface はAPIの各エンドポイントを表す
type ServerInterface interface {
	HealthCheck(c *gin.Context)
	GetStatus(c *gin.Context)
	GetOpenAPI(c *gin.Context)
	GetCameras(c *gin.Context)
	GetCamera(c *gin.Context, cameraID string)
	OpenCamera(c *gin.Context, cameraID string)
	CloseCamera(c *gin.Context, cameraID string)
	SetCameraResolution(c *gin.Context, cameraID string)
	GetCameraSnapshot(c *gin.Context, cameraID string, params GetCameraSnapshotParams)
	GetCameraStream(c *gin.Context, cameraID string)
	GetCameraMotion(c *gin.Context, cameraID string)
	StartCameraMotion(c *gin.Context, cameraID string)
	StopCameraMotion(c *gin.Context, cameraID string)
	GetCameraSnapshots(c *gin.Context, cameraID string)
	ScanDevices(c *gin.Context)
	GetEvents(c *gin.Context)
}

// ServerInterfaceWrapper はパラメータを解析してからハンドラを呼び出す
type ServerInterfaceWrapper struct {
	Handler      ServerInterface
	ErrorHandler func(c *gin.Context, err error, statusCode int)
}

func (w *ServerInterfaceWrapper) cameraID(c *gin.Context) (string, bool) {
	var cameraID string
	err := runtime.BindStyledParameterWithOptions("simple", "cameraId", c.Param("cameraId"), &cameraID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		w.ErrorHandler(c, fmt.Errorf("パラメータcameraIdの形式が不正です: %w", err), http.StatusBadRequest)
		return "", false
	}
	return cameraID, true
}

// withCamera はカメラIDを解析してハンドラを呼び出す
func (w *ServerInterfaceWrapper) withCamera(fn func(c *gin.Context, cameraID string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		cameraID, ok := w.cameraID(c)
		if !ok {
			return
		}
		fn(c, cameraID)
	}
}

// GetCameraSnapshot はクエリパラメータを解析する
func (w *ServerInterfaceWrapper) GetCameraSnapshot(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if !ok {
		return
	}

	var params GetCameraSnapshotParams
	if err := runtime.BindQueryParameter("form", true, false, "width", c.Request.URL.Query(), &params.Width); err != nil {
		w.ErrorHandler(c, fmt.Errorf("パラメータwidthの形式が不正です: %w", err), http.StatusBadRequest)
		return
	}

	w.Handler.GetCameraSnapshot(c, cameraID, params)
}

// RegisterHandlers はハンドラをルーターに登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface, errorHandler func(c *gin.Context, err error, statusCode int)) {
	w := &ServerInterfaceWrapper{Handler: si, ErrorHandler: errorHandler}

	router.GET("/health", si.HealthCheck)
	router.GET("/api/status", si.GetStatus)
	router.GET("/api/openapi.yaml", si.GetOpenAPI)
	router.GET("/api/cameras", si.GetCameras)
	router.GET("/api/cameras/:cameraId", w.withCamera(si.GetCamera))
	router.POST("/api/cameras/:cameraId/open", w.withCamera(si.OpenCamera))
	router.POST("/api/cameras/:cameraId/close", w.withCamera(si.CloseCamera))
	router.PUT("/api/cameras/:cameraId/resolution", w.withCamera(si.SetCameraResolution))
	router.GET("/api/cameras/:cameraId/snapshot", w.GetCameraSnapshot)
	router.GET("/api/cameras/:cameraId/stream", w.withCamera(si.GetCameraStream))
	router.GET("/api/cameras/:cameraId/motion", w.withCamera(si.GetCameraMotion))
	router.POST("/api/cameras/:cameraId/motion", w.withCamera(si.StartCameraMotion))
	router.DELETE("/api/cameras/:cameraId/motion", w.withCamera(si.StopCameraMotion))
	router.GET("/api/cameras/:cameraId/snapshots", w.withCamera(si.GetCameraSnapshots))
	router.POST("/api/discovery/scan", si.ScanDevices)
	router.GET("/api/events", si.GetEvents)
}
