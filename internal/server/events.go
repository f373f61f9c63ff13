package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
	"shutter/internal/motion"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
)

// EventMessage はWebSocketで配信するイベント
type EventMessage struct {
	Type      string    `json:"type"`
	Device    string    `json:"device"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump は送信キューの内容をクライアントへ書き込む
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub はWebSocketクライアントへイベントを配信する
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]bool
	closed   bool
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewHub は新しいHubを作成する
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeWS は接続をWebSocketへ切り替え、切断されるまで保持する
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	h.log.WithField("remote", r.RemoteAddr).Debug("WebSocketクライアントが接続しました")

	// 受信はPongと切断の検知のみに使う
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
	h.log.WithField("remote", r.RemoteAddr).Debug("WebSocketクライアントが切断しました")
	return nil
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast は全クライアントへイベントを送信する
// 送信キューが満杯のクライアントは切断する
func (h *Hub) Broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("イベントのエンコードに失敗しました")
		return
	}

	// sendのcloseはh.muの書き込みロック下で行われるため、読み込みロック中に送信する
	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("WebSocketクライアントの受信が追いつかないため切断します")
		h.remove(c)
	}
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全クライアントを切断する
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// DiscoveryListener はカメラの接続と取り外しを配信し、
// 新しいセッションのライフサイクルイベントも購読する
func (h *Hub) DiscoveryListener() camera.DiscoveryListener {
	sessionListener := h.SessionListener()
	return func(e camera.DiscoveryEvent) {
		msg := EventMessage{
			Type:   "camera." + string(e.Type),
			Device: e.Device,
			Time:   e.Time,
		}
		if e.Session != nil {
			msg.SessionID = e.Session.ID()
			if e.Type == camera.DeviceAdded {
				e.Session.AddListener(sessionListener)
			}
		}
		h.Broadcast(msg)
	}
}

// SessionListener はセッションのライフサイクルイベントを配信する
// 画像取得イベントは頻度が高いため配信しない
func (h *Hub) SessionListener() camera.SessionListener {
	return func(e camera.SessionEvent) {
		if e.Type == camera.EventImageObtained {
			return
		}
		h.Broadcast(EventMessage{
			Type:      "session." + string(e.Type),
			Device:    e.Device,
			SessionID: e.SessionID,
			Time:      e.Time,
		})
	}
}

// MotionListener は動き検出を配信する
func (h *Hub) MotionListener() motion.Listener {
	return func(e motion.Event) {
		h.Broadcast(EventMessage{
			Type:   "motion.detected",
			Device: e.Device,
			Payload: map[string]any{
				"strength": e.Strength,
				"area":     e.Area,
				"cog":      map[string]int{"x": e.COG.X, "y": e.COG.Y},
			},
			Time: e.Time,
		})
	}
}
