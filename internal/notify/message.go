package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"shutter/internal/camera"
	"shutter/internal/motion"
)

// Codec はペイロードのエンコード形式
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// Marshal はメッセージをエンコードする
func (c Codec) Marshal(m Message) ([]byte, error) {
	switch c {
	case CodecJSON, "":
		return json.Marshal(m)
	case CodecMsgpack:
		return msgpack.Marshal(m)
	default:
		return nil, fmt.Errorf("サポートされていないコーデック: %s", c)
	}
}

// Unmarshal はペイロードをデコードする
func (c Codec) Unmarshal(data []byte) (Message, error) {
	var m Message
	var err error
	switch c {
	case CodecJSON, "":
		err = json.Unmarshal(data, &m)
	case CodecMsgpack:
		err = msgpack.Unmarshal(data, &m)
	default:
		err = fmt.Errorf("サポートされていないコーデック: %s", c)
	}
	return m, err
}

// MessageType は通知の種別
type MessageType string

const (
	TypeCameraAdded    MessageType = "camera.added"
	TypeCameraRemoved  MessageType = "camera.removed"
	TypeMotionDetected MessageType = "motion.detected"
)

// Point は変化点の座標
type Point struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
}

// Message はMQTTに送信する通知
type Message struct {
	ID        string      `json:"id" msgpack:"id"`
	Type      MessageType `json:"type" msgpack:"type"`
	Device    string      `json:"device" msgpack:"device"`
	SessionID string      `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Strength  int         `json:"strength,omitempty" msgpack:"strength,omitempty"`
	Area      float64     `json:"area,omitempty" msgpack:"area,omitempty"`
	COG       *Point      `json:"cog,omitempty" msgpack:"cog,omitempty"`
	Points    []Point     `json:"points,omitempty" msgpack:"points,omitempty"`
	Time      time.Time   `json:"time" msgpack:"time"`
}

// トピックの階層区切りとワイルドカードはデバイス名に含められない
var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// topic はメッセージ種別ごとのトピック末尾を返す
func (m Message) topic() string {
	switch m.Type {
	case TypeMotionDetected:
		return "motion/" + topicEscaper.Replace(m.Device)
	default:
		return "cameras/" + string(m.Type[len("camera."):])
	}
}

// FromDiscoveryEvent は検出イベントを通知に変換する
func FromDiscoveryEvent(e camera.DiscoveryEvent) Message {
	t := TypeCameraAdded
	if e.Type == camera.DeviceRemoved {
		t = TypeCameraRemoved
	}
	m := Message{
		ID:     e.ID,
		Type:   t,
		Device: e.Device,
		Time:   e.Time,
	}
	if e.Session != nil {
		m.SessionID = e.Session.ID()
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return m
}

// FromMotionEvent は動き検出イベントを通知に変換する
func FromMotionEvent(e motion.Event) Message {
	points := make([]Point, 0, len(e.Points))
	for _, p := range e.Points {
		points = append(points, Point{X: p.X, Y: p.Y})
	}
	m := Message{
		ID:       e.ID,
		Type:     TypeMotionDetected,
		Device:   e.Device,
		Strength: e.Strength,
		Area:     e.Area,
		COG:      &Point{X: e.COG.X, Y: e.COG.Y},
		Points:   points,
		Time:     e.Time,
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return m
}
