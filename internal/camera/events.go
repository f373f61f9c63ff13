package camera

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionEventType はセッションイベントの種別
type SessionEventType string

const (
	EventOpened        SessionEventType = "opened"         // オープンされた
	EventClosed        SessionEventType = "closed"         // クローズされた
	EventDisposed      SessionEventType = "disposed"       // 破棄された
	EventImageObtained SessionEventType = "image_obtained" // 新しい画像を取得した
)

// SessionEvent はセッションのライフサイクルイベント
type SessionEvent struct {
	ID        string           `json:"id"`
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"session_id"`
	Device    string           `json:"device"`
	Image     image.Image      `json:"-"` // EventImageObtainedの場合のみ
	Time      time.Time        `json:"time"`
}

// SessionListener はセッションイベントを受け取る
type SessionListener func(SessionEvent)

// DiscoveryEventType は検出イベントの種別
type DiscoveryEventType string

const (
	DeviceAdded   DiscoveryEventType = "added"   // デバイスが接続された
	DeviceRemoved DiscoveryEventType = "removed" // デバイスが取り外された
)

// DiscoveryEvent はホットプラグイベント
type DiscoveryEvent struct {
	ID      string             `json:"id"`
	Type    DiscoveryEventType `json:"type"`
	Device  string             `json:"device"`
	Session *Session           `json:"-"`
	Time    time.Time          `json:"time"`
}

// DiscoveryListener は検出イベントを受け取る
type DiscoveryListener func(DiscoveryEvent)

func newEventID() string {
	return uuid.New().String()
}

type listenerEntry[E any] struct {
	id int
	fn func(E)
}

// listenerSet は登録順に呼び出されるリスナー集合
type listenerSet[E any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []listenerEntry[E]
}

// add はリスナーを登録し、登録解除用の関数を返す
func (s *listenerSet[E]) add(fn func(E)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry[E]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet[E]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *listenerSet[E]) snapshot() []listenerEntry[E] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]listenerEntry[E], len(s.entries))
	copy(result, s.entries)
	return result
}

// notify は全リスナーを呼び出す
// リスナーのpanicはログに記録し、呼び出し元へは伝播させない
func (s *listenerSet[E]) notify(log *logrus.Entry, event E) {
	for _, e := range s.snapshot() {
		callListener(log, e.fn, event)
	}
}

func callListener[E any](log *logrus.Entry, fn func(E), event E) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("リスナーの呼び出しで例外が発生しました: %v", r)
		}
	}()
	fn(event)
}
