package notify

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishedMessage はMockClientが受け取った送信内容
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MockClient はテスト用のmqtt.Client実装
// 送信内容を記録するだけで、ネットワークには接続しない
type MockClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	messages   []PublishedMessage
	notify     chan PublishedMessage
}

// NewMockClient は新しいMockClientを作成する
func NewMockClient() *MockClient {
	return &MockClient{notify: make(chan PublishedMessage, 128)}
}

// SetConnectError はConnectが返すエラーを設定する
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetPublishError はPublishが返すエラーを設定する
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// Messages は記録した送信内容を返す
func (c *MockClient) Messages() []PublishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]PublishedMessage, len(c.messages))
	copy(result, c.messages)
	return result
}

// Published は送信のたびに値が届くチャネルを返す
func (c *MockClient) Published() <-chan PublishedMessage {
	return c.notify
}

func (c *MockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return newDoneToken(c.connectErr)
}

func (c *MockClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	err := c.publishErr
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	msg := PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: data}
	if err == nil {
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()

	if err == nil {
		select {
		case c.notify <- msg:
		default:
		}
	}
	return newDoneToken(err)
}

func (c *MockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return newDoneToken(nil)
}

func (c *MockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newDoneToken(nil)
}

func (c *MockClient) Unsubscribe(...string) mqtt.Token {
	return newDoneToken(nil)
}

func (c *MockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// doneToken は完了済みのmqtt.Token
type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }
