package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"shutter/internal/camera"
	"shutter/internal/motion"
)

// ErrNotConnected はブローカーに接続していない場合のエラー
var ErrNotConnected = errors.New("MQTTブローカーに接続されていません")

const (
	defaultQueueSize      = 64
	defaultPublishTimeout = 2 * time.Second
)

// Options はPublisherの設定
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Codec          Codec
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QueueSize      int
	Logger         *logrus.Entry
}

// Stats は送信統計
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Dropped   uint64            `json:"dropped"`
	Errors    uint64            `json:"errors"`
}

// Publisher はカメラと動き検出のイベントをMQTTへ送信する
//
// リスナーからはキューに積むだけで、送信は専用のゴルーチンが行う。
// キューが満杯の場合は通知を破棄する。
type Publisher struct {
	client mqtt.Client
	opts   Options
	log    *logrus.Entry

	queue chan Message
	wg    sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	running   bool
	stopCh    chan struct{}
	published map[string]uint64
	dropped   uint64
	errors    uint64
}

// NewPublisher は新しいPublisherを作成する
func NewPublisher(opts Options) *Publisher {
	p := newPublisher(nil, opts)

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(2 * time.Second)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.log.Info("MQTTブローカーに接続しました")
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.log.WithError(err).Warn("MQTTブローカーとの接続が切れました。再接続を待機します")
	}

	p.client = mqtt.NewClient(clientOpts)
	return p
}

// NewPublisherWithClient は既存のクライアントを使うPublisherを作成する
func NewPublisherWithClient(client mqtt.Client, opts Options) *Publisher {
	return newPublisher(client, opts)
}

func newPublisher(client mqtt.Client, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Codec == "" {
		opts.Codec = CodecJSON
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Publisher{
		client:    client,
		opts:      opts,
		log:       log.WithFields(logrus.Fields{"component": "notify", "broker": opts.Broker}),
		queue:     make(chan Message, opts.QueueSize),
		published: make(map[string]uint64),
	}
}

// Start はブローカーに接続し、送信ゴルーチンを開始する
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.stopCh)
	return nil
}

func (p *Publisher) connect(ctx context.Context) error {
	p.log.Info("MQTTブローカーに接続しています")

	token := p.client.Connect()
	timer := time.NewTimer(p.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("MQTT接続がタイムアウトしました: %s", p.opts.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	p.setConnected(true)
	return nil
}

// Stop は送信ゴルーチンを停止し、ブローカーから切断する
// キューに残った通知は破棄される
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.log.Info("MQTTブローカーから切断しました")
	return nil
}

// Enqueue は通知を送信キューに積む
// キューが満杯の場合はfalseを返す
func (p *Publisher) Enqueue(m Message) bool {
	select {
	case p.queue <- m:
		return true
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.WithField("type", m.Type).Warn("送信キューが満杯のため通知を破棄しました")
		return false
	}
}

// Publish は通知を同期的に送信する
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	if !p.isConnected() {
		p.countError()
		return ErrNotConnected
	}

	payload, err := p.opts.Codec.Marshal(m)
	if err != nil {
		p.countError()
		return fmt.Errorf("通知のエンコードに失敗: %w", err)
	}

	topic := p.Topic(m)
	token := p.client.Publish(topic, p.opts.QoS, false, payload)

	timer := time.NewTimer(p.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		p.countError()
		return fmt.Errorf("通知の送信がタイムアウトしました: %s", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("通知の送信に失敗: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("通知を送信しました")
	return nil
}

// Topic は通知の送信先トピックを返す
func (p *Publisher) Topic(m Message) string {
	if p.opts.TopicPrefix == "" {
		return m.topic()
	}
	return p.opts.TopicPrefix + "/" + m.topic()
}

func (p *Publisher) run(stopCh <-chan struct{}) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case m := <-p.queue:
			if err := p.Publish(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
				p.log.WithError(err).Warn("通知の送信に失敗しました")
			}
		}
	}
}

// DiscoveryListener はカメラの接続と取り外しを通知するリスナーを返す
func (p *Publisher) DiscoveryListener() camera.DiscoveryListener {
	return func(e camera.DiscoveryEvent) {
		p.Enqueue(FromDiscoveryEvent(e))
	}
}

// MotionListener は動き検出を通知するリスナーを返す
func (p *Publisher) MotionListener() motion.Listener {
	return func(e motion.Event) {
		p.Enqueue(FromMotionEvent(e))
	}
}

// Stats は送信統計を返す
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{
		Connected: p.connected,
		Published: published,
		Dropped:   p.dropped,
		Errors:    p.errors,
	}
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Publisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
