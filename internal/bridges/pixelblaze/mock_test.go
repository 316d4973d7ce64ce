package pixelblaze

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pixelbridge/internal/client"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/pixelbridge/internal/session"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]mqtt.MessageHandler
	onConnect     map[int]func()
	nextListener  int
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
		onConnect: make(map[int]func()),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) AddOnConnect(listener func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.onConnect[id] = listener
	return func() {
		m.mu.Lock()
		delete(m.onConnect, id)
		m.mu.Unlock()
	}
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// SimulateReconnect runs the registered connect listeners.
func (m *MockMQTTClient) SimulateReconnect() {
	m.mu.Lock()
	listeners := make([]func(), 0, len(m.onConnect))
	for _, fn := range m.onConnect {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) HasHandler(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message to the handler whose filter matches.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()
	for _, h := range matched {
		h(topic, payload) //nolint:errcheck // test helper
	}
}

// PublishedTo returns payloads published on topic, in order.
func (m *MockMQTTClient) PublishedTo(topic string) []string {
	var out []string
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

// topicMatches implements MQTT filter matching for + and #.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// MockCommander scripts controller replies keyed by a command field.
type MockCommander struct {
	mu      sync.Mutex
	sent    []map[string]any
	replies map[string]*session.Reply
}

func NewMockCommander() *MockCommander {
	return &MockCommander{replies: make(map[string]*session.Reply)}
}

func (m *MockCommander) On(key string, reply *session.Reply) {
	m.mu.Lock()
	m.replies[key] = reply
	m.mu.Unlock()
}

func (m *MockCommander) SendCommand(_ context.Context, payload any, kind session.ReplyKind) (*session.Reply, error) {
	cmd, _ := payload.(map[string]any)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, cmd)

	if kind == session.KindNone {
		return &session.Reply{Kind: session.KindNone}, nil
	}
	for _, k := range slices.Sorted(maps.Keys(cmd)) {
		if r, ok := m.replies[k]; ok {
			return r, nil
		}
	}
	return nil, session.ErrTimeout
}

func (m *MockCommander) AwaitEmptyQueue(context.Context, time.Duration) bool {
	return true
}

func (m *MockCommander) Address() string {
	return "192.168.1.50"
}

// Sent returns the commands containing key, in order.
func (m *MockCommander) Sent(key string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, cmd := range m.sent {
		if _, ok := cmd[key]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

func configReply() *session.Reply {
	return &session.Reply{
		Kind: session.KindConfig,
		Fields: map[string]any{
			"name":       "porch",
			"brightness": 0.75,
			"pixelCount": 150.0,
			"activeProgram": map[string]any{
				"activeProgramId": "a1",
				"name":            "Rainbow",
			},
		},
	}
}

var testTopics = mqtt.NewTopics("/pixelblaze/command", "/pixelblaze/feedback")

type testBridge struct {
	*Bridge
	mqtt *MockMQTTClient
	cmd  *MockCommander
}

func newTestBridge(t *testing.T, mutate func(*BridgeOptions)) *testBridge {
	t.Helper()
	cmd := NewMockCommander()
	cmd.On("getConfig", configReply())

	m := NewMockMQTTClient()
	opts := BridgeOptions{
		Name:           "porch",
		Client:         client.New(cmd, client.Options{}),
		MQTTClient:     m,
		Topics:         testTopics,
		StatusInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return &testBridge{Bridge: b, mqtt: m, cmd: cmd}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
