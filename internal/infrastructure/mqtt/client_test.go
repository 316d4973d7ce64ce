package mqtt

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker tests require a running broker at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "pixelbridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		CommandTopic:  "/pixelbridge-test/command",
		FeedbackTopic: "/pixelbridge-test/feedback",
	}
}

func skipIfNoBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 500*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available at 127.0.0.1:1883")
	}
	conn.Close()
}

func connectTest(t *testing.T) *Client {
	t.Helper()
	skipIfNoBroker(t)
	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connectTest(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}
	cfg := testConfig()
	cfg.Broker.Port = 19998

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	client := connectTest(t)

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on empty client error = %v, want nil", err)
	}
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	if (&Client{}).IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (&Client{}).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}
}

// =============================================================================
// Validation Tests (no broker needed)
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"invalid qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"too large", "a/b", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"disconnected", "a/b", []byte("x"), 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 0, handler, ErrInvalidTopic},
		{"invalid qos", "a/#", 3, handler, ErrInvalidQoS},
		{"nil handler", "a/#", 0, nil, ErrSubscribeFailed},
		{"disconnected", "a/#", 0, handler, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if len(client.subscriptions) != 0 {
		t.Errorf("tracked subscriptions = %d, want 0", len(client.subscriptions))
	}
}

// tracked reports whether topic would be replayed after a reconnect.
func tracked(c *Client, topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func TestAddOnConnect_Remove(t *testing.T) {
	client := &Client{}

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	removeA := client.AddOnConnect(record("a"))
	client.AddOnConnect(record("b"))
	removeA()

	client.callbackMu.RLock()
	n := len(client.onConnect)
	client.callbackMu.RUnlock()
	if n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}

	// Run the remaining listener the way handleConnect does.
	client.callbackMu.RLock()
	for _, fn := range client.onConnect {
		fn()
	}
	client.callbackMu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "b" {
		t.Errorf("calls = %v, want [b]", calls)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestPublishSubscribeRoundtrip(t *testing.T) {
	pub := connectTest(t)
	sub := connectTest(t)

	topic := sub.Topics().Feedback("roundtrip", "getBrightness")
	received := make(chan string, 1)

	err := sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !tracked(sub, topic) {
		t.Errorf("subscription not tracked for %s", topic)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(topic, []byte("0.75"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if payload != "0.75" {
			t.Errorf("Received payload = %q, want %q", payload, "0.75")
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}

	if err := sub.Unsubscribe(topic); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if tracked(sub, topic) {
		t.Error("subscription still tracked after Unsubscribe()")
	}
}

func TestCommandWildcards(t *testing.T) {
	pub := connectTest(t)
	sub := connectTest(t)
	topics := sub.Topics()

	var (
		mu  sync.Mutex
		got = make(map[string]string)
	)
	handler := func(topic string, payload []byte) error {
		mu.Lock()
		got[topic] = string(payload)
		mu.Unlock()
		return nil
	}

	for _, pattern := range []string{topics.CommandAll(), topics.CommandDevice("porch")} {
		if err := sub.Subscribe(pattern, 0, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", pattern, err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	sent := map[string]string{
		topics.Command + "/all/getBrightness":   "now",
		topics.Command + "/porch/setBrightness": "0.5",
		topics.Command + "/porch":               "getVars",
	}
	for topic, payload := range sent {
		if err := pub.Publish(topic, []byte(payload), 0, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}
	// Other controllers are not delivered.
	pub.Publish(topics.Command+"/garage/getVars", []byte(""), 0, false) //nolint:errcheck

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for topic, payload := range sent {
		if got[topic] != payload {
			t.Errorf("topic %s payload = %q, want %q", topic, got[topic], payload)
		}
	}
	if _, ok := got[topics.Command+"/garage/getVars"]; ok {
		t.Error("received message for a controller not subscribed to")
	}
}

func TestOnlineStatusRetained(t *testing.T) {
	client := connectTest(t)

	status := make(chan string, 8)
	err := client.Subscribe(client.Topics().BridgeStatus(), 1, func(_ string, payload []byte) error {
		select {
		case status <- string(payload):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// A retained Offline from an earlier run may arrive before our Online.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-status:
			if got == PayloadOnline {
				return
			}
		case <-timeout:
			t.Fatal("Timeout waiting for Online status")
		}
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client := connectTest(t)
	logger := &mockLogger{}
	client.SetLogger(logger)

	topic := client.Topics().Feedback("panic", "test")
	called := make(chan struct{}, 2)

	err := client.Subscribe(topic, 1, func(string, []byte) error {
		called <- struct{}{}
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	client.Publish(topic, []byte("1"), 1, false) //nolint:errcheck

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler was not called")
	}

	time.Sleep(50 * time.Millisecond)
	if logger.errorCount() == 0 {
		t.Error("panic was not logged")
	}
	if !client.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}
