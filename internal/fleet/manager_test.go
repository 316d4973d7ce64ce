package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pixelbridge/internal/discovery"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/pixelbridge/internal/session"
)

// fakeController answers getConfig and ping, and pushes stats after the
// first config reply.
type fakeController struct {
	name  string
	stats map[string]any
	srv   *httptest.Server
}

func newFakeController(t *testing.T, name string) *fakeController {
	t.Helper()
	fc := &fakeController{name: name}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fc.serve(conn)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeController) serve(conn *websocket.Conn) {
	pushed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd map[string]any
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}

		switch {
		case cmd["getConfig"] != nil:
			conn.WriteJSON(map[string]any{ //nolint:errcheck // test server
				"name":       fc.name,
				"brightness": 0.5,
				"activeProgram": map[string]any{
					"activeProgramId": "a1",
					"name":            "Rainbow",
				},
			})
			if fc.stats != nil && !pushed {
				pushed = true
				conn.WriteJSON(fc.stats) //nolint:errcheck // test server
			}
		case cmd["ping"] != nil:
			conn.WriteJSON(map[string]any{"ack": 1}) //nolint:errcheck // test server
		}
	}
}

// network routes dials for fake addresses to fake controllers.
type network struct {
	mu    sync.Mutex
	hosts map[string]*fakeController
}

func newNetwork() *network {
	return &network{hosts: make(map[string]*fakeController)}
}

func (n *network) add(address string, fc *fakeController) {
	n.mu.Lock()
	n.hosts[address] = fc
	n.mu.Unlock()
}

func (n *network) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			n.mu.Lock()
			fc, ok := n.hosts[host]
			n.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("no route to %s", host)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, fc.srv.Listener.Addr().String())
		},
	}
}

func testConfig(n *network) Config {
	return Config{
		CheckInterval: time.Hour,
		ReadyTimeout:  2 * time.Second,
		Session: session.Config{
			ConnectTimeout: time.Second,
			CommandTimeout: time.Second,
			Dialer:         n.dialer(),
		},
	}
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "static without address",
			cfg:     Config{Static: []StaticDevice{{Name: "porch"}}},
			wantErr: ErrInvalidDevice,
		},
		{
			name: "bridge without client",
			cfg:  Config{Bridge: &BridgeConfig{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg)
			if err == nil {
				t.Fatal("NewManager() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("NewManager() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_StaticDevices(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.2", newFakeController(t, "garage"))

	cfg := testConfig(n)
	cfg.Static = []StaticDevice{
		{Address: "10.0.0.1"},
		{Name: "workshop", Address: "10.0.0.2"},
	}
	m := startManager(t, cfg)

	got := m.Devices()
	if len(got) != 2 {
		t.Fatalf("Devices() = %+v, want 2 controllers", got)
	}
	want := []struct{ name, address string }{
		{"porch", "10.0.0.1"},
		{"workshop", "10.0.0.2"},
	}
	for i, w := range want {
		if got[i].Name != w.name || got[i].Address != w.address || !got[i].Static {
			t.Errorf("device %d = %+v, want %s at %s (static)", i, got[i], w.name, w.address)
		}
		if got[i].State != session.StateConnected {
			t.Errorf("device %d state = %v, want connected", i, got[i].State)
		}
	}

	c, err := m.Client("porch")
	if err != nil {
		t.Fatalf("Client(porch) error = %v", err)
	}
	if name, err := c.ActivePatternName(context.Background()); err != nil || name != "Rainbow" {
		t.Errorf("ActivePatternName() = %q, %v, want Rainbow", name, err)
	}
	if _, err := m.Client("garage"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Client(garage) error = %v, want ErrNotFound", err)
	}

	m.Stop()
	if m.Len() != 0 {
		t.Errorf("Len() after Stop = %d, want 0", m.Len())
	}
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() after Stop error = %v, want no-op", err)
	}
}

func TestManager_UnreachableStaticRetried(t *testing.T) {
	n := newNetwork()
	cfg := testConfig(n)
	cfg.ReadyTimeout = 200 * time.Millisecond
	cfg.Static = []StaticDevice{{Name: "porch", Address: "10.0.0.9"}}
	m := startManager(t, cfg)

	if m.Len() != 0 {
		t.Fatalf("Len() = %d with controller unreachable, want 0", m.Len())
	}

	n.add("10.0.0.9", newFakeController(t, "porch"))
	m.Trigger()
	waitFor(t, "static controller connected", func() bool { return m.Len() == 1 })
}

func TestManager_FollowsRegistry(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.5", newFakeController(t, "fixed"))

	now := time.Now()
	var clockMu sync.Mutex
	reg := discovery.NewRegistry()
	reg.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})

	cfg := testConfig(n)
	cfg.Registry = reg
	cfg.AutoConnect = true
	cfg.Static = []StaticDevice{{Address: "10.0.0.5"}}
	m := startManager(t, cfg)

	beacon := discovery.Device{
		SenderID: 42,
		Address:  netip.MustParseAddrPort("10.0.0.1:1889"),
	}
	m.OnDevice(beacon, reg.Upsert(beacon))
	waitFor(t, "discovered controller connected", func() bool { return m.Len() == 2 })

	// Seeing the same controller again changes nothing.
	m.OnDevice(beacon, reg.Upsert(beacon))
	if m.Len() != 2 {
		t.Errorf("Len() after repeat beacon = %d, want 2", m.Len())
	}

	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	m.Trigger()
	waitFor(t, "expired controller removed", func() bool { return m.Len() == 1 })

	if got := m.Devices(); got[0].Name != "fixed" {
		t.Errorf("remaining device = %+v, want static controller", got[0])
	}
}

func TestManager_AutoConnectDisabled(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))

	reg := discovery.NewRegistry()
	reg.Upsert(discovery.Device{SenderID: 1, Address: netip.MustParseAddrPort("10.0.0.1:1889")})

	cfg := testConfig(n)
	cfg.Registry = reg
	m := startManager(t, cfg)

	if m.Len() != 0 {
		t.Errorf("Len() = %d with auto-connect off, want 0", m.Len())
	}
}

func TestManager_NameCollision(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.2", newFakeController(t, "porch"))

	cfg := testConfig(n)
	cfg.Static = []StaticDevice{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}
	m := startManager(t, cfg)

	names := make(map[string]bool)
	for _, d := range m.Devices() {
		names[d.Name] = true
	}
	if len(names) != 2 || !names["porch"] {
		t.Errorf("names = %v, want porch plus an address", names)
	}
}

// statsRecorder implements telemetry.StatsWriter.
type statsRecorder struct {
	mu     sync.Mutex
	points map[string][]map[string]any
}

func (r *statsRecorder) WriteDeviceStats(device string, fields map[string]any, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.points == nil {
		r.points = make(map[string][]map[string]any)
	}
	r.points[device] = append(r.points[device], fields)
}

func (r *statsRecorder) get(device string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.points[device]
}

func TestManager_StatsReachWriter(t *testing.T) {
	fc := newFakeController(t, "porch")
	fc.stats = map[string]any{"fps": 58.5, "vmerr": 0.0, "mem": 10240.0}
	n := newNetwork()
	n.add("10.0.0.1", fc)

	rec := &statsRecorder{}
	cfg := testConfig(n)
	cfg.Static = []StaticDevice{{Address: "10.0.0.1"}}
	cfg.Stats = rec
	m := startManager(t, cfg)

	waitFor(t, "stats point", func() bool { return len(rec.get("porch")) > 0 })
	if got := rec.get("porch")[0]["fps"]; got != 58.5 {
		t.Errorf("fps = %v, want 58.5", got)
	}
	if m.StatsSink().Stats().PointsWritten == 0 {
		t.Error("StatsSink() reports no points written")
	}
}

// mockMQTT implements pixelblaze.MQTTClient.
type mockMQTT struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published map[string][]string
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		handlers:  make(map[string]mqtt.MessageHandler),
		published: make(map[string][]string),
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], string(payload))
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool { return true }

func (m *mockMQTT) AddOnConnect(func()) func() { return func() {} }

func (m *mockMQTT) deliver(filter, topic, payload string) {
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload)) //nolint:errcheck // test helper
	}
}

func (m *mockMQTT) get(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published[topic]...)
}

func (m *mockMQTT) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for topic := range m.handlers {
		out = append(out, topic)
	}
	return out
}

func TestManager_BridgesControllers(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.2", newFakeController(t, "garage"))

	broker := newMockMQTT()
	cfg := testConfig(n)
	cfg.Static = []StaticDevice{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}
	cfg.Bridge = &BridgeConfig{MQTTClient: broker, StatusInterval: time.Hour}
	m := startManager(t, cfg)

	subs := strings.Join(broker.subscribed(), " ")
	for _, want := range []string{
		"/pixelblaze/command/all/#",
		"/pixelblaze/command/porch/#",
		"/pixelblaze/command/garage/#",
	} {
		if !strings.Contains(subs, want) {
			t.Errorf("subscriptions %q missing %s", subs, want)
		}
	}
	if m.Bridge("porch") == nil {
		t.Error("Bridge(porch) = nil")
	}

	broker.deliver("/pixelblaze/command/all/#", "/pixelblaze/command/all", "getIP")
	for name, ip := range map[string]string{"porch": "10.0.0.1", "garage": "10.0.0.2"} {
		topic := "/pixelblaze/feedback/" + name + "/getIP"
		waitFor(t, topic, func() bool { return len(broker.get(topic)) == 1 })
		if got := broker.get(topic)[0]; got != ip {
			t.Errorf("%s = %q, want %s", topic, got, ip)
		}
	}

	m.Stop()
	if subs := broker.subscribed(); len(subs) != 1 {
		t.Errorf("subscriptions after Stop = %v, want only the shared one", subs)
	}
	if got := broker.get("/pixelblaze/feedback/porch/status"); got[len(got)-1] != "Disconnected" {
		t.Errorf("final status = %v, want Disconnected", got)
	}
}

func TestManager_SetIPRetargetsController(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.5", newFakeController(t, "porch"))

	broker := newMockMQTT()
	cfg := testConfig(n)
	cfg.Static = []StaticDevice{{Address: "10.0.0.1"}}
	cfg.Bridge = &BridgeConfig{MQTTClient: broker, StatusInterval: time.Hour}
	m := startManager(t, cfg)

	broker.deliver("/pixelblaze/command/porch/#", "/pixelblaze/command/porch/setIP", "10.0.0.5")
	topic := "/pixelblaze/feedback/porch/setIP"
	waitFor(t, topic, func() bool { return len(broker.get(topic)) == 1 })
	if got := broker.get(topic)[0]; got != "10.0.0.5" {
		t.Errorf("%s = %q, want 10.0.0.5", topic, got)
	}

	waitFor(t, "session reconnected at new address", func() bool {
		d := m.Devices()
		return len(d) == 1 && d[0].Address == "10.0.0.5" && d[0].State == session.StateConnected
	})
	if d := m.Devices()[0]; d.Name != "porch" || !d.Static {
		t.Errorf("device = %+v, want porch pinned as static", d)
	}

	// The configured address it left must not be reconnected.
	m.reconcile()
	if m.Len() != 1 {
		t.Errorf("Len() after reconcile = %d, want 1", m.Len())
	}
	c, err := m.Client("porch")
	if err != nil {
		t.Fatalf("Client(porch) error = %v", err)
	}
	if c.Address() != "10.0.0.5" {
		t.Errorf("client address = %q, want 10.0.0.5", c.Address())
	}
}

func TestManager_RetargetErrors(t *testing.T) {
	n := newNetwork()
	n.add("10.0.0.1", newFakeController(t, "porch"))
	n.add("10.0.0.2", newFakeController(t, "garage"))

	cfg := testConfig(n)
	cfg.Static = []StaticDevice{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}
	m := startManager(t, cfg)

	tests := []struct {
		name    string
		device  string
		address string
		wantErr error
	}{
		{"unknown controller", "attic", "10.0.0.9", ErrNotFound},
		{"address owned by another", "porch", "10.0.0.2", ErrAddressInUse},
		{"empty address", "porch", "  ", ErrInvalidDevice},
		{"same address is a no-op", "porch", "10.0.0.1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Retarget(tt.device, tt.address)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Retarget() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
