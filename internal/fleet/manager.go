package fleet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/pixelbridge/internal/bridges/pixelblaze"
	"github.com/nerrad567/pixelbridge/internal/client"
	"github.com/nerrad567/pixelbridge/internal/discovery"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/pixelbridge/internal/session"
	"github.com/nerrad567/pixelbridge/internal/telemetry"
)

// Manager defaults.
const (
	// defaultCheckInterval is how often the controller set is reconciled.
	defaultCheckInterval = 30 * time.Second

	// defaultReadyTimeout bounds the wait for a new controller's name.
	defaultReadyTimeout = 10 * time.Second

	// connectConcurrency limits how many controllers connect at once.
	connectConcurrency = 4
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// StaticDevice is a controller at a fixed address. An empty Name uses the
// name the controller reports.
type StaticDevice struct {
	Name    string
	Address string
}

// BridgeConfig holds the MQTT settings shared by every controller's bridge.
type BridgeConfig struct {
	MQTTClient     pixelblaze.MQTTClient
	Topics         mqtt.Topics
	QoS            byte
	JSONOut        bool
	PollInterval   time.Duration
	StatusInterval time.Duration
}

// Config holds manager settings.
type Config struct {
	// Static controllers are connected at start and never removed.
	Static []StaticDevice

	// Registry lists discovered controllers. Nil disables discovery.
	Registry *discovery.Registry

	// AutoConnect connects to every controller in Registry.
	AutoConnect bool

	// CheckInterval is how often the controller set is reconciled.
	// Default: 30 seconds.
	CheckInterval time.Duration

	// ReadyTimeout bounds the wait for a new controller to report its
	// name. Default: 10 seconds.
	ReadyTimeout time.Duration

	// Session is the template for every controller session. Its Address
	// is replaced per controller.
	Session session.Config

	// Client configures every controller client.
	Client client.Options

	// FlashSave lets commands persist settings to controller flash.
	FlashSave bool

	// Bridge enables MQTT bridging when non-nil.
	Bridge *BridgeConfig

	// Stats receives controller statistics when non-nil.
	Stats telemetry.StatsWriter

	// Sinks receive every unsolicited frame from every controller.
	Sinks []telemetry.Sink
}

// DeviceInfo describes a managed controller.
type DeviceInfo struct {
	Name      string
	Address   string
	Static    bool
	State     session.State
	SessionID string
}

// target is a controller the manager should be connected to.
type target struct {
	name    string
	address string
	static  bool
}

// device is a connected controller and everything attached to it.
type device struct {
	name    string
	address string
	static  bool
	sess    *session.Session
	client  *client.Client
	bridge  *pixelblaze.Bridge
}

func (d *device) stop() {
	if d.bridge != nil {
		d.bridge.Stop()
	}
	//nolint:errcheck // Stop only reports already-closed transports
	d.sess.Stop()
}

// Manager keeps one connection per controller.
//
// Thread Safety: All methods are safe for concurrent use. Reconciliation
// runs on a single goroutine.
type Manager struct {
	cfg        Config
	dispatcher *pixelblaze.Dispatcher
	stats      *telemetry.StatsSink

	mu       sync.Mutex
	devices  map[string]*device // by address
	names    map[string]string  // name -> address, including connects in progress
	inFlight map[string]bool    // addresses being connected
	retired  map[string]bool    // addresses a controller was moved away from

	trigger chan struct{}

	// Shutdown coordination
	started   atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewManager creates a manager. Call Start to connect.
func NewManager(cfg Config) (*Manager, error) {
	for i, d := range cfg.Static {
		if strings.TrimSpace(d.Address) == "" {
			return nil, fmt.Errorf("%w: static device %d has no address", ErrInvalidDevice, i)
		}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}

	m := &Manager{
		cfg:      cfg,
		devices:  make(map[string]*device),
		names:    make(map[string]string),
		inFlight: make(map[string]bool),
		retired:  make(map[string]bool),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if cfg.Bridge != nil {
		b := *cfg.Bridge
		if b.MQTTClient == nil {
			return nil, fmt.Errorf("bridge config requires an MQTT client")
		}
		if b.Topics.Command == "" || b.Topics.Feedback == "" {
			b.Topics = mqtt.NewTopics(b.Topics.Command, b.Topics.Feedback)
		}
		m.cfg.Bridge = &b
		m.dispatcher = pixelblaze.NewDispatcher(b.MQTTClient, b.Topics, b.QoS)
	}
	if cfg.Stats != nil {
		m.stats = telemetry.NewStatsSink(cfg.Stats)
	}

	return m, nil
}

// Start connects the controllers known now and begins reconciling.
// Controllers that cannot be reached are retried on the next check.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	m.ctx, m.ctxCancel = context.WithCancel(ctx)
	m.reconcile()

	m.wg.Add(1)
	go m.run()

	m.logInfo("fleet manager started",
		"static", len(m.cfg.Static),
		"auto_connect", m.cfg.AutoConnect && m.cfg.Registry != nil,
		"connected", m.Len())
	return nil
}

// Stop disconnects every controller. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.ctxCancel != nil {
			m.ctxCancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		devices := make([]*device, 0, len(m.devices))
		for _, d := range m.devices {
			devices = append(devices, d)
		}
		clear(m.devices)
		clear(m.names)
		clear(m.retired)
		m.mu.Unlock()

		stopAll(devices)
		m.logInfo("fleet manager stopped", "disconnected", len(devices))
	})
}

// Trigger requests a reconciliation without waiting for the check
// interval. It never blocks.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// OnDevice is a beacon listener callback that reconciles when a new
// controller appears.
func (m *Manager) OnDevice(d discovery.Device, isNew bool) {
	if isNew {
		m.logDebug("controller discovered", "id", d.ID, "address", d.IP())
		m.Trigger()
	}
}

// Devices returns the managed controllers ordered by name.
func (m *Manager) Devices() []DeviceInfo {
	m.mu.Lock()
	out := make([]DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, DeviceInfo{
			Name:      d.name,
			Address:   d.address,
			Static:    d.static,
			State:     d.sess.State(),
			SessionID: d.sess.ID(),
		})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b DeviceInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of connected controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Client returns the client for the named controller.
func (m *Manager) Client(name string) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr, ok := m.names[name]; ok {
		if d, ok := m.devices[addr]; ok {
			return d.client, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Bridge returns the MQTT bridge for the named controller, or nil when
// bridging is disabled or the controller is unknown.
func (m *Manager) Bridge(name string) *pixelblaze.Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[m.names[name]]; ok {
		return d.bridge
	}
	return nil
}

// Retarget moves the named controller's session to address. The controller
// is then kept like a static device, and the address it left is not
// connected to again while the manager runs, even if it is configured or
// still announcing.
func (m *Manager) Retarget(name, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("%w: empty address for %s", ErrInvalidDevice, name)
	}

	m.mu.Lock()
	old, ok := m.names[name]
	d := m.devices[old]
	if !ok || d == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if old == address {
		m.mu.Unlock()
		return nil
	}
	if _, taken := m.devices[address]; taken || m.inFlight[address] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	delete(m.devices, old)
	delete(m.retired, address)
	m.retired[old] = true
	d.address = address
	d.static = true
	m.devices[address] = d
	m.names[name] = address
	m.mu.Unlock()

	d.sess.SetAddress(address)
	m.logInfo("controller retargeted", "name", name, "from", old, "to", address)
	return nil
}

// StatsSink returns the shared statistics sink, or nil when disabled.
func (m *Manager) StatsSink() *telemetry.StatsSink {
	return m.stats
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.reconcile()
		case <-m.trigger:
			m.reconcile()
		}
	}
}

// desired returns the controllers that should be connected, by address.
func (m *Manager) desired() map[string]target {
	want := make(map[string]target)
	if m.cfg.Registry != nil && m.cfg.AutoConnect {
		for _, d := range m.cfg.Registry.List() {
			want[d.IP()] = target{address: d.IP()}
		}
	}
	for _, s := range m.cfg.Static {
		addr := strings.TrimSpace(s.Address)
		want[addr] = target{name: s.Name, address: addr, static: true}
	}
	return want
}

// reconcile disconnects controllers that left the registry and connects
// new ones.
func (m *Manager) reconcile() {
	want := m.desired()

	var gone []*device
	var fresh []target

	m.mu.Lock()
	for addr, d := range m.devices {
		if _, ok := want[addr]; ok || d.static {
			continue
		}
		delete(m.devices, addr)
		delete(m.names, d.name)
		gone = append(gone, d)
	}
	for addr, t := range want {
		if _, ok := m.devices[addr]; ok || m.inFlight[addr] || m.retired[addr] {
			continue
		}
		m.inFlight[addr] = true
		fresh = append(fresh, t)
	}
	m.mu.Unlock()

	for _, d := range gone {
		m.logInfo("controller gone, disconnecting", "name", d.name, "address", d.address)
	}
	stopAll(gone)

	var g errgroup.Group
	g.SetLimit(connectConcurrency)
	for _, t := range fresh {
		g.Go(func() error {
			defer m.clearInFlight(t.address)
			if err := m.connect(t); err != nil {
				m.logWarn("controller connect failed", "address", t.address, "error", err)
			}
			return nil
		})
	}
	//nolint:errcheck // failures are logged per controller
	g.Wait()
}

func (m *Manager) clearInFlight(address string) {
	m.mu.Lock()
	delete(m.inFlight, address)
	m.mu.Unlock()
}

// connect opens a session to t and attaches the client, bridge and sinks.
func (m *Manager) connect(t target) error {
	cfg := m.cfg.Session
	cfg.Address = t.address
	sess := session.New(cfg)
	if logger := m.getLogger(); logger != nil {
		sess.SetLogger(logger)
	}

	// Attached before connecting so pushes sent right after the handshake
	// are not lost. The bridge joins once the name is known.
	sinks := telemetry.NewFanout(m.cfg.Sinks...)
	if logger := m.getLogger(); logger != nil {
		sinks.SetLogger(logger)
	}
	if m.stats != nil {
		sinks.Add(m.stats)
	}
	sess.SetTelemetrySink(sinks)

	if err := sess.StartAndAwaitReady(m.ctx, m.cfg.ReadyTimeout); err != nil {
		//nolint:errcheck // session never fully started
		sess.Stop()
		return err
	}

	name, err := m.reserveName(t, sess.Name())
	if err != nil {
		//nolint:errcheck // discarding the session
		sess.Stop()
		return err
	}

	d := &device{
		name:    name,
		address: t.address,
		static:  t.static,
		sess:    sess,
		client:  client.New(sess, m.cfg.Client),
	}
	d.client.EnableFlashSave(m.cfg.FlashSave)
	if logger := m.getLogger(); logger != nil {
		d.client.SetLogger(logger)
	}

	if m.cfg.Bridge != nil {
		if d.bridge, err = m.startBridge(d); err != nil {
			m.releaseName(name)
			//nolint:errcheck // discarding the session
			sess.Stop()
			return err
		}
		sinks.Add(d.bridge)
	}

	m.mu.Lock()
	m.devices[t.address] = d
	m.mu.Unlock()

	m.logInfo("controller connected",
		"name", name,
		"address", t.address,
		"static", t.static,
		"session", sess.ID())
	return nil
}

func (m *Manager) startBridge(d *device) (*pixelblaze.Bridge, error) {
	bc := m.cfg.Bridge
	retarget := func(address string) error {
		return m.Retarget(d.name, address)
	}
	opts := pixelblaze.BridgeOptions{
		Name:           d.name,
		Client:         d.client,
		MQTTClient:     bc.MQTTClient,
		Topics:         bc.Topics,
		QoS:            bc.QoS,
		JSONOut:        bc.JSONOut,
		PollInterval:   bc.PollInterval,
		StatusInterval: bc.StatusInterval,
		Connected:      d.sess.IsConnected,
		Dispatcher:     m.dispatcher,
		Retarget:       retarget,
	}
	if logger := m.getLogger(); logger != nil {
		opts.Logger = logger
	}

	b, err := pixelblaze.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge for %s: %w", d.name, err)
	}
	if err := b.Start(m.ctx); err != nil {
		b.Stop()
		return nil, fmt.Errorf("starting bridge for %s: %w", d.name, err)
	}
	return b, nil
}

// reserveName picks the name a controller publishes under. The configured
// name wins over the reported one; a name already taken by another
// address falls back to the controller's address.
func (m *Manager) reserveName(t target, reported string) (string, error) {
	name := t.name
	if name == "" {
		name = reported
	}
	if name == "" {
		name = t.address
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return "", ErrStopped
	default:
	}

	if owner, taken := m.names[name]; taken && owner != t.address {
		m.logWarn("controller name in use, using address", "name", name, "address", t.address, "owner", owner)
		name = t.address
	}
	m.names[name] = t.address
	return name, nil
}

func (m *Manager) releaseName(name string) {
	m.mu.Lock()
	delete(m.names, name)
	m.mu.Unlock()
}

// stopAll stops devices in parallel.
func stopAll(devices []*device) {
	var g errgroup.Group
	for _, d := range devices {
		g.Go(func() error {
			d.stop()
			return nil
		})
	}
	//nolint:errcheck // stop never fails
	g.Wait()
}

// SetLogger sets the logger for the manager and the controllers it
// connects from now on.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Manager) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (m *Manager) logDebug(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
