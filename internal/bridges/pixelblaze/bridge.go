package pixelblaze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/pixelbridge/internal/client"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/pixelbridge/internal/session"
)

// Bridge operation constants.
const (
	// commandTimeout bounds one command, including file transfers.
	commandTimeout = 60 * time.Second

	// commandQueueSize is the number of MQTT messages waiting for the worker.
	commandQueueSize = 100
)

// Bridge connects one controller to MQTT. It handles:
//   - Receiving commands on the controller's command topics and publishing
//     each result under the controller's feedback topic
//   - Republishing frames the controller pushes on its own
//   - Periodic status and optional polling
//
// Commands run one at a time, in arrival order, on a single worker.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	name         string
	client       *client.Client
	mqtt         MQTTClient
	topics       mqtt.Topics
	qos          byte
	jsonOut      bool
	pollInterval time.Duration
	connected    func() bool
	dispatcher   *Dispatcher
	retarget     func(address string) error
	commands     map[string]commandFunc
	status       *StatusReporter
	history      *history

	queue           chan message
	removeOnConnect func()

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	started   atomic.Bool
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	commandsRun    atomic.Uint64
	commandsFailed atomic.Uint64
	published      atomic.Uint64
	dropped        atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// It is satisfied by *mqtt.Client and mocked in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// AddOnConnect registers a listener run after every (re)connect.
	AddOnConnect(listener func()) (remove func())
}

var _ MQTTClient = (*mqtt.Client)(nil)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// message is a queued MQTT command message.
type message struct {
	topic   string
	payload []byte
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Name is the controller name used in topics.
	Name string

	// Client issues commands to the controller.
	Client *client.Client

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Topics holds the command and feedback prefixes. Zero means defaults.
	Topics mqtt.Topics

	// QoS for subscriptions and publishes.
	QoS byte

	// JSONOut publishes pushed frames whole under "update" instead of one
	// topic per field.
	JSONOut bool

	// PollInterval publishes config and vars periodically. Zero disables.
	PollInterval time.Duration

	// StatusInterval is how often status is published. Default: 60 seconds.
	StatusInterval time.Duration

	// Connected reports whether the controller websocket is up.
	Connected func() bool

	// Dispatcher shares the all-controllers subscription. When nil the
	// bridge subscribes to it directly.
	Dispatcher *Dispatcher

	// Retarget moves the controller to a new address for setIP. When nil
	// setIP only reports the current address.
	Retarget func(address string) error

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("controller name is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("device client is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.QoS > 2 {
		return nil, mqtt.ErrInvalidQoS
	}

	topics := opts.Topics
	if topics.Command == "" || topics.Feedback == "" {
		topics = mqtt.NewTopics(topics.Command, topics.Feedback)
	}
	connected := opts.Connected
	if connected == nil {
		connected = func() bool { return true }
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		name:         opts.Name,
		client:       opts.Client,
		mqtt:         opts.MQTTClient,
		topics:       topics,
		qos:          opts.QoS,
		jsonOut:      opts.JSONOut,
		pollInterval: opts.PollInterval,
		connected:    connected,
		dispatcher:   opts.Dispatcher,
		retarget:     opts.Retarget,
		commands:     commandTable(),
		history:      newHistory(),
		queue:        make(chan message, commandQueueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}

	b.status = NewStatusReporter(StatusReporterConfig{
		Topic:     topics.DeviceStatus(opts.Name),
		QoS:       opts.QoS,
		Interval:  opts.StatusInterval,
		Publisher: opts.MQTTClient,
		Connected: connected,
	})
	if opts.Logger != nil {
		b.status.SetLogger(opts.Logger)
	}

	return b, nil
}

// Name returns the controller name the bridge publishes under.
func (b *Bridge) Name() string {
	return b.name
}

// Start subscribes to the controller's command topics and starts the
// command worker, status reporting and polling.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	if b.dispatcher != nil {
		if err := b.dispatcher.Register(b); err != nil {
			return err
		}
	} else if err := b.mqtt.Subscribe(b.topics.CommandAll(), b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	deviceTopic := b.topics.CommandDevice(b.name)
	if err := b.mqtt.Subscribe(deviceTopic, b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", deviceTopic)

	// Republish every field after the broker may have lost retained state.
	b.removeOnConnect = b.mqtt.AddOnConnect(b.history.reset)

	b.wg.Add(1)
	go b.commandWorker()

	if b.pollInterval > 0 {
		b.wg.Add(1)
		go b.pollLoop(ctx)
	}

	b.status.Start(ctx)

	b.logInfo("bridge started",
		"name", b.name,
		"address", b.client.Address(),
		"json_out", b.jsonOut)

	return nil
}

// Stop gracefully shuts down the bridge. Queued commands are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		if b.started.Load() {
			b.status.Stop()
			if b.removeOnConnect != nil {
				b.removeOnConnect()
			}
			if b.dispatcher != nil {
				b.dispatcher.Unregister(b.name)
			} else if err := b.mqtt.Unsubscribe(b.topics.CommandAll()); err != nil {
				b.logDebug("unsubscribe failed", "topic", b.topics.CommandAll(), "error", err)
			}
			if err := b.mqtt.Unsubscribe(b.topics.CommandDevice(b.name)); err != nil {
				b.logDebug("unsubscribe failed", "topic", b.topics.CommandDevice(b.name), "error", err)
			}
		}

		b.wg.Wait()

		b.logInfo("bridge stopped", "name", b.name)
	})
}

// handleMQTTMessage queues a command message for the worker. It runs on
// paho's goroutines and never blocks.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}

	msg := message{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case b.queue <- msg:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrQueueFull, topic)
	}
}

// commandWorker runs queued commands in arrival order.
func (b *Bridge) commandWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			b.processMessage(msg)
		}
	}
}

// processMessage parses, runs and answers one command message.
func (b *Bridge) processMessage(msg message) {
	name, args, err := b.parseCommand(msg.topic, msg.payload)
	if err != nil {
		if errors.Is(err, ErrCommandRejected) {
			b.logWarn("command rejected", "topic", msg.topic, "error", err)
		} else {
			b.logWarn("invalid command", "topic", msg.topic, "error", err)
		}
		return
	}

	value, err := b.runCommand(name, args)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command failed", "command", name, "error", err)
		return
	}
	b.publishValue(name, value)
}

// runCommand executes a registered command with panic recovery.
func (b *Bridge) runCommand(name string, args arguments) (value any, err error) {
	fn := b.commands[name]
	b.commandsRun.Add(1)
	b.logInfo("received command", "command", name, "args", len(args))

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", name, r)
		}
	}()
	return fn(ctx, b, args)
}

// HandleFrame republishes a frame the controller pushed on its own.
// Binary frames are not republished.
func (b *Bridge) HandleFrame(_ string, f session.Frame) {
	if f.Fields == nil {
		return
	}
	b.publishPush(f.Raw, f.Fields)
}

// publishPush publishes a pushed or polled JSON object, whole or flattened.
func (b *Bridge) publishPush(raw []byte, fields map[string]any) {
	if b.jsonOut {
		if raw == nil {
			var err error
			if raw, err = json.Marshal(fields); err != nil {
				b.logError("encode update", err)
				return
			}
		}
		b.publish(updateKey, raw)
		return
	}

	flat := flatten(fields)
	for _, key := range b.history.changedFields(flat) {
		b.publish(key, flat[key])
	}
}

// publishValue publishes a command result under the command's name.
func (b *Bridge) publishValue(key string, value any) {
	payload, ok := formatValue(value)
	if !ok {
		return
	}
	b.publish(key, payload)
}

func (b *Bridge) publish(key string, payload []byte) {
	topic := b.topics.Feedback(b.name, key)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logDebug("publish failed", "topic", topic, "error", err)
		return
	}
	b.published.Add(1)
}

// pollLoop publishes the hardware config and pattern vars on an interval.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.PollNow()
		}
	}
}

// PollNow fetches and publishes the hardware config and pattern vars.
func (b *Bridge) PollNow() {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	b.logDebug("polling", "name", b.name)

	if cfg, err := b.client.HardwareConfig(ctx); err != nil {
		b.logWarn("poll config failed", "name", b.name, "error", err)
	} else {
		b.publishPush(nil, cfg)
	}

	if vars, err := b.client.Vars(ctx); err != nil {
		b.logWarn("poll vars failed", "name", b.name, "error", err)
	} else {
		b.publishPush(nil, map[string]any{"vars": vars})
	}
}

func (b *Bridge) deviceConnected() bool {
	return b.connected()
}

// BridgeMetrics contains bridge counters.
type BridgeMetrics struct {
	Name           string
	Connected      bool
	CommandsRun    uint64
	CommandsFailed uint64
	Published      uint64
	Dropped        uint64
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		Name:           b.name,
		Connected:      b.deviceConnected(),
		CommandsRun:    b.commandsRun.Load(),
		CommandsFailed: b.commandsFailed.Load(),
		Published:      b.published.Load(),
		Dropped:        b.dropped.Load(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.status.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "name", b.name, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

var _ session.Sink = (*Bridge)(nil)
