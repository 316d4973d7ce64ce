package pixelblaze

import (
	"fmt"
	"sync"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
)

// Dispatcher shares the all-controllers command subscription between the
// bridges on one MQTT connection. A broker subscription maps to one
// handler, so bridges register here instead of each subscribing.
type Dispatcher struct {
	mqtt  MQTTClient
	topic string
	qos   byte

	mu         sync.RWMutex
	bridges    map[string]*Bridge
	subscribed bool
}

// NewDispatcher creates a dispatcher for topics.CommandAll().
func NewDispatcher(client MQTTClient, topics mqtt.Topics, qos byte) *Dispatcher {
	return &Dispatcher{
		mqtt:    client,
		topic:   topics.CommandAll(),
		qos:     qos,
		bridges: make(map[string]*Bridge),
	}
}

// Register adds a bridge, subscribing on first use.
func (d *Dispatcher) Register(b *Bridge) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.subscribed {
		if err := d.mqtt.Subscribe(d.topic, d.qos, d.handle); err != nil {
			return fmt.Errorf("subscribe to %s: %w", d.topic, err)
		}
		d.subscribed = true
	}
	d.bridges[b.name] = b
	return nil
}

// Unregister removes the bridge for name.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.bridges, name)
	d.mu.Unlock()
}

// Len returns the number of registered bridges.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bridges)
}

// handle queues an all-controllers message on every registered bridge.
func (d *Dispatcher) handle(topic string, payload []byte) error {
	d.mu.RLock()
	bridges := make([]*Bridge, 0, len(d.bridges))
	for _, b := range d.bridges {
		bridges = append(bridges, b)
	}
	d.mu.RUnlock()

	var firstErr error
	for _, b := range bridges {
		if err := b.handleMQTTMessage(topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
