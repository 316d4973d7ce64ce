package discovery

import (
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Registry defaults.
const (
	// DefaultDeviceTimeout is how long a device stays listed without a beacon.
	DefaultDeviceTimeout = 30 * time.Second
)

// Device is a controller seen on the network.
type Device struct {
	ID         string
	Address    netip.AddrPort
	LastSeen   time.Time
	SenderID   uint32
	SenderTime uint32
}

// IP returns the device's address without the port.
func (d Device) IP() string {
	return d.Address.Addr().String()
}

// Registry tracks live devices keyed by sender id.
//
// A device whose last beacon is older than the device timeout is never
// returned, whether or not it has been swept yet. Records carry no cache
// expiry of their own; liveness is always judged against the current
// timeout and clock, and Sweep removes the dead ones.
//
// Thread Safety: Safe for concurrent readers alongside the listener's
// single writer.
type Registry struct {
	devices *gocache.Cache
	timeout atomic.Int64 // nanoseconds

	nowMu sync.RWMutex
	now   func() time.Time
}

// NewRegistry creates an empty registry with the default timeout.
func NewRegistry() *Registry {
	r := &Registry{
		devices: gocache.New(gocache.NoExpiration, 0),
		now:     time.Now,
	}
	r.timeout.Store(int64(DefaultDeviceTimeout))
	return r
}

// IDFor formats a sender id as a registry key.
func IDFor(senderID uint32) string {
	return strconv.FormatUint(uint64(senderID), 10)
}

// Upsert records a sighting. It reports whether the device was previously
// unknown or had already timed out.
func (r *Registry) Upsert(d Device) bool {
	if d.ID == "" {
		d.ID = IDFor(d.SenderID)
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = r.clock()
	}
	_, known := r.Get(d.ID)
	r.devices.Set(d.ID, d, gocache.NoExpiration)
	return !known
}

// Get returns a live device by id.
func (r *Registry) Get(id string) (Device, bool) {
	obj, found := r.devices.Get(id)
	if !found {
		return Device{}, false
	}
	d := obj.(Device)
	if !r.alive(d, r.clock()) {
		return Device{}, false
	}
	return d, true
}

// List returns a snapshot of live devices ordered by address.
func (r *Registry) List() []Device {
	now := r.clock()
	items := r.devices.Items()

	devices := make([]Device, 0, len(items))
	for _, item := range items {
		d := item.Object.(Device)
		if r.alive(d, now) {
			devices = append(devices, d)
		}
	}
	slices.SortFunc(devices, func(a, b Device) int {
		if c := a.Address.Compare(b.Address); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return devices
}

// Addresses returns the IP addresses of live devices.
func (r *Registry) Addresses() []string {
	devices := r.List()
	addrs := make([]string, 0, len(devices))
	for _, d := range devices {
		addrs = append(addrs, d.IP())
	}
	return addrs
}

// Len returns the number of live devices.
func (r *Registry) Len() int {
	return len(r.List())
}

// SetDeviceTimeout sets, in seconds, how long a device may stay silent
// before it is dropped. Values of zero or less restore the default.
func (r *Registry) SetDeviceTimeout(seconds int) {
	timeout := time.Duration(seconds) * time.Second
	if seconds <= 0 {
		timeout = DefaultDeviceTimeout
	}
	r.timeout.Store(int64(timeout))
}

// DeviceTimeout returns the current liveness window.
func (r *Registry) DeviceTimeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Sweep removes timed-out devices and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.clock()
	removed := 0
	for id, item := range r.devices.Items() {
		if !r.alive(item.Object.(Device), now) {
			r.devices.Delete(id)
			removed++
		}
	}
	return removed
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.nowMu.Lock()
	r.now = now
	r.nowMu.Unlock()
}

func (r *Registry) alive(d Device, now time.Time) bool {
	return now.Sub(d.LastSeen) < r.DeviceTimeout()
}

func (r *Registry) clock() time.Time {
	r.nowMu.RLock()
	defer r.nowMu.RUnlock()
	return r.now()
}
