package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Listener defaults.
const (
	// DefaultPort is the UDP port controllers broadcast beacons on.
	DefaultPort = 1889

	// DefaultSweepInterval is how often stale devices are removed.
	DefaultSweepInterval = 5 * time.Second

	// readBufferSize comfortably holds either packet kind.
	readBufferSize = 1024

	// readPollInterval bounds how long a read blocks before shutdown is checked.
	readPollInterval = time.Second
)

// ListenerConfig holds beacon listener settings.
type ListenerConfig struct {
	// HostIP restricts the socket to one local interface address.
	// Empty listens on all interfaces.
	HostIP string

	// Port is the UDP port to bind. Default: 1889.
	Port int

	// SyncID identifies this host in timesync replies. Default: 890.
	SyncID uint32

	// SweepInterval is how often timed-out devices are removed.
	// Default: 5 seconds.
	SweepInterval time.Duration
}

// ListenerStats holds operational statistics.
type ListenerStats struct {
	BeaconsRx       uint64
	TimesyncRx      uint64
	TimesyncTx      uint64
	PacketsIgnored  uint64
	DevicesExpired  uint64
	ErrorsTotal     uint64
	TimesyncEnabled bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Listener receives controller beacons and optionally answers them with
// time synchronisation packets.
//
// Only one host on a network should act as time source. When a timesync
// packet from another host is seen, the listener stops sending its own.
//
// Thread Safety: All methods are safe for concurrent use. The device
// callback runs on the receive goroutine and must not block.
type Listener struct {
	cfg      ListenerConfig
	registry *Registry

	conn    *net.UDPConn
	startMu sync.Mutex
	started bool

	autoSync atomic.Bool
	syncID   atomic.Uint32

	onDevice   func(Device, bool)
	callbackMu sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	beaconsRx      atomic.Uint64
	timesyncRx     atomic.Uint64
	timesyncTx     atomic.Uint64
	packetsIgnored atomic.Uint64
	devicesExpired atomic.Uint64
	errorsTotal    atomic.Uint64
}

// NewListener creates a listener that records devices in reg.
// Time synchronisation starts disabled.
func NewListener(cfg ListenerConfig, reg *Registry) *Listener {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.SyncID == 0 {
		cfg.SyncID = DefaultSyncID
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if reg == nil {
		reg = NewRegistry()
	}

	l := &Listener{
		cfg:      cfg,
		registry: reg,
		done:     newCloseOnce(),
	}
	l.syncID.Store(cfg.SyncID)
	return l
}

// Start binds the UDP socket and starts the receive and sweep loops.
//
// Calling Start on a running listener is a no-op. A stopped listener
// cannot be restarted.
func (l *Listener) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.isClosed() {
		return ErrClosed
	}
	if l.started {
		return nil
	}

	addr, err := l.bindAddr()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBindFailed, err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	l.conn = conn
	l.started = true

	l.wg.Add(2)
	go l.receiveLoop()
	go l.sweepLoop()

	// Stop when the caller's context ends.
	go func() {
		select {
		case <-ctx.Done():
			l.Stop() //nolint:errcheck // best-effort shutdown
		case <-l.done.Done():
		}
	}()

	l.logInfo("discovery listener started",
		"addr", conn.LocalAddr().String(),
		"timesync", l.TimesyncEnabled(),
	)
	return nil
}

func (l *Listener) bindAddr() (*net.UDPAddr, error) {
	if l.cfg.HostIP == "" {
		return &net.UDPAddr{IP: net.IPv4zero, Port: l.cfg.Port}, nil
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(l.cfg.HostIP, strconv.Itoa(l.cfg.Port)))
}

// Stop closes the socket and waits for the loops to exit.
// Safe to call multiple times.
func (l *Listener) Stop() error {
	l.done.Close()

	l.startMu.Lock()
	conn := l.conn
	l.startMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.wg.Wait()
	return nil
}

// LocalAddr returns the bound address, or nil before Start.
func (l *Listener) LocalAddr() *net.UDPAddr {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.conn == nil {
		return nil
	}
	addr, _ := l.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Registry returns the device registry this listener feeds.
func (l *Listener) Registry() *Registry {
	return l.registry
}

// EnableTimesync makes this host answer beacons with its clock.
func (l *Listener) EnableTimesync() {
	l.autoSync.Store(true)
}

// DisableTimesync stops answering beacons.
func (l *Listener) DisableTimesync() {
	l.autoSync.Store(false)
}

// TimesyncEnabled reports whether beacons are being answered.
func (l *Listener) TimesyncEnabled() bool {
	return l.autoSync.Load()
}

// SetSyncID changes the id sent in timesync replies.
func (l *Listener) SetSyncID(id uint32) {
	l.syncID.Store(id)
}

// SetOnDevice sets the callback invoked for every beacon. The second
// argument is true the first time a device is seen or after it expired.
func (l *Listener) SetOnDevice(callback func(Device, bool)) {
	l.callbackMu.Lock()
	l.onDevice = callback
	l.callbackMu.Unlock()
}

// SetLogger sets the logger for this listener.
func (l *Listener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// Stats returns current operational statistics.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		BeaconsRx:       l.beaconsRx.Load(),
		TimesyncRx:      l.timesyncRx.Load(),
		TimesyncTx:      l.timesyncTx.Load(),
		PacketsIgnored:  l.packetsIgnored.Load(),
		DevicesExpired:  l.devicesExpired.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		TimesyncEnabled: l.TimesyncEnabled(),
	}
}

func (l *Listener) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		if l.isClosed() {
			return
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			if l.isClosed() {
				return
			}
			l.logError("set read deadline failed", err)
		}

		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.errorsTotal.Add(1)
			l.logError("read failed", err)
			continue
		}

		l.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram processes one received packet.
func (l *Listener) handleDatagram(data []byte, from netip.AddrPort) {
	b, err := ParseBeacon(data)
	if err != nil {
		l.packetsIgnored.Add(1)
		return
	}

	switch b.Type {
	case PacketTimesync:
		l.timesyncRx.Add(1)
		if l.autoSync.CompareAndSwap(true, false) {
			l.logInfo("another time source is active, disabling timesync",
				"source", from.String(), "sync_id", b.SenderID)
		}

	case PacketBeacon:
		l.beaconsRx.Add(1)
		l.handleBeacon(b, from)

	default:
		l.packetsIgnored.Add(1)
	}
}

func (l *Listener) handleBeacon(b Beacon, from netip.AddrPort) {
	dev := Device{
		ID:         IDFor(b.SenderID),
		Address:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		LastSeen:   l.registry.clock(),
		SenderID:   b.SenderID,
		SenderTime: b.SenderTime,
	}
	isNew := l.registry.Upsert(dev)
	if isNew {
		l.logInfo("device discovered", "id", dev.ID, "address", dev.IP())
	}

	if l.autoSync.Load() {
		l.sendTimesync(b, from)
	}

	l.callbackMu.RLock()
	callback := l.onDevice
	l.callbackMu.RUnlock()

	if callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logError("device callback panic", fmt.Errorf("%v", r))
				}
			}()
			callback(dev, isNew)
		}()
	}
}

func (l *Listener) sendTimesync(b Beacon, to netip.AddrPort) {
	pkt := EncodeTimesync(l.syncID.Load(), timeInMillis(time.Now()), b.SenderID, b.SenderTime)
	if _, err := l.conn.WriteToUDPAddrPort(pkt, to); err != nil {
		l.errorsTotal.Add(1)
		l.logError("timesync send failed", err)
		return
	}
	l.timesyncTx.Add(1)
}

func (l *Listener) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done.Done():
			return
		case <-ticker.C:
			if n := l.registry.Sweep(); n > 0 {
				l.devicesExpired.Add(uint64(n))
				l.logDebug("expired devices removed", "count", n)
			}
		}
	}
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

func (l *Listener) logInfo(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Listener) logDebug(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l *Listener) logError(msg string, err error) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
