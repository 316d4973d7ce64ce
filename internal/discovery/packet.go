package discovery

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Packet types carried in the first word of every discovery datagram.
const (
	PacketBeacon   uint32 = 42
	PacketTimesync uint32 = 43
)

// Wire sizes of the two packet kinds.
const (
	beaconSize   = 12
	timesyncSize = 20
)

// DefaultSyncID identifies this host as a time source.
const DefaultSyncID uint32 = 890

// Beacon is the decoded form of a controller's announcement.
type Beacon struct {
	Type       uint32
	SenderID   uint32
	SenderTime uint32
}

// ParseBeacon decodes the fixed 12-byte header shared by beacon and
// timesync datagrams. All fields are little-endian.
func ParseBeacon(data []byte) (Beacon, error) {
	if len(data) < beaconSize {
		return Beacon{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	return Beacon{
		Type:       binary.LittleEndian.Uint32(data[0:4]),
		SenderID:   binary.LittleEndian.Uint32(data[4:8]),
		SenderTime: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// EncodeBeacon builds a beacon datagram.
func EncodeBeacon(b Beacon) []byte {
	buf := make([]byte, beaconSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Type)
	binary.LittleEndian.PutUint32(buf[4:8], b.SenderID)
	binary.LittleEndian.PutUint32(buf[8:12], b.SenderTime)
	return buf
}

// EncodeTimesync builds the reply that sets a controller's clock. It echoes
// the controller's own id and time alongside ours so the controller can
// compensate for network delay.
func EncodeTimesync(syncID, nowMillis, senderID, senderTime uint32) []byte {
	buf := make([]byte, timesyncSize)
	binary.LittleEndian.PutUint32(buf[0:4], PacketTimesync)
	binary.LittleEndian.PutUint32(buf[4:8], syncID)
	binary.LittleEndian.PutUint32(buf[8:12], nowMillis)
	binary.LittleEndian.PutUint32(buf[12:16], senderID)
	binary.LittleEndian.PutUint32(buf[16:20], senderTime)
	return buf
}

// timeInMillis returns the wall clock in milliseconds folded into 32 bits.
// The modulus is 0xFFFFFFFF, not 2^32, matching what controllers expect.
func timeInMillis(t time.Time) uint32 {
	return uint32(uint64(t.UnixMilli()) % 0xFFFFFFFF)
}
