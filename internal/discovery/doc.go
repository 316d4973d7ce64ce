// Package discovery finds controllers on the local network and can act as
// their time source.
//
// Controllers broadcast a 12-byte beacon to UDP port 1889 roughly once a
// second. The Listener records each sender in a Registry keyed by the
// controller's sender id. A device that has not been heard from within the
// device timeout (30 seconds by default) disappears from the registry.
//
// # Wire Format
//
// Every field is a little-endian uint32:
//
//	beacon:   type(42) senderId senderTime
//	timesync: type(43) syncId   nowMillis  senderId senderTime
//
// # Time Synchronisation
//
// With timesync enabled the listener answers each beacon with a single
// timesync packet so the controller can align its clock to this host. Only
// one time source should run per network; when the listener hears another
// host's timesync packet it switches its own replies off.
//
// # Thread Safety
//
// Registry and Listener are safe for concurrent use.
package discovery
