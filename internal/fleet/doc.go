// Package fleet connects to Pixelblaze controllers as they appear and
// disconnects them when they go away.
//
// A Manager owns one session, client and telemetry fan-out per controller,
// plus an MQTT bridge when an MQTT client is configured. Controllers come
// from two places:
//
//   - static devices from configuration, which are kept for the life of
//     the manager and reconnect on their own
//   - the discovery registry, when auto-connect is enabled; these are
//     dropped once the registry stops listing them
//
// The set of connected controllers is reconciled against both sources on
// a check interval and whenever the beacon listener reports a new device.
package fleet
