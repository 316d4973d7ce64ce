// Package api provides the HTTP status API and WebSocket stream for pixelbridge.
//
// It lists managed and discovered controllers, reads and changes
// brightness, pattern and variables, serves pattern thumbnails, and
// streams controller pushes to WebSocket clients.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # WebSocket
//
// Clients connect to /api/v1/ws and subscribe to channels:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["controller.telemetry"]}}
//
// Every unsolicited controller frame is broadcast on "controller." plus
// its kind (telemetry, preview_frame, vars, ...). The Hub is a
// telemetry.Sink; hand it to the fleet manager so it sees every session.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
