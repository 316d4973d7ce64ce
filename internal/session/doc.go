// Package session manages the websocket connection to a single controller.
//
// Controllers speak JSON text frames for commands and most replies, and
// chunked binary frames for pattern lists, previews and sources. Replies
// carry no request id, so a Session correlates them by shape: each command
// declares the ReplyKind it expects, and incoming frames are matched to the
// oldest pending request whose kind accepts their keys.
//
// # Binary Frames
//
//	[type][flags][payload...]
//
// flags is a bit set of START (1), CONT (2) and END (4). Payloads of one
// type are joined from START to END. Preview frames (type 5) are sent as a
// single frame with no flags byte.
//
// # Unsolicited Frames
//
// Frames that match no pending request, such as the once-a-second stats
// push, are handed to the configured Sink through a bounded queue. When the
// queue is full frames are dropped and counted rather than stalling the
// receive loop.
//
// # Usage
//
//	s := session.New(session.Config{Address: "192.168.1.40"})
//	if err := s.StartAndAwaitReady(ctx, 10*time.Second); err != nil {
//	    return err
//	}
//	defer s.Stop()
//
//	reply, err := s.SendCommand(ctx, map[string]any{"getVars": true}, session.KindVars)
package session
