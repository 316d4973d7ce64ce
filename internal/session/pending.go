package session

import (
	"maps"
	"slices"
	"sync"
)

// result is delivered exactly once to a pending request.
type result struct {
	reply *Reply
	err   error
}

// pendingRequest is a caller waiting for a reply of one kind.
type pendingRequest struct {
	kind   ReplyKind
	spec   replySpec
	fields map[string]any
	seen   map[string]bool
	done   chan result
}

// pendingTable holds in-flight requests in registration order.
//
// Only the receive loop resolves entries. A caller removes its own entry
// on timeout or cancellation; if the entry is already gone, its result is
// waiting in the buffered done channel.
type pendingTable struct {
	mu     sync.Mutex
	order  []*pendingRequest
	byKind map[ReplyKind]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{byKind: make(map[ReplyKind]*pendingRequest)}
}

// register adds a request for kind, or fails with ErrBusy.
func (t *pendingTable) register(kind ReplyKind) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.byKind[kind]; busy {
		return nil, ErrBusy
	}
	p := &pendingRequest{
		kind:   kind,
		spec:   jsonReplies[kind],
		fields: make(map[string]any),
		seen:   make(map[string]bool),
		done:   make(chan result, 1),
	}
	t.byKind[kind] = p
	t.order = append(t.order, p)
	return p, nil
}

// remove drops p if it is still pending and reports whether it was.
func (t *pendingTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(p)
}

func (t *pendingTable) removeLocked(p *pendingRequest) bool {
	if t.byKind[p.kind] != p {
		return false
	}
	delete(t.byKind, p.kind)
	t.order = slices.DeleteFunc(t.order, func(q *pendingRequest) bool { return q == p })
	return true
}

// offerJSON hands a JSON frame to the oldest request that accepts it.
// It reports whether the frame was consumed.
func (t *pendingTable) offerJSON(fields map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.order {
		if p.kind.IsBinary() || !p.spec.accepts(fields) {
			continue
		}
		for _, key := range p.spec.accept {
			if _, ok := fields[key]; ok {
				p.seen[key] = true
			}
		}
		maps.Copy(p.fields, fields)

		if p.completed() {
			t.removeLocked(p)
			p.done <- result{reply: &Reply{Kind: p.kind, Fields: p.fields}}
		}
		return true
	}
	return false
}

// offerBinary resolves the pending request of kind with a reassembled blob.
func (t *pendingTable) offerBinary(kind ReplyKind, blob []byte, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byKind[kind]
	if !ok {
		return false
	}
	t.removeLocked(p)
	p.done <- result{reply: &Reply{Kind: kind, Binary: blob, Text: text}}
	return true
}

// failAll releases every pending request with err.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	pending := t.order
	t.order = nil
	clear(t.byKind)
	t.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: err}
	}
	return len(pending)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func (p *pendingRequest) completed() bool {
	for _, key := range p.spec.complete {
		if !p.seen[key] {
			return false
		}
	}
	return true
}
