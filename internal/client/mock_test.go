package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/pixelbridge/internal/session"
)

// MockCommander is a scripted stand-in for a session.
type MockCommander struct {
	mu      sync.Mutex
	address string
	sent    []map[string]any
	replies map[string]*session.Reply
	holds   map[string]*heldCommand
	ack     bool
}

// heldCommand parks one command after its reply has been chosen.
type heldCommand struct {
	entered chan struct{}
	release chan struct{}
}

func NewMockCommander(address string) *MockCommander {
	return &MockCommander{
		address: address,
		replies: make(map[string]*session.Reply),
		holds:   make(map[string]*heldCommand),
		ack:     true,
	}
}

// On scripts the reply for commands containing key.
func (m *MockCommander) On(key string, reply *session.Reply) {
	m.mu.Lock()
	m.replies[key] = reply
	m.mu.Unlock()
}

// Hold makes the next command containing key block until release is
// closed. entered is closed once that command's reply has been chosen.
func (m *MockCommander) Hold(key string) (entered <-chan struct{}, release chan<- struct{}) {
	h := &heldCommand{entered: make(chan struct{}), release: make(chan struct{})}
	m.mu.Lock()
	m.holds[key] = h
	m.mu.Unlock()
	return h.entered, h.release
}

func (m *MockCommander) SendCommand(_ context.Context, payload any, kind session.ReplyKind) (*session.Reply, error) {
	cmd, _ := payload.(map[string]any)

	m.mu.Lock()
	m.sent = append(m.sent, cmd)

	keys := make([]string, 0, len(cmd))
	for k := range cmd {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var held *heldCommand
	for _, k := range keys {
		if h, ok := m.holds[k]; ok {
			held = h
			delete(m.holds, k)
			break
		}
	}

	var reply *session.Reply
	err := session.ErrTimeout
	if kind == session.KindNone {
		reply, err = &session.Reply{Kind: session.KindNone}, nil
	} else {
		for _, k := range keys {
			if r, ok := m.replies[k]; ok {
				reply, err = r, nil
				break
			}
		}
	}
	m.mu.Unlock()

	if held != nil {
		close(held.entered)
		<-held.release
	}
	return reply, err
}

func (m *MockCommander) AwaitEmptyQueue(context.Context, time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, map[string]any{"ping": true})
	return m.ack
}

func (m *MockCommander) Address() string {
	return m.address
}

// Sent returns the commands containing key, in order.
func (m *MockCommander) Sent(key string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, cmd := range m.sent {
		if _, ok := cmd[key]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// configReply builds a getConfig reply for a controller running pid.
func configReply(pid string) *session.Reply {
	return &session.Reply{
		Kind: session.KindConfig,
		Fields: map[string]any{
			"name":       "porch",
			"brightness": 0.75,
			"pixelCount": 150.0,
			"dataSpeed":  2000000.0,
			"activeProgram": map[string]any{
				"activeProgramId": pid,
				"name":            "Rainbow",
				"controls":        map[string]any{"sliderSpeed": 0.5, "hsvPickerColor": []any{0.1, 1.0, 1.0}},
			},
		},
	}
}

func patternListReply() *session.Reply {
	return &session.Reply{
		Kind:   session.KindPatternList,
		Binary: []byte("a1\tRainbow\nb2\tFire\nc3\tSparkle\n"),
	}
}

func newTestClient(m *MockCommander, opts Options) *Client {
	if opts.PatternDir == "" {
		opts.PatternDir = "."
	}
	return New(m, opts)
}
