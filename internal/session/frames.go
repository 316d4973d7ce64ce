package session

import (
	"time"
)

// ReplyKind names the shape of reply a command expects, and classifies
// frames that arrive without a matching request.
type ReplyKind int

// Reply kinds.
const (
	// KindNone sends a command without waiting for a reply.
	KindNone ReplyKind = iota
	KindConfig
	KindActivePattern
	KindControls
	KindVars
	KindAck
	KindSequencer
	KindUpgradeState
	KindPreviewImage
	KindSources
	KindPatternList

	// Kinds below only classify unsolicited frames.
	KindTelemetry
	KindPreviewFrame
	KindBinary
	KindUnknown
)

var kindNames = map[ReplyKind]string{
	KindNone:          "none",
	KindConfig:        "config",
	KindActivePattern: "active_pattern",
	KindControls:      "controls",
	KindVars:          "vars",
	KindAck:           "ack",
	KindSequencer:     "sequencer",
	KindUpgradeState:  "upgrade_state",
	KindPreviewImage:  "preview_image",
	KindSources:       "sources",
	KindPatternList:   "pattern_list",
	KindTelemetry:     "telemetry",
	KindPreviewFrame:  "preview_frame",
	KindBinary:        "binary",
	KindUnknown:       "unknown",
}

// String returns the kind's name.
func (k ReplyKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Binary frame types, carried in the first byte of every binary frame.
const (
	BinaryThumbnail         byte = 4
	BinaryPreviewFrame      byte = 5
	BinarySourceData        byte = 6
	BinaryProgramList       byte = 7
	BinaryPixelMap          byte = 8
	BinaryOutputBoardConfig byte = 9
)

// Binary frame flags, carried in the second byte.
const (
	FlagStart byte = 1
	FlagCont  byte = 2
	FlagEnd   byte = 4
)

// replySpec describes which JSON keys a reply kind accepts and which keys
// must all have been seen before the reply is complete.
type replySpec struct {
	accept   []string
	complete []string
}

var jsonReplies = map[ReplyKind]replySpec{
	KindConfig:        {accept: []string{"name", "activeProgram"}, complete: []string{"name", "activeProgram"}},
	KindActivePattern: {accept: []string{"activeProgram"}, complete: []string{"activeProgram"}},
	KindControls:      {accept: []string{"controls"}, complete: []string{"controls"}},
	KindVars:          {accept: []string{"vars"}, complete: []string{"vars"}},
	KindAck:           {accept: []string{"ack"}, complete: []string{"ack"}},
	KindSequencer:     {accept: []string{"sequencerMode", "runSequencer"}, complete: []string{"runSequencer"}},
	KindUpgradeState:  {accept: []string{"upgradeState"}, complete: []string{"upgradeState"}},
}

// binaryReplies maps a binary frame type to the reply kind it completes.
var binaryReplies = map[byte]ReplyKind{
	BinaryThumbnail:   KindPreviewImage,
	BinarySourceData:  KindSources,
	BinaryProgramList: KindPatternList,
}

// IsBinary reports whether replies of this kind arrive as binary frames.
func (k ReplyKind) IsBinary() bool {
	return k == KindPreviewImage || k == KindSources || k == KindPatternList
}

func (s replySpec) accepts(fields map[string]any) bool {
	for _, key := range s.accept {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

// Reply is the result of a command that waited for a response.
type Reply struct {
	Kind ReplyKind

	// Fields holds the merged top-level keys of every JSON frame the
	// request accepted.
	Fields map[string]any

	// Binary holds a reassembled binary blob.
	Binary []byte

	// Text holds decoded pattern source for KindSources.
	Text string
}

// Frame is a frame no pending request accepted.
type Frame struct {
	Kind       ReplyKind
	Fields     map[string]any
	Raw        []byte
	Binary     []byte
	BinaryType byte
	Text       string
	Received   time.Time
}

// classifyJSON picks the kind an unsolicited JSON frame most resembles.
func classifyJSON(fields map[string]any) ReplyKind {
	if _, ok := fields["fps"]; ok {
		return KindTelemetry
	}
	for _, kind := range []ReplyKind{
		KindConfig, KindActivePattern, KindControls, KindVars,
		KindAck, KindSequencer, KindUpgradeState,
	} {
		if jsonReplies[kind].accepts(fields) {
			return kind
		}
	}
	return KindUnknown
}

// binaryAssembler joins multi-frame binary transfers. It is owned by the
// receive loop and needs no locking.
type binaryAssembler struct {
	parts map[byte][]byte
}

func newBinaryAssembler() *binaryAssembler {
	return &binaryAssembler{parts: make(map[byte][]byte)}
}

// add consumes one binary frame. It returns the completed blob when the
// frame carries the END flag. START discards any earlier partial transfer
// of the same type.
func (a *binaryAssembler) add(data []byte) (typ byte, blob []byte, complete bool) {
	if len(data) < 2 {
		return 0, nil, false
	}
	typ, flags := data[0], data[1]

	if flags&FlagStart != 0 {
		a.parts[typ] = nil
	}
	a.parts[typ] = append(a.parts[typ], data[2:]...)

	if flags&FlagEnd == 0 {
		return typ, nil, false
	}
	blob = a.parts[typ]
	delete(a.parts, typ)
	if blob == nil {
		blob = []byte{}
	}
	return typ, blob, true
}

func (a *binaryAssembler) reset() {
	clear(a.parts)
}
