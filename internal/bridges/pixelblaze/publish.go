package pixelblaze

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// updateKey is the feedback key raw pushes are published under in JSON mode.
const updateKey = "update"

// formatValue renders a command result or pushed field as a payload.
// Scalars become text, byte blobs are sent as-is, and everything else is
// JSON. A nil value or empty blob yields ok=false and nothing is published.
//
// Booleans read True/False, matching what existing Pixelblaze MQTT
// automations compare against.
func formatValue(v any) (payload []byte, ok bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []byte:
		return val, len(val) > 0
	case string:
		return []byte(val), true
	case bool:
		if val {
			return []byte("True"), true
		}
		return []byte("False"), true
	case float64:
		return []byte(strconv.FormatFloat(val, 'f', -1, 64)), true
	case float32:
		return []byte(strconv.FormatFloat(float64(val), 'f', -1, 32)), true
	case int:
		return []byte(strconv.Itoa(val)), true
	case int64:
		return []byte(strconv.FormatInt(val, 10)), true
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return data, true
}

// flatten walks a pushed JSON object and returns one payload per leaf,
// keyed by the path joined with underscores: {"activeProgram":{"name":"x"}}
// gives "activeProgram_name". Lists are leaves and publish as JSON.
func flatten(state map[string]any) map[string][]byte {
	out := make(map[string][]byte)
	flattenInto(out, "", state)
	return out
}

func flattenInto(out map[string][]byte, prefix string, state map[string]any) {
	for k, v := range state {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		if payload, ok := formatValue(v); ok {
			out[key] = payload
		}
	}
}

// history remembers the last payload published per flattened key so
// unchanged values are not republished.
type history struct {
	mu   sync.Mutex
	last map[string]string
}

func newHistory() *history {
	return &history{last: make(map[string]string)}
}

// changed records payload under key and reports whether it differs from
// what was recorded before.
func (h *history) changed(key string, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.last[key]; ok && prev == string(payload) {
		return false
	}
	h.last[key] = string(payload)
	return true
}

// reset forgets everything so the next push republishes every field.
func (h *history) reset() {
	h.mu.Lock()
	h.last = make(map[string]string)
	h.mu.Unlock()
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.last)
}

// changedFields filters a flattened push down to the keys whose payload
// changed, in key order.
func (h *history) changedFields(fields map[string][]byte) []string {
	var keys []string
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if h.changed(k, fields[k]) {
			keys = append(keys, k)
		}
	}
	return keys
}
