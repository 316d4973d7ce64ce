package client

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/pixelbridge/internal/session"
)

// Pattern is one entry of the controller's pattern list.
type Pattern struct {
	ID   string
	Name string
}

// PatternList returns every pattern stored on the controller, keyed by id.
func (c *Client) PatternList(ctx context.Context) (map[string]string, error) {
	reply, err := c.query(ctx, "listPrograms", map[string]any{"listPrograms": true}, session.KindPatternList)
	if err != nil {
		return nil, err
	}
	return parsePatternList(reply.Binary), nil
}

// Patterns returns the pattern list ordered by name, then id.
func (c *Client) Patterns(ctx context.Context) ([]Pattern, error) {
	list, err := c.PatternList(ctx)
	if err != nil {
		return nil, err
	}
	patterns := make([]Pattern, 0, len(list))
	for id, name := range list {
		patterns = append(patterns, Pattern{ID: id, Name: name})
	}
	slices.SortFunc(patterns, func(a, b Pattern) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return patterns, nil
}

// parsePatternList decodes "id\tname" lines. Malformed lines are skipped.
func parsePatternList(data []byte) map[string]string {
	patterns := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		id, name, ok := strings.Cut(line, "\t")
		if !ok || id == "" || strings.Contains(name, "\t") {
			continue
		}
		patterns[id] = name
	}
	return patterns
}

// ResolvePattern maps an id or name to the pattern's id and name. An exact
// id match wins; otherwise the first pattern whose name matches exactly
// (case-sensitive) is used.
func (c *Client) ResolvePattern(ctx context.Context, idOrName string) (id, name string, err error) {
	list, err := c.PatternList(ctx)
	if err != nil {
		return "", "", err
	}
	return resolveIn(list, idOrName)
}

func resolveIn(list map[string]string, idOrName string) (id, name string, err error) {
	if name, ok := list[idOrName]; ok {
		return idOrName, name, nil
	}

	// Map order is random; pick the smallest id for a stable answer.
	var match string
	for pid, pname := range list {
		if pname == idOrName && (match == "" || pid < match) {
			match = pid
		}
	}
	if match == "" {
		return "", "", fmt.Errorf("%w: pattern %q", ErrNotFound, idOrName)
	}
	return match, idOrName, nil
}

// patternOrActive resolves pattern, or returns the running pattern's id
// when pattern is empty.
func (c *Client) patternOrActive(ctx context.Context, pattern string) (string, error) {
	if pattern == "" {
		pid, err := c.ActivePattern(ctx)
		if err != nil {
			return "", err
		}
		if pid == "" {
			return "", fmt.Errorf("%w: no active pattern", ErrNotFound)
		}
		return pid, nil
	}
	pid, _, err := c.ResolvePattern(ctx, pattern)
	return pid, err
}

// stripPatternID removes the pattern id the controller prefixes to
// thumbnail data.
func stripPatternID(data []byte, pid string) []byte {
	if pid == "" {
		return data
	}
	return bytes.ReplaceAll(data, []byte(pid), nil)
}
