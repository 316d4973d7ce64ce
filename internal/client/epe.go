package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EPE is the pattern export format understood by the controller's web UI.
type EPE struct {
	Name    string          `json:"name"`
	ID      string          `json:"id"`
	Sources json.RawMessage `json:"sources,omitempty"`
	Preview string          `json:"preview,omitempty"` // base64 JPEG
}

// ExportEPE builds an export of a pattern's source and thumbnail.
func (c *Client) ExportEPE(ctx context.Context, pattern string) (*EPE, error) {
	pid, name, err := c.ResolvePattern(ctx, pattern)
	if err != nil {
		return nil, err
	}

	epe := &EPE{Name: name, ID: pid}

	sources, err := c.SourcesText(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("fetch sources: %w", err)
	}
	if sources != "" && json.Valid([]byte(sources)) {
		epe.Sources = json.RawMessage(sources)
	} else if sources != "" {
		c.logWarn("pattern sources are not valid JSON, omitting", "id", pid)
	}

	preview, err := c.PreviewImage(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("fetch preview: %w", err)
	}
	if len(preview) > 0 {
		epe.Preview = base64.StdEncoding.EncodeToString(preview)
	}
	return epe, nil
}

// SaveEPEFile exports a pattern to <name>.epe in the pattern directory
// and returns the file path.
func (c *Client) SaveEPEFile(ctx context.Context, pattern string) (string, error) {
	epe, err := c.ExportEPE(ctx, pattern)
	if err != nil {
		return "", err
	}
	return c.WriteEPEFile(epe)
}

// WriteEPEFile writes an export to <name>.epe in the pattern directory.
func (c *Client) WriteEPEFile(epe *EPE) (string, error) {
	data, err := json.MarshalIndent(epe, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}

	path := filepath.Join(c.patternDir, safeFileName(epe.Name)+".epe")
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // exports are not secret
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	c.logInfo("saved pattern export", "name", epe.Name, "path", path)
	return path, nil
}

// safeFileName replaces path separators so a pattern name stays one file.
func safeFileName(name string) string {
	name = strings.NewReplacer("/", "_", `\`, "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "pattern"
	}
	return name
}
