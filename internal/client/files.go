package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// patternExt is the on-disk extension for pattern binaries.
const patternExt = ".bin"

// httpURL builds a URL on the controller's web server.
func (c *Client) httpURL(path string) string {
	u := url.URL{Scheme: "http", Host: c.sess.Address(), Path: path}
	return u.String()
}

// DownloadPattern fetches a pattern's binary by id or name.
func (c *Client) DownloadPattern(ctx context.Context, pattern string) ([]byte, error) {
	pid, name, err := c.ResolvePattern(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return c.downloadPatternID(ctx, pid, name)
}

// checkPatternID rejects ids that are empty or contain path separators or
// "..". Ids come from controllers and archives and end up in file paths
// and URLs.
func checkPatternID(pid string) error {
	if pid == "" || strings.ContainsAny(pid, `/\`) || strings.Contains(pid, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPatternID, pid)
	}
	return nil
}

func (c *Client) downloadPatternID(ctx context.Context, pid, name string) ([]byte, error) {
	if err := checkPatternID(pid); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL("/p/"+pid), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrDownloadFailed, pid, resp.StatusCode)
	}

	c.logInfo("downloaded pattern", "id", pid, "name", name, "bytes", len(data))
	return data, nil
}

// SavePatternFile downloads a pattern and writes it to <id>.bin in the
// pattern directory. It returns the file path.
func (c *Client) SavePatternFile(ctx context.Context, pattern string) (string, error) {
	pid, name, err := c.ResolvePattern(ctx, pattern)
	if err != nil {
		return "", err
	}
	if err := checkPatternID(pid); err != nil {
		return "", err
	}
	data, err := c.downloadPatternID(ctx, pid, name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.patternDir, pid+patternExt)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // pattern files are not secret
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	c.logInfo("saved pattern", "name", name, "path", path)
	return path, nil
}

// UploadPattern stores blob on the controller as pattern pid.
func (c *Client) UploadPattern(ctx context.Context, pid string, blob []byte) error {
	if err := checkPatternID(pid); err != nil {
		return err
	}
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty pattern data", ErrUploadFailed)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename="/p/%s"`, pid))
	header.Set("Content-Type", "application/octet-stream")
	part, err := form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if _, err := part.Write(blob); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL("/edit"), &body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUploadFailed, pid, resp.StatusCode)
	}

	c.cache.InvalidateAll()
	c.logInfo("uploaded pattern", "id", pid, "bytes", len(blob))
	return nil
}

// ReadPatternFile loads a pattern binary from disk. name may be a pattern
// id (with or without .bin) or a pattern name; a name is found by
// searching the .bin files under the pattern directory for it.
func (c *Client) ReadPatternFile(name string) (pid string, blob []byte, err error) {
	base := filepath.Base(strings.TrimSuffix(name, patternExt))
	path := filepath.Join(c.patternDir, base+patternExt)

	if _, statErr := os.Stat(path); statErr != nil {
		path, err = c.findPatternFile(strings.TrimSuffix(name, patternExt))
		if err != nil {
			return "", nil, err
		}
	}

	blob, err = os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	pid = strings.TrimSuffix(filepath.Base(path), patternExt)
	c.logInfo("loaded pattern file", "pattern", name, "path", path)
	return pid, blob, nil
}

// errFound stops the directory walk once a match is found.
var errFound = errors.New("found")

// findPatternFile returns the first .bin file containing patternName.
func (c *Client) findPatternFile(patternName string) (string, error) {
	needle := []byte(patternName)
	var match string

	err := filepath.WalkDir(c.patternDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() || !strings.HasSuffix(path, patternExt) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil //nolint:nilerr // unreadable files are skipped
		}
		if bytes.Contains(data, needle) {
			match = path
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("search %s: %w", c.patternDir, err)
	}
	if match == "" {
		return "", fmt.Errorf("%w: pattern file %q", ErrNotFound, patternName)
	}
	return match, nil
}

// LoadPatternFile reads a pattern file and uploads it. It returns the
// pattern id used.
func (c *Client) LoadPatternFile(ctx context.Context, name string) (string, error) {
	pid, blob, err := c.ReadPatternFile(name)
	if err != nil {
		return "", err
	}
	if err := c.UploadPattern(ctx, pid, blob); err != nil {
		return "", err
	}
	return pid, nil
}
