package client

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pixelbridge/internal/session"
)

// fakeWebServer serves the controller's pattern endpoints.
type fakeWebServer struct {
	*httptest.Server

	mu       sync.Mutex
	patterns map[string][]byte
	uploads  map[string][]byte
	fields   []string
}

func newFakeWebServer(t *testing.T, patterns map[string][]byte) *fakeWebServer {
	t.Helper()
	f := &fakeWebServer{patterns: patterns, uploads: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /p/{pid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data, ok := f.patterns[r.PathValue("pid")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data) //nolint:errcheck // test server
	})
	mux.HandleFunc("POST /edit", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("data")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		f.mu.Lock()
		f.fields = append(f.fields, header.Filename+" "+header.Header.Get("Content-Type"))
		f.uploads[strings.TrimPrefix(header.Filename, "/p/")] = data
		f.mu.Unlock()
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeWebServer) hostPort() string {
	return strings.TrimPrefix(f.URL, "http://")
}

func (f *fakeWebServer) uploaded() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

func newHTTPClient(t *testing.T, srv *fakeWebServer) (*Client, *MockCommander) {
	t.Helper()
	m := NewMockCommander(srv.hostPort())
	m.On("listPrograms", patternListReply())
	c := New(m, Options{
		CacheTTL:   time.Minute,
		PatternDir: t.TempDir(),
	})
	return c, m
}

func TestClient_DownloadPattern(t *testing.T) {
	srv := newFakeWebServer(t, map[string][]byte{"b2": []byte("fire-binary")})
	c, _ := newHTTPClient(t, srv)
	ctx := context.Background()

	data, err := c.DownloadPattern(ctx, "Fire")
	if err != nil {
		t.Fatalf("DownloadPattern() error = %v", err)
	}
	if string(data) != "fire-binary" {
		t.Errorf("DownloadPattern() = %q", data)
	}

	if _, err := c.DownloadPattern(ctx, "Rainbow"); !errors.Is(err, ErrDownloadFailed) {
		t.Errorf("DownloadPattern(Rainbow) error = %v, want ErrDownloadFailed", err)
	}
	if _, err := c.DownloadPattern(ctx, "Unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DownloadPattern(Unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClient_SavePatternFile(t *testing.T) {
	srv := newFakeWebServer(t, map[string][]byte{"b2": []byte("fire-binary")})
	c, _ := newHTTPClient(t, srv)

	path, err := c.SavePatternFile(context.Background(), "b2")
	if err != nil {
		t.Fatalf("SavePatternFile() error = %v", err)
	}
	if filepath.Base(path) != "b2.bin" {
		t.Errorf("path = %s, want b2.bin", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "fire-binary" {
		t.Errorf("file contents = %q", data)
	}
}

func TestCheckPatternID(t *testing.T) {
	tests := []struct {
		pid     string
		wantErr bool
	}{
		{"a1b2c3", false},
		{"Fire_Storm-2", false},
		{"", true},
		{"../evil", true},
		{"..", true},
		{"nested/a1", true},
		{`nested\a1`, true},
		{"a1..b2", true},
	}

	for _, tt := range tests {
		t.Run(tt.pid, func(t *testing.T) {
			err := checkPatternID(tt.pid)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkPatternID(%q) error = %v, wantErr %v", tt.pid, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPatternID) {
				t.Errorf("error = %v, want ErrInvalidPatternID", err)
			}
		})
	}
}

func TestClient_SavePatternFile_RejectsTraversal(t *testing.T) {
	srv := newFakeWebServer(t, map[string][]byte{"evil": []byte("payload")})
	c, m := newHTTPClient(t, srv)
	m.On("listPrograms", &session.Reply{
		Kind:   session.KindPatternList,
		Binary: []byte("../evil\tEvil\n"),
	})

	_, err := c.SavePatternFile(context.Background(), "Evil")
	if !errors.Is(err, ErrInvalidPatternID) {
		t.Fatalf("SavePatternFile() error = %v, want ErrInvalidPatternID", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(c.patternDir), "evil.bin")); statErr == nil {
		t.Error("pattern written outside the pattern directory")
	}
	if _, err := c.DownloadPattern(context.Background(), "Evil"); !errors.Is(err, ErrInvalidPatternID) {
		t.Errorf("DownloadPattern() error = %v, want ErrInvalidPatternID", err)
	}
}

func TestRestore_RejectsTraversalEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../evil.bin")
	w.Write([]byte("payload")) //nolint:errcheck // in-memory
	zw.Close()

	dst := newFakeWebServer(t, nil)
	target, _ := newHTTPClient(t, dst)

	_, err := target.Restore(context.Background(), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if !errors.Is(err, ErrInvalidBackup) || !errors.Is(err, ErrInvalidPatternID) {
		t.Errorf("Restore() error = %v, want ErrInvalidBackup wrapping ErrInvalidPatternID", err)
	}
	if got := dst.uploaded(); len(got) != 0 {
		t.Errorf("uploaded %v from a rejected archive", got)
	}
}

func TestClient_UploadPattern(t *testing.T) {
	srv := newFakeWebServer(t, nil)
	c, _ := newHTTPClient(t, srv)
	ctx := context.Background()

	c.PatternList(ctx) //nolint:errcheck // priming cache
	if err := c.UploadPattern(ctx, "d4", []byte{1, 2, 3}); err != nil {
		t.Fatalf("UploadPattern() error = %v", err)
	}

	if got := srv.uploaded()["d4"]; !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("uploaded = %v", got)
	}
	srv.mu.Lock()
	field := srv.fields[0]
	srv.mu.Unlock()
	if field != "/p/d4 application/octet-stream" {
		t.Errorf("upload part = %q", field)
	}
	if c.Cache().Len() != 0 {
		t.Error("upload should clear the cache")
	}

	if err := c.UploadPattern(ctx, "", []byte{1}); !errors.Is(err, ErrInvalidPatternID) {
		t.Errorf("UploadPattern(empty id) error = %v, want ErrInvalidPatternID", err)
	}
	if err := c.UploadPattern(ctx, "d4", nil); !errors.Is(err, ErrUploadFailed) {
		t.Errorf("UploadPattern(no data) error = %v, want ErrUploadFailed", err)
	}
}

func TestClient_ReadPatternFile(t *testing.T) {
	srv := newFakeWebServer(t, nil)
	c, _ := newHTTPClient(t, srv)

	dir := c.patternDir
	os.WriteFile(filepath.Join(dir, "a1.bin"), []byte("..Rainbow.."), 0o644) //nolint:errcheck // test fixture
	sub := filepath.Join(dir, "nested")
	os.Mkdir(sub, 0o755)                                                      //nolint:errcheck // test fixture
	os.WriteFile(filepath.Join(sub, "b2.bin"), []byte("..Fire Storm.."), 0o644) //nolint:errcheck // test fixture

	tests := []struct {
		name    string
		input   string
		wantID  string
		wantErr error
	}{
		{"by id", "a1", "a1", nil},
		{"by file name", "a1.bin", "a1", nil},
		{"by pattern name", "Fire Storm", "b2", nil},
		{"missing", "Nothing Here", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, blob, err := c.ReadPatternFile(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ReadPatternFile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadPatternFile() error = %v", err)
			}
			if pid != tt.wantID || len(blob) == 0 {
				t.Errorf("ReadPatternFile() = (%q, %d bytes), want %q", pid, len(blob), tt.wantID)
			}
		})
	}

	pid, err := c.LoadPatternFile(context.Background(), "Fire Storm")
	if err != nil {
		t.Fatalf("LoadPatternFile() error = %v", err)
	}
	if pid != "b2" || srv.uploaded()["b2"] == nil {
		t.Errorf("LoadPatternFile() = %q, uploads = %v", pid, srv.uploaded())
	}
}

func TestClient_BackupRestore(t *testing.T) {
	src := newFakeWebServer(t, map[string][]byte{
		"a1": []byte("rainbow-binary"),
		"b2": []byte("fire-binary"),
		// c3 is listed but not downloadable and is skipped.
	})
	c, _ := newHTTPClient(t, src)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := c.Backup(ctx, &buf)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Backup() = %d, want 2", n)
	}

	archive := bytes.NewReader(buf.Bytes())
	entries, err := ListBackup(archive, int64(buf.Len()))
	if err != nil {
		t.Fatalf("ListBackup() error = %v", err)
	}
	names := map[string]string{}
	for _, e := range entries {
		names[e.ID] = e.Name
	}
	if names["a1"] != "Rainbow" || names["b2"] != "Fire" || len(names) != 2 {
		t.Errorf("ListBackup() = %v", entries)
	}

	dst := newFakeWebServer(t, nil)
	target, _ := newHTTPClient(t, dst)

	n, err = target.Restore(ctx, archive, int64(buf.Len()), "Fire")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 || string(dst.uploaded()["b2"]) != "fire-binary" {
		t.Errorf("Restore(Fire) = %d, uploads = %v", n, dst.uploaded())
	}

	n, _ = target.Restore(ctx, archive, int64(buf.Len()))
	if n != 2 || string(dst.uploaded()["a1"]) != "rainbow-binary" {
		t.Errorf("Restore() = %d, uploads = %v", n, dst.uploaded())
	}
}

func TestRestore_LegacyEntryNames(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("e5")
	w.Write([]byte("legacy")) //nolint:errcheck // in-memory
	zw.Close()

	dst := newFakeWebServer(t, nil)
	target, _ := newHTTPClient(t, dst)

	n, err := target.Restore(context.Background(), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 || string(dst.uploaded()["e5"]) != "legacy" {
		t.Errorf("Restore() = %d, uploads = %v", n, dst.uploaded())
	}
}

func TestListBackup_Invalid(t *testing.T) {
	data := []byte("not a zip")
	if _, err := ListBackup(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrInvalidBackup) {
		t.Errorf("ListBackup() error = %v, want ErrInvalidBackup", err)
	}
}

func TestClient_ClonePatterns(t *testing.T) {
	src := newFakeWebServer(t, map[string][]byte{"a1": []byte("rainbow-binary")})
	c, _ := newHTTPClient(t, src)
	dst := newFakeWebServer(t, nil)
	target, _ := newHTTPClient(t, dst)

	n, err := c.ClonePatterns(context.Background(), target, "Rainbow", "Fire", "Missing")
	if err != nil {
		t.Fatalf("ClonePatterns() error = %v", err)
	}
	if n != 1 || string(dst.uploaded()["a1"]) != "rainbow-binary" {
		t.Errorf("ClonePatterns() = %d, uploads = %v", n, dst.uploaded())
	}
}

func TestClient_ExportEPE(t *testing.T) {
	srv := newFakeWebServer(t, nil)
	c, m := newHTTPClient(t, srv)
	m.On("getSources", &session.Reply{
		Kind: session.KindSources,
		Text: `{"main":"export function render(index) {}"}`,
	})
	m.On("getPreviewImg", &session.Reply{
		Kind:   session.KindPreviewImage,
		Binary: append([]byte("b2"), 0xFF, 0xD8),
	})

	path, err := c.SaveEPEFile(context.Background(), "Fire")
	if err != nil {
		t.Fatalf("SaveEPEFile() error = %v", err)
	}
	if filepath.Base(path) != "Fire.epe" {
		t.Errorf("path = %s, want Fire.epe", path)
	}

	data, _ := os.ReadFile(path)
	var epe EPE
	if err := json.Unmarshal(data, &epe); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if epe.ID != "b2" || epe.Name != "Fire" {
		t.Errorf("export identity = (%q, %q)", epe.ID, epe.Name)
	}
	if !strings.Contains(string(epe.Sources), "render") {
		t.Errorf("export sources = %s", epe.Sources)
	}
	if epe.Preview != base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8}) {
		t.Errorf("export preview = %q", epe.Preview)
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Fire", "Fire"},
		{"a/b", "a_b"},
		{`c\d`, "c_d"},
		{"..", "pattern"},
		{"", "pattern"},
	}
	for _, tt := range tests {
		if got := safeFileName(tt.in); got != tt.want {
			t.Errorf("safeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
