package client

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

// backupIndex is the archive entry mapping pattern ids to names.
const backupIndex = "index.txt"

// Backup downloads patterns and writes them to w as a zip archive of
// <id>.bin entries plus an index of names. With no patterns given, every
// pattern on the controller is backed up. Patterns that cannot be found
// or downloaded are skipped. It returns the number of patterns written.
func (c *Client) Backup(ctx context.Context, w io.Writer, patterns ...string) (int, error) {
	list, err := c.PatternList(ctx)
	if err != nil {
		return 0, err
	}
	if len(patterns) == 0 {
		for pid := range list {
			patterns = append(patterns, pid)
		}
		slices.Sort(patterns)
	}

	archive := zip.NewWriter(w)
	index := make(map[string]string)

	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return len(index), err
		}
		pid, name, err := resolveIn(list, pattern)
		if err != nil {
			c.logWarn("backup: pattern not found", "pattern", pattern)
			continue
		}
		data, err := c.downloadPatternID(ctx, pid, name)
		if err != nil {
			c.logWarn("backup: download failed", "pattern", pattern, "error", err)
			continue
		}

		f, err := archive.Create(pid + patternExt)
		if err != nil {
			return len(index), fmt.Errorf("backup: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			return len(index), fmt.Errorf("backup: %w", err)
		}
		index[pid] = name
	}

	indexData, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return len(index), fmt.Errorf("backup: encode index: %w", err)
	}
	f, err := archive.Create(backupIndex)
	if err != nil {
		return len(index), fmt.Errorf("backup: %w", err)
	}
	if _, err := f.Write(indexData); err != nil {
		return len(index), fmt.Errorf("backup: %w", err)
	}
	if err := archive.Close(); err != nil {
		return len(index), fmt.Errorf("backup: %w", err)
	}

	c.logInfo("backup complete", "patterns", len(index))
	return len(index), nil
}

// BackupEntry describes one pattern in a backup archive.
type BackupEntry struct {
	ID   string
	Name string // "" when the archive has no index
}

// ListBackup returns the patterns held in a backup archive.
func ListBackup(r io.ReaderAt, size int64) ([]BackupEntry, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBackup, err)
	}
	index := readBackupIndex(archive)

	var entries []BackupEntry
	for _, f := range archive.File {
		if f.Name == backupIndex || f.FileInfo().IsDir() {
			continue
		}
		pid := strings.TrimSuffix(f.Name, patternExt)
		if err := checkPatternID(pid); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrInvalidBackup, f.Name, err)
		}
		entries = append(entries, BackupEntry{ID: pid, Name: index[pid]})
	}
	return entries, nil
}

func readBackupIndex(archive *zip.Reader) map[string]string {
	index := map[string]string{}
	f, err := archive.Open(backupIndex)
	if err != nil {
		return index
	}
	defer f.Close()
	//nolint:errcheck // an unreadable index leaves names unknown
	json.NewDecoder(f).Decode(&index)
	return index
}

// Restore uploads patterns from a backup archive. With no patterns given,
// every entry is restored; otherwise entries are selected by id or by the
// name recorded in the archive index. It returns the number uploaded.
func (c *Client) Restore(ctx context.Context, r io.ReaderAt, size int64, patterns ...string) (int, error) {
	entries, err := ListBackup(r, size)
	if err != nil {
		return 0, err
	}
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidBackup, err)
	}

	restored := 0
	for _, entry := range entries {
		if len(patterns) > 0 && !slices.Contains(patterns, entry.ID) &&
			(entry.Name == "" || !slices.Contains(patterns, entry.Name)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		blob, err := readArchiveEntry(archive, entry.ID)
		if err != nil {
			return restored, err
		}
		if err := c.UploadPattern(ctx, entry.ID, blob); err != nil {
			c.logWarn("restore: upload failed", "id", entry.ID, "error", err)
			continue
		}
		restored++
	}

	c.logInfo("restore complete", "patterns", restored)
	return restored, nil
}

func readArchiveEntry(archive *zip.Reader, pid string) ([]byte, error) {
	f, err := archive.Open(pid + patternExt)
	if err != nil {
		// Older archives store entries without an extension.
		if f, err = archive.Open(pid); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %w", ErrInvalidBackup, pid, err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", ErrInvalidBackup, pid, err)
	}
	return data, nil
}

// ClonePatterns copies patterns from this controller to dst. With no
// patterns given, every pattern is copied. It returns the number copied.
func (c *Client) ClonePatterns(ctx context.Context, dst *Client, patterns ...string) (int, error) {
	list, err := c.PatternList(ctx)
	if err != nil {
		return 0, err
	}
	if len(patterns) == 0 {
		for pid := range list {
			patterns = append(patterns, pid)
		}
		slices.Sort(patterns)
	}

	copied := 0
	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		pid, name, err := resolveIn(list, pattern)
		if err != nil {
			c.logWarn("clone: pattern not found", "pattern", pattern)
			continue
		}
		blob, err := c.downloadPatternID(ctx, pid, name)
		if err != nil {
			c.logWarn("clone: download failed", "pattern", pattern, "error", err)
			continue
		}
		if err := dst.UploadPattern(ctx, pid, blob); err != nil {
			c.logWarn("clone: upload failed", "pattern", pattern, "target", dst.Address(), "error", err)
			continue
		}
		copied++
	}
	return copied, nil
}
