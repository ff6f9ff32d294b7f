package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// counterFile keeps the largest folder number ever handed out, so numbers of
// deleted folders are not reused after a restart
type counterFile struct {
	mu     sync.Mutex
	path   string
	last   int
	logger *slog.Logger
}

func openCounterFile(path string, logger *slog.Logger) (*counterFile, error) {
	c := &counterFile{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read folder counter: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("corrupt folder counter %s: %q", path, data)
	}
	c.last = n
	return c, nil
}

// value returns the recorded high-water mark
func (c *counterFile) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// record raises the high-water mark to n. Lower numbers are a no-op.
func (c *counterFile) record(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= c.last {
		return nil
	}
	if err := c.write(n); err != nil {
		return err
	}
	c.last = n
	return nil
}

// write replaces the counter with a temp file that is synced and renamed over it
func (c *counterFile) write(n int) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp folder counter: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(strconv.Itoa(n) + "\n"); err != nil {
		cleanup()
		return fmt.Errorf("failed to write folder counter: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync folder counter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close folder counter: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace folder counter: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			c.logger.Debug("Failed to sync shared dir",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
		}
		d.Close()
	}

	return nil
}
