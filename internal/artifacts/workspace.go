// Package artifacts manages the shared directory the analysis workers write
// their results into. The core only allocates and removes folders; their
// contents belong to the workers.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidName is returned for folder or file names that would escape the workspace
var ErrInvalidName = errors.New("invalid artifact name")

// maxAllocateAttempts bounds how many numbers are skipped when folders already exist
const maxAllocateAttempts = 64

// Folder is an allocated result folder
type Folder struct {
	Number int
	Name   string
	Path   string
}

// Workspace is the shared directory holding one numbered folder per job
type Workspace struct {
	root      string
	prefix    string
	allocator Allocator
	counter   *counterFile
	logger    *slog.Logger
}

// NewWorkspace creates root if needed. allocator may be nil, in which case a
// LocalAllocator seeded from HighWater is used.
func NewWorkspace(root, prefix string, allocator Allocator, logger *slog.Logger) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared dir: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shared dir: %w", err)
	}

	counter, err := openCounterFile(filepath.Join(absRoot, "."+prefix+"_counter"), logger)
	if err != nil {
		return nil, err
	}

	w := &Workspace{
		root:    absRoot,
		prefix:  prefix,
		counter: counter,
		logger:  logger,
	}

	if allocator == nil {
		highWater, err := w.HighWater()
		if err != nil {
			return nil, err
		}
		allocator = NewLocalAllocator(highWater)
	}
	w.allocator = allocator

	return w, nil
}

// UseAllocator replaces the folder number source. Call it before the first Allocate.
func (w *Workspace) UseAllocator(allocator Allocator) {
	w.allocator = allocator
}

// Root returns the absolute workspace directory
func (w *Workspace) Root() string {
	return w.root
}

// HighWater returns the largest folder number ever allocated or present in the workspace
func (w *Workspace) HighWater() (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read shared dir: %w", err)
	}

	highest := w.counter.value()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, ok := w.parseName(entry.Name()); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// Allocate reserves a new folder. Every number is recorded in the counter file
// before its folder is created, and folders are created exclusively, so a number
// is never handed out twice even after its folder was deleted.
func (w *Workspace) Allocate(ctx context.Context) (*Folder, error) {
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		n, err := w.allocator.Next(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.counter.record(n); err != nil {
			return nil, err
		}

		name := w.FolderName(n)
		path := filepath.Join(w.root, name)

		err = os.Mkdir(path, 0o755)
		if err == nil {
			return &Folder{Number: n, Name: name, Path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create result folder: %w", err)
		}

		w.logger.Warn("Result folder already exists, skipping number",
			slog.String("folder", name),
		)
	}

	return nil, fmt.Errorf("failed to allocate result folder after %d attempts", maxAllocateAttempts)
}

// FolderName formats a folder number as <prefix>_0001
func (w *Workspace) FolderName(n int) string {
	return fmt.Sprintf("%s_%04d", w.prefix, n)
}

// FolderPath resolves a folder name inside the workspace
func (w *Workspace) FolderPath(name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(w.root, name), nil
}

// Remove deletes a folder and everything the workers wrote into it
func (w *Workspace) Remove(name string) error {
	if name == "" {
		return nil
	}

	path, err := w.FolderPath(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove result folder: %w", err)
	}
	return nil
}

// Heatmaps lists the heatmap files of a folder, skipping hidden files
func (w *Workspace) Heatmaps(name string) ([]string, error) {
	path, err := w.FolderPath(name)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(path, heatmapsDirName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read heatmaps: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// HeatmapPath resolves a single heatmap file of a folder
func (w *Workspace) HeatmapPath(name, file string) (string, error) {
	path, err := w.FolderPath(name)
	if err != nil {
		return "", err
	}
	if !validName(file) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, file)
	}
	return filepath.Join(path, heatmapsDirName, file), nil
}

func (w *Workspace) parseName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, w.prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

const heatmapsDirName = "heatmaps"

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
