package artifacts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWorkspace_SeedsFromExistingFolders(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"result_0003", "result_0011", "other_0099", "result_abc"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "result_0500"), []byte("file, not dir"), 0o644))

	ws, err := NewWorkspace(root, "result", nil, testLogger())
	require.NoError(t, err)

	folder, err := ws.Allocate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, folder.Number)
	assert.Equal(t, "result_0012", folder.Name)
	assert.DirExists(t, folder.Path)
}

func TestWorkspace_DeletedNumbersStayRetiredAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	ws, err := NewWorkspace(root, "result", nil, testLogger())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := ws.Allocate(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, ws.Remove("result_0003"))
	require.NoError(t, ws.Remove("result_0002"))

	restarted, err := NewWorkspace(root, "result", nil, testLogger())
	require.NoError(t, err)

	highWater, err := restarted.HighWater()
	require.NoError(t, err)
	assert.Equal(t, 3, highWater)

	folder, err := restarted.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "result_0004", folder.Name)

	data, err := os.ReadFile(filepath.Join(root, ".result_counter"))
	require.NoError(t, err)
	assert.Equal(t, "4\n", string(data))
}

func TestNewWorkspace_CorruptCounter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".result_counter"), []byte("seven"), 0o644))

	_, err := NewWorkspace(root, "result", nil, testLogger())
	assert.ErrorContains(t, err, "corrupt folder counter")
}

func TestWorkspace_AllocateSkipsExisting(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, "result", NewLocalAllocator(0), testLogger())
	require.NoError(t, err)

	// created behind the allocator's back
	require.NoError(t, os.Mkdir(filepath.Join(root, "result_0001"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "result_0002"), 0o755))

	folder, err := ws.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "result_0003", folder.Name)
}

func TestWorkspace_ConcurrentAllocate(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "result", nil, testLogger())
	require.NoError(t, err)

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			folder, err := ws.Allocate(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, folder.Number)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, numbers, n)
	sort.Ints(numbers)
	for i, number := range numbers {
		assert.Equal(t, i+1, number)
	}
}

func TestWorkspace_FolderPath(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "result", nil, testLogger())
	require.NoError(t, err)

	tests := []struct {
		name    string
		folder  string
		wantErr bool
	}{
		{name: "plain folder", folder: "result_0001"},
		{name: "empty", folder: "", wantErr: true},
		{name: "parent", folder: "..", wantErr: true},
		{name: "traversal", folder: "../etc", wantErr: true},
		{name: "nested", folder: "a/b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := ws.FolderPath(tt.folder)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(ws.Root(), tt.folder), path)
		})
	}
}

func TestWorkspace_RemoveAndHeatmaps(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "result", nil, testLogger())
	require.NoError(t, err)

	folder, err := ws.Allocate(context.Background())
	require.NoError(t, err)

	files, err := ws.Heatmaps(folder.Name)
	require.NoError(t, err)
	assert.Empty(t, files)

	heatmaps := filepath.Join(folder.Path, "heatmaps")
	require.NoError(t, os.Mkdir(heatmaps, 0o755))
	for _, name := range []string{"video-heatmap-2.mp4", "video-heatmap-1.mp4", ".DS_Store"} {
		require.NoError(t, os.WriteFile(filepath.Join(heatmaps, name), []byte("x"), 0o644))
	}

	files, err = ws.Heatmaps(folder.Name)
	require.NoError(t, err)
	assert.Equal(t, []string{"video-heatmap-1.mp4", "video-heatmap-2.mp4"}, files)

	path, err := ws.HeatmapPath(folder.Name, "video-heatmap-1.mp4")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = ws.HeatmapPath(folder.Name, "../result.json")
	assert.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, ws.Remove(folder.Name))
	assert.NoDirExists(t, folder.Path)

	// removing twice and removing nothing are both fine
	assert.NoError(t, ws.Remove(folder.Name))
	assert.NoError(t, ws.Remove(""))
}

func TestRedisAllocator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	t.Run("seeds from high water", func(t *testing.T) {
		alloc, err := NewRedisAllocator(ctx, client, "folders:a", 7)
		require.NoError(t, err)

		n, err := alloc.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
	})

	t.Run("keeps a counter that is ahead", func(t *testing.T) {
		require.NoError(t, mr.Set("folders:b", "40"))

		alloc, err := NewRedisAllocator(ctx, client, "folders:b", 7)
		require.NoError(t, err)

		n, err := alloc.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 41, n)
	})

	t.Run("advances a counter that fell behind", func(t *testing.T) {
		require.NoError(t, mr.Set("folders:c", "2"))

		alloc, err := NewRedisAllocator(ctx, client, "folders:c", 9)
		require.NoError(t, err)

		n, err := alloc.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})

	t.Run("shared between allocators", func(t *testing.T) {
		first, err := NewRedisAllocator(ctx, client, "folders:d", 0)
		require.NoError(t, err)
		second, err := NewRedisAllocator(ctx, client, "folders:d", 0)
		require.NoError(t, err)

		seen := map[int]bool{}
		for i := 0; i < 5; i++ {
			a, err := first.Next(ctx)
			require.NoError(t, err)
			b, err := second.Next(ctx)
			require.NoError(t, err)
			seen[a] = true
			seen[b] = true
		}
		assert.Len(t, seen, 10)
	})

	t.Run("workspace allocates through redis", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "result_0003"), 0o755))

		ws, err := NewWorkspace(root, "result", nil, testLogger())
		require.NoError(t, err)
		highWater, err := ws.HighWater()
		require.NoError(t, err)

		alloc, err := NewRedisAllocator(ctx, client, "folders:f", highWater)
		require.NoError(t, err)
		ws.UseAllocator(alloc)

		folder, err := ws.Allocate(ctx)
		require.NoError(t, err)
		assert.Equal(t, "result_0004", folder.Name)
		assert.Equal(t, "4", mustGet(t, mr, "folders:f"))
	})

	t.Run("flushed redis does not reuse deleted numbers", func(t *testing.T) {
		root := t.TempDir()
		ws, err := NewWorkspace(root, "result", NewLocalAllocator(8), testLogger())
		require.NoError(t, err)
		folder, err := ws.Allocate(ctx)
		require.NoError(t, err)
		require.NoError(t, ws.Remove(folder.Name))

		restarted, err := NewWorkspace(root, "result", nil, testLogger())
		require.NoError(t, err)
		highWater, err := restarted.HighWater()
		require.NoError(t, err)

		alloc, err := NewRedisAllocator(ctx, client, "folders:g", highWater)
		require.NoError(t, err)
		restarted.UseAllocator(alloc)

		folder, err = restarted.Allocate(ctx)
		require.NoError(t, err)
		assert.Equal(t, "result_0010", folder.Name)
	})

	t.Run("unavailable redis", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		t.Cleanup(func() { _ = broken.Close() })

		_, err := NewRedisAllocator(ctx, broken, "folders:e", 0)
		assert.Error(t, err)
	})
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
