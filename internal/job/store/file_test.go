package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newRecord(id string, offset time.Duration) *domain.Record {
	return &domain.Record{
		ID:           id,
		FileName:     id + ".jpg",
		Operation:    "ac-1",
		OutputType:   domain.OutputTypeResult,
		Status:       domain.StatusProcessing,
		ResultFolder: "analysis_0001",
		InputPath:    "/shared/analysis_0001/" + id + ".jpg",
		CreatedAt:    baseTime.Add(offset),
		UpdatedAt:    baseTime.Add(offset),
	}
}

func openTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "jobs.json")
	s, err := OpenFile(path, testLogger())
	require.NoError(t, err)
	return s, path
}

func TestFileStore_CreatesEmptyDocument(t *testing.T) {
	_, path := openTestStore(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobs":[]}`, string(data))
}

func TestFileStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	rec := newRecord("job-1", 0)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// callers hold copies, never the stored record
	got.Status = domain.StatusCompleted
	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, again.Status)

	err = s.Create(ctx, newRecord("job-1", time.Minute))
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)

	_, err = s.Get(ctx, "job-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileStore_Update(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.Create(ctx, newRecord("job-1", 0)))

	updated, err := s.Update(ctx, "job-1", func(rec *domain.Record) error {
		rec.Status = domain.StatusCompleted
		rec.Result = json.RawMessage(`{"score":0.9}`)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, updated.Status)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"score":0.9}`), got.Result)

	abort := errors.New("abort")
	_, err = s.Update(ctx, "job-1", func(rec *domain.Record) error {
		rec.Status = domain.StatusError
		return abort
	})
	assert.ErrorIs(t, err, abort)

	got, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	_, err = s.Update(ctx, "job-404", func(*domain.Record) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.Create(ctx, newRecord("job-1", 0)))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "job-1", func(rec *domain.Record) error {
				if rec.Status.IsTerminal() {
					return domain.ErrAlreadyTerminal
				}
				rec.Status = domain.StatusCompleted
				return nil
			})
			if err == nil {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Create(ctx, newRecord("job-a", 0)))
	require.NoError(t, s.Create(ctx, newRecord("job-c", 2*time.Minute)))
	require.NoError(t, s.Create(ctx, newRecord("job-b", time.Minute)))
	require.NoError(t, s.Create(ctx, newRecord("job-d", time.Minute)))

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-c", "job-d", "job-b", "job-a"}, ids(all))

	page, err := s.List(ctx, ListFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-c", "job-d"}, ids(page))

	last := page[len(page)-1]
	next, err := s.List(ctx, ListFilter{PageSize: 2, Cursor: &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b", "job-a"}, ids(next))

	_, err = s.Update(ctx, "job-b", func(rec *domain.Record) error {
		rec.Status = domain.StatusError
		return nil
	})
	require.NoError(t, err)

	errored, err := s.List(ctx, ListFilter{Status: domain.StatusError})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b"}, ids(errored))

	older, err := s.List(ctx, ListFilter{CreatedBefore: baseTime.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, ids(older))
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.Create(ctx, newRecord("job-1", 0)))

	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, "job-1"), domain.ErrNotFound)
}

func TestFileStore_ReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	require.NoError(t, s.Create(ctx, newRecord("job-1", 0)))
	require.NoError(t, s.Create(ctx, newRecord("job-2", time.Minute)))
	require.NoError(t, s.Create(ctx, newRecord("job-3", 2*time.Minute)))

	_, err := s.Update(ctx, "job-1", func(rec *domain.Record) error {
		rec.Status = domain.StatusCompleted
		rec.Result = json.RawMessage(`{"score":0.9,"labels":["fake"]}`)
		rec.UpdatedAt = baseTime.Add(5 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "job-2", func(rec *domain.Record) error {
		rec.Status = domain.StatusError
		rec.Error = "decode failed"
		return nil
	})
	require.NoError(t, err)

	before, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path, testLogger())
	require.NoError(t, err)

	after, err := reopened.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenFile(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job store")
}

func ids(records []*domain.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}
