package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
)

func TestJobCursor(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := &store.Cursor{
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
			JobID:     "job-5f0c|odd",
		}

		out, err := DecodeJobCursor(EncodeJobCursor(in))
		require.NoError(t, err)
		assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
		assert.Equal(t, in.JobID, out.JobID)
	})

	t.Run("empty means first page", func(t *testing.T) {
		cursor, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	invalid := map[string]string{
		"not base64":    "%%%",
		"no separator":  base64.RawURLEncoding.EncodeToString([]byte("1700000000")),
		"empty job id":  base64.RawURLEncoding.EncodeToString([]byte("1700000000|")),
		"bad timestamp": base64.RawURLEncoding.EncodeToString([]byte("yesterday|job-1")),
	}
	for name, value := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJobCursor(value)
			assert.Error(t, err)
		})
	}
}
