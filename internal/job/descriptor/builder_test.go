package descriptor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return path
}

func TestBuild(t *testing.T) {
	image := writeInput(t, "fake.jpg")
	video := writeInput(t, "real.mp4")

	tests := []struct {
		name        string
		intent      Intent
		wantOutputs []domain.OutputSpec
	}{
		{
			name: "image result only",
			intent: Intent{
				ID: "job-1", Operation: "ac-1", InputPath: image, InputMimeType: "image/jpeg",
				OutputType: domain.OutputTypeResult, OutputDir: "/shared/analysis_0001", ReplyTo: "task_response",
			},
			wantOutputs: []domain.OutputSpec{
				{Kind: "result", MimeType: "application/json", Provider: "local_dir", Path: "/shared/analysis_0001/result.json"},
			},
		},
		{
			name: "image with heatmaps",
			intent: Intent{
				ID: "job-2", Operation: "ac-1", InputPath: image,
				OutputType: domain.OutputTypeResultHeatmaps, OutputDir: "/shared/analysis_0002", ReplyTo: "task_response",
			},
			wantOutputs: []domain.OutputSpec{
				{Kind: "result", MimeType: "application/json", Provider: "local_dir", Path: "/shared/analysis_0002/result.json"},
				{Kind: "heatmaps", MimeType: "image/png", Provider: "local_dir", Path: "/shared/analysis_0002/heatmaps", Filename: "processed-image{ext}"},
			},
		},
		{
			name: "video with heatmaps",
			intent: Intent{
				ID: "job-3", Operation: "df-1", InputPath: video,
				OutputType: domain.OutputTypeResultHeatmaps, OutputDir: "/shared/analysis_0003", ReplyTo: "task_response",
			},
			wantOutputs: []domain.OutputSpec{
				{Kind: "result", MimeType: "application/json", Provider: "local_dir", Path: "/shared/analysis_0003/result.json"},
				{Kind: "heatmaps", MimeType: "video/mp4", Provider: "local_dir", Path: "/shared/analysis_0003/heatmaps", Filename: "video-heatmap-{faceid}{ext}"},
			},
		},
		{
			name: "empty output type means result",
			intent: Intent{
				ID: "job-4", Operation: "df-1", InputPath: video, OutputDir: "/shared/analysis_0004", ReplyTo: "task_response",
			},
			wantOutputs: []domain.OutputSpec{
				{Kind: "result", MimeType: "application/json", Provider: "local_dir", Path: "/shared/analysis_0004/result.json"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := Build(tt.intent)
			require.NoError(t, err)

			assert.Equal(t, tt.intent.ID, desc.ID)
			assert.Equal(t, 1, desc.Version)
			assert.Equal(t, domain.Operation{Name: tt.intent.Operation, Version: "1.0.0"}, desc.Op)
			assert.Equal(t, tt.intent.InputPath, desc.Input.Path)
			assert.Equal(t, "local_dir", desc.Input.Provider)
			assert.Equal(t, tt.wantOutputs, desc.Outputs)
			assert.Equal(t, domain.Callback{Mode: "rabbitmq", ReplyTo: "task_response"}, desc.Callback)
			assert.NoError(t, desc.Validate())
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	image := writeInput(t, "fake.jpg")

	_, err := Build(Intent{ID: "job-1", Operation: "zz-9", InputPath: image, ReplyTo: "q"})
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)

	_, err = Build(Intent{ID: "job-1", Operation: "ac-1", InputPath: image, OutputType: "heatmaps only", ReplyTo: "q"})
	assert.ErrorIs(t, err, domain.ErrInvalidOutputType)

	_, err = Build(Intent{ID: "job-1", Operation: "ac-1", InputPath: filepath.Join(t.TempDir(), "missing.jpg"), ReplyTo: "q"})
	assert.ErrorIs(t, err, domain.ErrInputNotFound)

	_, err = Build(Intent{ID: "job-1", Operation: "ac-1", ReplyTo: "q"})
	assert.ErrorIs(t, err, domain.ErrInputNotFound)
}

func TestBuild_WireFormat(t *testing.T) {
	image := writeInput(t, "fake.jpg")

	desc, err := Build(Intent{
		ID: "job-1", Operation: "ac-1", InputPath: image, InputMimeType: "image/jpeg",
		OutputType: domain.OutputTypeResult, OutputDir: "/shared/a", ReplyTo: "task_response",
	})
	require.NoError(t, err)

	body, err := json.Marshal(desc)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))

	assert.Equal(t, "job-1", wire["id"])
	assert.Equal(t, float64(1), wire["version"])
	assert.Equal(t, map[string]any{"name": "ac-1", "version": "1.0.0"}, wire["op"])
	assert.Equal(t, map[string]any{"mimeType": "image/jpeg", "provider": "local_dir", "path": image}, wire["input"])
	assert.Equal(t, map[string]any{"mode": "rabbitmq", "replyTo": "task_response"}, wire["callback"])

	outputs := wire["outputs"].([]any)
	require.Len(t, outputs, 1)
	assert.NotContains(t, outputs[0], "filename")
}

func TestIsKnownOperation(t *testing.T) {
	for _, op := range Operations() {
		assert.True(t, IsKnownOperation(op))
	}
	assert.False(t, IsKnownOperation("zz-9"))
}
