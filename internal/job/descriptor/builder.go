// Package descriptor assembles the job messages sent to the analysis workers.
package descriptor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

const (
	resultFileName  = "result.json"
	heatmapsDirName = "heatmaps"
	resultMimeType  = "application/json"
)

// heatmapFormat describes the heatmap artifact an operation produces
type heatmapFormat struct {
	MimeType string
	Filename string
}

// heatmapFormats is keyed on operation name. Image operations produce a single
// image, video operations one video per detected face.
var heatmapFormats = map[string]heatmapFormat{
	"ac-1": {MimeType: "image/png", Filename: "processed-image{ext}"},
	"df-1": {MimeType: "video/mp4", Filename: "video-heatmap-{faceid}{ext}"},
}

// Operations returns the operation names the builder knows about
func Operations() []string {
	return []string{"ac-1", "df-1"}
}

// IsKnownOperation reports whether op has an entry in the heatmap table
func IsKnownOperation(op string) bool {
	_, ok := heatmapFormats[op]
	return ok
}

// IsValidOutputType reports whether outputType names a supported output set
func IsValidOutputType(outputType string) bool {
	return outputType == domain.OutputTypeResult || outputType == domain.OutputTypeResultHeatmaps
}

// Intent is what a caller wants analyzed
type Intent struct {
	ID            string
	Operation     string
	InputPath     string
	InputMimeType string
	OutputType    string
	OutputDir     string
	ReplyTo       string
}

// Build assembles a descriptor from intent. The only filesystem access is the
// existence check on the input file.
func Build(intent Intent) (*domain.Descriptor, error) {
	format, ok := heatmapFormats[intent.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, intent.Operation)
	}

	outputType := intent.OutputType
	if outputType == "" {
		outputType = domain.OutputTypeResult
	}
	if !IsValidOutputType(outputType) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidOutputType, outputType)
	}

	if intent.InputPath == "" {
		return nil, fmt.Errorf("%w: empty path", domain.ErrInputNotFound)
	}
	if _, err := os.Stat(intent.InputPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInputNotFound, intent.InputPath)
		}
		return nil, fmt.Errorf("failed to stat input file: %w", err)
	}

	mimeType := intent.InputMimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	outputs := []domain.OutputSpec{
		{
			Kind:     domain.OutputKindResult,
			MimeType: resultMimeType,
			Provider: domain.ProviderLocalDir,
			Path:     filepath.Join(intent.OutputDir, resultFileName),
		},
	}

	if outputType == domain.OutputTypeResultHeatmaps {
		outputs = append(outputs, domain.OutputSpec{
			Kind:     domain.OutputKindHeatmaps,
			MimeType: format.MimeType,
			Provider: domain.ProviderLocalDir,
			Path:     HeatmapsDir(intent.OutputDir),
			Filename: format.Filename,
		})
	}

	return &domain.Descriptor{
		ID:      intent.ID,
		Version: domain.DescriptorVersion,
		Op: domain.Operation{
			Name:    intent.Operation,
			Version: domain.OperationVersion,
		},
		Input: domain.InputRef{
			MimeType: mimeType,
			Provider: domain.ProviderLocalDir,
			Path:     intent.InputPath,
		},
		Outputs: outputs,
		Callback: domain.Callback{
			Mode:    domain.CallbackModeRabbitMQ,
			ReplyTo: intent.ReplyTo,
		},
	}, nil
}

// HeatmapsDir returns the directory heatmaps are written to inside a result folder
func HeatmapsDir(outputDir string) string {
	return filepath.Join(outputDir, heatmapsDirName)
}
