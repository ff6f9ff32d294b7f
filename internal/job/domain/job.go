package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation names the analysis to run and its version
type Operation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InputRef locates the media file to analyze
type InputRef struct {
	MimeType string `json:"mimeType"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// OutputSpec tells the worker where to materialize one kind of artifact
type OutputSpec struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

// Callback tells the worker how to report the outcome
type Callback struct {
	Mode    string `json:"mode"`
	ReplyTo string `json:"replyTo"`
}

// Descriptor is the job message published to the work queue
type Descriptor struct {
	ID       string       `json:"id"`
	Version  int          `json:"version"`
	Op       Operation    `json:"op"`
	Input    InputRef     `json:"input"`
	Outputs  []OutputSpec `json:"outputs"`
	Callback Callback     `json:"callback"`
}

// Validate checks the fields every worker relies on
func (d *Descriptor) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	case d.Op.Name == "":
		return fmt.Errorf("%w: op.name is required", ErrInvalidDescriptor)
	case d.Input.Path == "":
		return fmt.Errorf("%w: input.path is required", ErrInvalidDescriptor)
	case len(d.Outputs) == 0:
		return fmt.Errorf("%w: at least one output is required", ErrInvalidDescriptor)
	case d.Callback.ReplyTo == "":
		return fmt.Errorf("%w: callback.replyTo is required", ErrInvalidDescriptor)
	}
	return nil
}

// Metadata is the display information kept alongside a job
type Metadata struct {
	FileName     string
	OutputType   string
	ResultFolder string
}

// Record is the stored state of one job
type Record struct {
	ID           string          `json:"id"`
	FileName     string          `json:"fileName"`
	Operation    string          `json:"operation"`
	OutputType   string          `json:"outputType"`
	Status       Status          `json:"status"`
	ResultFolder string          `json:"resultFolder,omitempty"`
	InputPath    string          `json:"inputPath,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with r
func (r *Record) Clone() *Record {
	c := *r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

// Event is broadcast to live observers whenever a job record changes
type Event struct {
	Type string  `json:"type"`
	Job  *Record `json:"job"`
}

// Clone returns a copy of e that shares no record with it
func (e Event) Clone() Event {
	if e.Job != nil {
		e.Job = e.Job.Clone()
	}
	return e
}

// Event types
const (
	EventJobCreated = "job.created"
	EventJobUpdated = "job.updated"
	EventJobDeleted = "job.deleted"
)
