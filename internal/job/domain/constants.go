package domain

// Status is the lifecycle state of an analysis job
type Status string

// Job status constants
const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// IsTerminal reports whether no further transition is allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Output kinds requested from the analysis worker
const (
	OutputKindResult   = "result"
	OutputKindHeatmaps = "heatmaps"
)

// Output sets a caller may request
const (
	OutputTypeResult         = "result"
	OutputTypeResultHeatmaps = "result + heatmaps"
)

const (
	// DescriptorVersion is the schema version stamped on every outbound job message
	DescriptorVersion = 1

	// OperationVersion is the operation version the workers currently serve
	OperationVersion = "1.0.0"

	// ProviderLocalDir marks a location on the shared filesystem
	ProviderLocalDir = "local_dir"

	// CallbackModeRabbitMQ tells the worker to reply on a RabbitMQ queue
	CallbackModeRabbitMQ = "rabbitmq"
)
