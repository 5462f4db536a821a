package tasks

// Task targets routed by the dispatcher.
const (
	TargetStart          = "sync.start"
	TargetStep           = "sync.step"
	TargetReconnect      = "sync.reconnect"
	TargetResetEndpoints = "admin.reset_endpoints"
	TargetPublishJob     = "publish.create_job"
	TargetPublishSweep   = "publish.sweep"
	TargetPublishPoll    = "publish.poll"
)

// Queues group targets under one retry policy.
const (
	QueueUpdate    = "sync-update"
	QueueReconnect = "sync-reconnect"
	QueueAdmin     = "admin"
	QueuePublish   = "publish"
)

// StepPayload is carried from one sync step to the next.
type StepPayload struct {
	Changeset int64             `json:"changeset"`
	State     map[string]string `json:"state,omitempty"`
}

// ResetEndpointsPayload names the endpoints whose markers go back to the epoch. Empty means all.
type ResetEndpointsPayload struct {
	Endpoints []string `json:"endpoints,omitempty"`
}

// PublishJobPayload selects the changeset records a dedicated publish job covers.
type PublishJobPayload struct {
	ChangesetIDs []uint64 `json:"changeset_ids"`
}
