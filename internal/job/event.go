package job

import (
	"fmt"
	"quantumjobs/pkg/cloudevent"
)

// EventTypeTransition is the CloudEvent type of every published state change.
const EventTypeTransition = "quantum.job.transition"

// BuildTransitionEvent creates the CloudEvent announcing t. The event id is
// stable per job version so receivers can deduplicate redeliveries.
func BuildTransitionEvent(source string, t Transition, j Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":     t.JobID,
		"backendId": t.BackendID,
		"to":        string(t.To),
		"version":   t.Version,
	}
	if t.From != "" {
		data["from"] = string(t.From)
	}
	if j.ProviderJobRef != "" {
		data["providerJobRef"] = j.ProviderJobRef
	}
	if j.ProviderStatus != "" {
		data["providerStatus"] = j.ProviderStatus
	}
	if j.Error != nil {
		data["error"] = j.Error
	}
	id := fmt.Sprintf("%s-%d", t.JobID, t.Version)
	return cloudevent.NewAt(EventTypeTransition, source, t.JobID, id, t.At, data)
}
