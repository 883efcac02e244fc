package reconcile

import "time"

type EventType string

const (
	EventRefreshStarted  EventType = "refresh.started"
	EventRefreshFinished EventType = "refresh.finished"
	EventItemSucceeded   EventType = "push.item.succeeded"
	EventItemFailed      EventType = "push.item.failed"
	EventPushFinished    EventType = "push.finished"
	EventCommitted       EventType = "push.committed"
	EventLocalEdit       EventType = "local.edit"
)

// Event reports progress of a long-running operation to observers such as the
// HTTP front-end's event stream.
type Event struct {
	Type         EventType `json:"type"`
	Organization string    `json:"organization"`
	Item         *PlanItem `json:"item,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Time         time.Time `json:"time"`
}
