package incident

import (
	"context"
	"errors"
	"time"
)

// NotificationKind identifies what happened to an incident.
type NotificationKind string

const (
	NotifyNewIncident     NotificationKind = "NEW_INCIDENT"
	NotifyStatusChange    NotificationKind = "STATUS_CHANGE"
	NotifyIncidentDeleted NotificationKind = "INCIDENT_DELETED"
)

// Notification is sent to every configured Notifier after a successful mutation.
type Notification struct {
	Kind      NotificationKind `json:"type"`
	Incident  *Incident        `json:"incident"`
	OldStatus Status           `json:"old_status,omitempty"`
	NewStatus Status           `json:"new_status,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier delivers incident notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n *Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n *Notification) error { return f(ctx, n) }

// Notifiers fans a notification out to each member in order.
// Every member is attempted; the joined error of all failures is returned.
type Notifiers []Notifier

// Notify delivers n to every notifier.
func (ns Notifiers) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, nt := range ns {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
