package domain

import (
	"fmt"
	"sort"
	"time"
)

type Event string

const (
	EventStarted     Event = "started"
	EventRestarted   Event = "restarted"
	EventCrashed     Event = "crashed"
	EventStopped     Event = "stopped"
	EventFailed      Event = "failed"
	EventRemoved     Event = "removed"
	EventUnchanged   Event = "unchanged"
	EventRejected    Event = "rejected"
	EventInformation Event = "info"
)

// Notification is one progress message streamed back to a caller
type Notification struct {
	Name    string    `json:"name,omitempty"`
	Event   Event     `json:"event"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func NewNotification(name string, event Event, message string) Notification {
	return Notification{
		Name:    name,
		Event:   event,
		Message: message,
		Time:    time.Now(),
	}
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use since every unit reports from its own goroutine.
type Notifier func(Notification)

func (n Notifier) Notify(notification Notification) {
	if n != nil {
		n(notification)
	}
}

// DiscardNotifier drops everything
func DiscardNotifier() Notifier {
	return func(Notification) {}
}

// ProcessStatus is one row of the status document
type ProcessStatus struct {
	PID   *int   `json:"pid"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

// StatusDocument maps name to its published status
type StatusDocument map[string]ProcessStatus

func (p ProcessStatus) String(name string) string {
	if p.PID == nil {
		return fmt.Sprintf("%s: %s, port %d", name, p.State, p.Port)
	}
	return fmt.Sprintf("%s: %s, PID %d, port %d", name, p.State, *p.PID, p.Port)
}

func (d StatusDocument) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
