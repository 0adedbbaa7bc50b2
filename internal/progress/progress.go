// Package progress carries the notifications the worker pushes to the user interface:
// sub tasks, units of work, waiting for the lock, errors.
package progress

import (
	"sync"
)

// Kind is the type of an Event.
type Kind int

const (
	// SubtaskStarted announces a new step. Total is the amount of work, -1 if unknown.
	SubtaskStarted Kind = iota
	// Worked reports Amount units of work done on the current step.
	Worked
	// Waiting is sent while another process holds the install lock.
	Waiting
	// AppInfo names the application being installed.
	AppInfo
	// IconLoaded points to the downloaded application icon.
	IconLoaded
	// LauncherInstalled is sent when only the launcher was installed.
	LauncherInstalled
	// Updated reports the outcome of the update applied by the previous process.
	Updated
	// Error carries the single message of a fatal failure.
	Error
)

func (k Kind) String() string {
	switch k {
	case SubtaskStarted:
		return "subtask"
	case Worked:
		return "worked"
	case Waiting:
		return "waiting"
	case AppInfo:
		return "app-info"
	case IconLoaded:
		return "icon"
	case LauncherInstalled:
		return "launcher-installed"
	case Updated:
		return "updated"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single notification.
type Event struct {
	Kind   Kind
	Task   string
	Total  int64
	Amount int64
	// Bytes is set when Total and Amount count bytes rather than items.
	Bytes   bool
	Message string
	// Name and Vendor are set for AppInfo.
	Name   string
	Vendor string
	// Path is set for IconLoaded.
	Path string
}

// Observer receives events from the worker. Notify must return quickly, the worker is
// blocked while it runs.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// Nop discards all events.
var Nop Observer = ObserverFunc(func(Event) {})

// Multi fans out every event to all observers in order.
func Multi(observers ...Observer) Observer {
	filtered := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range filtered {
			o.Notify(e)
		}
	})
}

// Subtask is a shorthand for a SubtaskStarted event.
func Subtask(o Observer, task string, total int64) {
	o.Notify(Event{Kind: SubtaskStarted, Task: task, Total: total})
}

// SubtaskBytes is a shorthand for a SubtaskStarted event measured in bytes.
func SubtaskBytes(o Observer, task string, total int64) {
	o.Notify(Event{Kind: SubtaskStarted, Task: task, Total: total, Bytes: true})
}

// Work is a shorthand for a Worked event.
func Work(o Observer, amount int64) {
	o.Notify(Event{Kind: Worked, Amount: amount})
}

// Recorder keeps every event, it is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
