package events

import "sync"

// Log is the append-only event record of one run.
type Log struct {
	mu      sync.RWMutex
	entries []Event
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an event to the end of the log.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.entries...)
}

// Len is the number of events recorded.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Recorder appends every event to a Log before publishing it on a bus.
type Recorder struct {
	Log *Log
	Bus Publisher // May be nil
}

// Record logs and publishes e on topic.
func (r Recorder) Record(topic string, e Event) {
	if r.Log != nil {
		r.Log.Append(e)
	}
	if r.Bus != nil {
		r.Bus.Publish(topic, e)
	}
}
