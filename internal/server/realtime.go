package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventSchoolUpdate is the named SSE event emitted after every mutation.
	EventSchoolUpdate = "school:update"

	eventConnected = "connected"
	eventHeartbeat = "heartbeat"
)

// SchoolEvent is the push payload. Clients treat it as an opaque refetch
// trigger; the identifiers exist for logging and scoping only.
type SchoolEvent struct {
	SchoolID  string    `json:"schoolId"`
	StationID string    `json:"stationId"`
	At        time.Time `json:"at"`
}

// Dispatcher fans school change events out to connected subscribers. Admin
// subscribers receive every event; station subscribers only their own.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id        int64
	stationID string
	admin     bool
	stream    chan SchoolEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream scoped to the given station (or everything for
// admins). The stream is released when ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, stationID string, admin bool) (<-chan SchoolEvent, func()) {
	d.mu.Lock()
	d.nextID++
	entry := &subscriber{
		id:        d.nextID,
		stationID: stationID,
		admin:     admin,
		stream:    make(chan SchoolEvent, d.bufferSize),
	}
	d.subscribers[entry.id] = entry
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, entry.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers the event to every subscriber in scope. Slow consumers
// drop events rather than block the mutation path.
func (d *Dispatcher) Publish(event SchoolEvent) {
	d.mu.RLock()
	recipients := make([]*subscriber, 0, len(d.subscribers))
	for _, entry := range d.subscribers {
		if entry.admin || entry.stationID == event.StationID {
			recipients = append(recipients, entry)
		}
	}
	d.mu.RUnlock()

	for _, entry := range recipients {
		select {
		case entry.stream <- event:
		default:
		}
	}
}
