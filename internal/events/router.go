package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Router fans every event out to a fixed set of global sinks and to the
// sinks subscribed to the event's job. A sink that panics is isolated: the
// panic is logged and delivery continues with the next sink.
type Router struct {
	global []Sink
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Sink
}

// NewRouter creates a router delivering to global on every event.
func NewRouter(logger *zap.Logger, global ...Sink) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		global: global,
		log:    logger,
		now:    time.Now,
		subs:   make(map[string]map[int]Sink),
	}
}

// Subscribe attaches sink to the events of jobID until the returned function
// is called.
func (r *Router) Subscribe(jobID string, sink Sink) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[int]Sink)
	}
	r.subs[jobID][id] = sink

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[jobID], id)
			if len(r.subs[jobID]) == 0 {
				delete(r.subs, jobID)
			}
		})
	}
}

// Subscribers reports how many sinks listen to jobID.
func (r *Router) Subscribers(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[jobID])
}

func (r *Router) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}

	r.mu.RLock()
	targets := make([]Sink, 0, len(r.global)+len(r.subs[ev.JobID]))
	targets = append(targets, r.global...)
	for _, s := range r.subs[ev.JobID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.deliver(s, ev)
	}
}

func (r *Router) deliver(s Sink, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event sink panicked",
				zap.String("channel", string(ev.Channel)),
				zap.String("job_id", ev.JobID),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	s.Publish(ev)
}
