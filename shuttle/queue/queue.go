// Package queue decouples trigger decisions from job creation: accepted
// triggers publish a request and move on, a single runner drains them.
package queue

import "sync"

// Request asks for one job to be created from a flow's stored
// definition, tagged with the trigger kind that proposed it.
type Request struct {
	JobID         string
	FlowID        string
	FlowName      string
	RawDefinition string
	Kind          string
	Vars          map[string]string
}

type Handler func(Request)

type Queue struct {
	reqs chan Request

	mu     sync.Mutex
	closed bool
}

func New(size int) *Queue {
	return &Queue{
		reqs: make(chan Request, size),
	}
}

// Publish is fire-and-forget; it reports false when the queue is full
// or already stopped instead of blocking the trigger path.
func (q *Queue) Publish(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.reqs <- req:
		return true
	default:
		return false
	}
}

// Start drains requests into the handler on a background goroutine.
func (q *Queue) Start(handler Handler) {
	go func() {
		for req := range q.reqs {
			handler(req)
		}
	}()
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.reqs)
}
