package bot

import (
	"context"
	"sync"
	"time"

	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

const (
	mailboxDepth = 32
	mailboxIdle  = time.Minute
)

// Dispatcher gives each user a serial mailbox: one goroutine per active
// user drains that user's work in arrival order, so replies within one
// conversation never reorder while different users proceed in parallel.
// Idle mailboxes are reaped.
type Dispatcher struct {
	log  logging.Logger
	idle time.Duration

	mu     sync.Mutex
	boxes  map[string]chan func()
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(log logging.Logger) *Dispatcher {
	return &Dispatcher{
		log:   log,
		idle:  mailboxIdle,
		boxes: map[string]chan func(){},
	}
}

// Submit queues fn on the user's mailbox, creating one when needed. Work
// submitted after Close, or when the user's mailbox is saturated, is
// dropped with a log entry.
func (d *Dispatcher) Submit(ctx context.Context, userID string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Warn(ctx, "dispatcher closed, dropping message", "user_id", userID)
		return
	}

	ch, ok := d.boxes[userID]
	if !ok {
		ch = make(chan func(), mailboxDepth)
		d.boxes[userID] = ch
		d.wg.Add(1)
		go d.drain(userID, ch)
	}

	select {
	case ch <- fn:
	default:
		d.log.Warn(ctx, "mailbox full, dropping message", "user_id", userID)
	}
}

// drain runs the user's work serially. The mailbox removes itself from the
// map when it has been idle and empty; removal and Submit hold the same
// lock, so a concurrent Submit either finds the mailbox still registered or
// creates a fresh one.
func (d *Dispatcher) drain(userID string, ch chan func()) {
	defer d.wg.Done()

	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case fn, ok := <-ch:
			if !ok {
				return
			}
			fn()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.idle)
		case <-timer.C:
			d.mu.Lock()
			if len(ch) == 0 {
				delete(d.boxes, userID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			timer.Reset(d.idle)
		}
	}
}

// Close stops accepting work and waits for every mailbox to finish what it
// already holds.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for userID, ch := range d.boxes {
		close(ch)
		delete(d.boxes, userID)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
