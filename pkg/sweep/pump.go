package sweep

import (
	"fmt"
	"slices"
	"sync"

	"github.com/itohio/gosmu/pkg/smu"
)

// pump hands recorded points to a Handler on its own goroutine so a slow or
// failing consumer never delays the sweep loop.
//
// The producer appends to points and pokes notify. notify holds at most one
// pending signal: a poke while one is already pending is dropped, and the
// worker catches up by delivering every index past its cursor. Closing notify
// is the termination message; the worker drains what is left and exits.
type pump struct {
	handler Handler
	onError ErrorHandler

	mu     sync.Mutex
	points []smu.MCIVPoint

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func startPump(handler Handler, onError ErrorHandler) *pump {
	p := &pump{
		handler: handler,
		onError: onError,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// push records pt and wakes the worker. It never blocks.
func (p *pump) push(pt smu.MCIVPoint) {
	p.mu.Lock()
	p.points = append(p.points, pt)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// close stops the worker after every recorded point has been delivered and
// returns the recorded points in order. Must be called from the goroutine that
// calls push, after its last push.
func (p *pump) close() []smu.MCIVPoint {
	p.once.Do(func() { close(p.notify) })
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.points)
}

func (p *pump) run() {
	defer close(p.done)

	cursor := 0
	for range p.notify {
		cursor = p.drain(cursor)
	}
	p.drain(cursor)
}

// drain delivers every point from cursor on and returns the new cursor.
func (p *pump) drain(cursor int) int {
	for {
		p.mu.Lock()
		if cursor >= len(p.points) {
			p.mu.Unlock()
			return cursor
		}
		pt := p.points[cursor]
		p.mu.Unlock()

		p.deliver(cursor, pt)
		cursor++
	}
}

func (p *pump) deliver(index int, pt smu.MCIVPoint) {
	if p.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.onError(index, fmt.Errorf("point handler panicked: %v", r))
		}
	}()

	if err := p.handler(index, pt); err != nil {
		p.onError(index, err)
	}
}
