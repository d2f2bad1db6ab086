package exchangeclient

import "sync"

type notification struct {
	view          *View
	stopListening bool
}

// dispatcher delivers notifications on one goroutine in push order. The
// queue is unbounded so producers never block on a slow hook.
type dispatcher struct {
	mu     sync.Mutex
	queue  []notification
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newDispatcher(deliver func(notification)) *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run(deliver)
	return d
}

func (d *dispatcher) push(n notification) {
	d.mu.Lock()
	d.queue = append(d.queue, n)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(deliver func(notification)) {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			n := d.queue[0]
			d.queue[0] = notification{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			deliver(n)
		}
	}
}

// stop ends delivery; queued notifications are dropped.
func (d *dispatcher) stop() {
	d.closed.Do(func() { close(d.done) })
}
