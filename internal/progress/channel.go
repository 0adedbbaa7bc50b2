package progress

import "sync"

// Channel delivers events to a consumer goroutine without ever blocking the worker.
// Events are queued in memory; consecutive Worked events that have not been consumed yet
// are merged into one.
type Channel struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	out  chan Event
}

// NewChannel starts the delivery goroutine. The consumer must drain Events until it is
// closed.
func NewChannel(buffer int) *Channel {
	c := &Channel{
		wake: make(chan struct{}, 1),
		out:  make(chan Event, buffer),
	}
	go c.pump()
	return c
}

func (c *Channel) Notify(e Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if n := len(c.queue); e.Kind == Worked && n > 0 && c.queue[n-1].Kind == Worked {
		c.queue[n-1].Amount += e.Amount
	} else {
		c.queue = append(c.queue, e)
	}
	c.mu.Unlock()

	c.signal()
}

// Events returns the channel the consumer reads from. It is closed after Close once all
// queued events have been delivered.
func (c *Channel) Events() <-chan Event {
	return c.out
}

// Close stops accepting events.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			<-c.wake
			continue
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.out <- e
	}
}
