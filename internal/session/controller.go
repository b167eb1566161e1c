// Package session drives at most one active forwarding session from a
// stream of IGMP membership events: a join replaces whatever session is
// currently running, a leave tears it down, and the slot is empty again
// the moment that session's own goroutine exits.
package session

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/malbeclabs/igmprelay/internal/igmp"
)

// Session is the minimal lifecycle surface the controller needs from a
// forwarding session: cancel it, and find out when it has fully torn
// down on its own.
type Session interface {
	Cancel()
	Done() <-chan struct{}
}

// StartFunc starts a new Session forwarding the given multicast group.
type StartFunc func(ctx context.Context, group netip.Addr) (Session, error)

// Controller holds the single active Session slot.
type Controller struct {
	log   *slog.Logger
	start StartFunc

	mu      sync.Mutex
	current Session
}

// New builds a Controller that starts sessions via start.
func New(log *slog.Logger, start StartFunc) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log, start: start}
}

// Run consumes events until either ctx is done or events closes,
// cancelling whatever session is active on either exit. It does not
// return until the slot is empty.
func (c *Controller) Run(ctx context.Context, events <-chan igmp.Event) error {
	for {
		select {
		case <-ctx.Done():
			c.cancelCurrent()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.cancelCurrent()
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev igmp.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case igmp.EventJoin:
		if c.current != nil {
			c.current.Cancel()
			c.current = nil
		}
		sess, err := c.start(ctx, ev.Group)
		if err != nil {
			c.log.Error("failed to start forwarder", "group", ev.Group, "error", err)
			return
		}
		c.current = sess
		c.log.Info("forwarder started", "group", ev.Group)
		go c.watch(sess)

	case igmp.EventLeave:
		if c.current != nil {
			c.current.Cancel()
			c.current = nil
			c.log.Info("forwarder stopped", "group", ev.Group)
		}
	}
}

// watch clears the slot once sess exits on its own (upstream peer
// close, read error), without waiting for a leave event.
func (c *Controller) watch(sess Session) {
	<-sess.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == sess {
		c.current = nil
	}
}

func (c *Controller) cancelCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Cancel()
		c.current = nil
	}
}
