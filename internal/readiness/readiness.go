// Package readiness provides the level-triggered event cell and waiter
// shared by every pollable file in hostsock: Pollee holds the asserted
// event mask, Poller is a single restartable waiter.
package readiness

import (
	"sync"

	"go.uber.org/atomic"
)

// Events is a bitmask over the POSIX poll event set.
type Events uint32

// Event bits. ERR, HUP and NVAL are always observable even when not requested;
// callers merge AlwaysPoll into whatever mask they pass to Pollee.PollBy.
const (
	In    Events = 1 << iota // data available to read
	Pri                      // urgent/out-of-band data
	Out                      // writable
	Err                      // error condition, always observable
	Hup                      // peer hung up, always observable
	NVal                     // invalid request, always observable
	RdHup                    // peer closed write half
)

// AlwaysPoll is implicitly observable regardless of the requested mask.
const AlwaysPoll = Err | Hup | NVal

// Observer is notified when a Pollee's asserted mask changes in a way
// that intersects events it was told to watch for. Implementations must
// not block: OnEvents is called synchronously from Pollee.Add, after the
// Pollee has released its own locks.
type Observer interface {
	OnEvents(events Events)
}

// Pollee is a level-triggered event cell plus a set of registered waiters.
// Zero value is ready to use.
type Pollee struct {
	mu       sync.Mutex
	asserted Events
	pollers  map[*Poller]Events

	obsMu     sync.Mutex
	observers map[Observer]Events
}

// PollBy returns the currently asserted events intersecting mask. If p is
// non-nil and the result is empty, p is atomically registered on the cell
// for events in mask before returning, so a later Add call will wake it.
func (c *Pollee) PollBy(mask Events, p *Poller) Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	got := c.asserted & mask
	if got == 0 && p != nil {
		c.register(p, mask)
	}
	return got
}

// Poll is PollBy with no waiter registration.
func (c *Pollee) Poll(mask Events) Events {
	return c.PollBy(mask, nil)
}

func (c *Pollee) register(p *Poller, mask Events) {
	if c.pollers == nil {
		c.pollers = make(map[*Poller]Events)
	}
	// Idempotent: registering the same poller twice just refreshes its mask.
	c.pollers[p] = mask
	p.attach(c)
}

// deregister removes p from the waiter set. Called by Poller on cancel.
func (c *Pollee) deregister(p *Poller) {
	c.mu.Lock()
	delete(c.pollers, p)
	c.mu.Unlock()
}

// Add asserts events, waking and deregistering every waiter whose mask
// intersects it (one-shot wake: a poller must call PollBy again to observe
// subsequent events). Also fans out to registered Observers.
func (c *Pollee) Add(events Events) {
	c.mu.Lock()
	c.asserted |= events
	var woken []*Poller
	for p, mask := range c.pollers {
		if mask&events != 0 {
			woken = append(woken, p)
			delete(c.pollers, p)
		}
	}
	c.mu.Unlock()
	for _, p := range woken {
		p.wake()
	}
	c.notifyObservers(events)
}

// Remove clears events from the asserted mask. It never wakes waiters.
func (c *Pollee) Remove(events Events) {
	c.mu.Lock()
	c.asserted &^= events
	c.mu.Unlock()
}

// Reset clears the entire asserted mask.
func (c *Pollee) Reset() {
	c.mu.Lock()
	c.asserted = 0
	c.mu.Unlock()
}

// RegisterObserver adds obs as a fan-out target for events matching mask.
// Used by EpollFile to learn about readiness changes on files it watches.
func (c *Pollee) RegisterObserver(obs Observer, mask Events) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if c.observers == nil {
		c.observers = make(map[Observer]Events)
	}
	c.observers[obs] = mask
}

// UnregisterObserver removes obs.
func (c *Pollee) UnregisterObserver(obs Observer) {
	c.obsMu.Lock()
	delete(c.observers, obs)
	c.obsMu.Unlock()
}

func (c *Pollee) notifyObservers(events Events) {
	c.obsMu.Lock()
	var targets []Observer
	for obs, mask := range c.observers {
		if mask&events != 0 {
			targets = append(targets, obs)
		}
	}
	c.obsMu.Unlock()
	for _, obs := range targets {
		obs.OnEvents(events)
	}
}

// Poller is a single restartable waiter. The zero value is ready to use.
// A Poller must not be copied after first use.
type Poller struct {
	mu      sync.Mutex
	cell    *Pollee
	woken   atomic.Bool
	wakeCh  chan struct{}
	onceBuf sync.Once
}

func (p *Poller) attach(c *Pollee) {
	p.mu.Lock()
	p.cell = c
	p.onceBuf.Do(func() { p.wakeCh = make(chan struct{}, 1) })
	p.mu.Unlock()
}

func (p *Poller) wake() {
	if p.woken.CompareAndSwap(false, true) {
		select {
		case p.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Wait suspends the calling goroutine until the cell this Poller was last
// registered on wakes it. Cancel does not wake a goroutine already blocked
// in Wait; it only deregisters the poller.
func (p *Poller) Wait() {
	p.mu.Lock()
	ch := p.wakeCh
	p.mu.Unlock()
	if ch == nil {
		return
	}
	<-ch
	p.woken.Store(false)
}

// Cancel deregisters the poller from whatever cell it is attached to.
// Safe to call even if the poller was never registered.
func (p *Poller) Cancel() {
	p.mu.Lock()
	c := p.cell
	p.cell = nil
	p.mu.Unlock()
	if c != nil {
		c.deregister(p)
	}
}
