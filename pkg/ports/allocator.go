// Package ports reserves TCP ports for agent instances from a configured
// range. A port stays reserved until released, surviving the gap between the
// probe bind and the child process binding it for real.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoAvailablePort is returned when every port in the range is either held
// or unbindable.
var ErrNoAvailablePort = errors.New("no_available_port")

// Allocator hands out ports from [base, base+size).
type Allocator struct {
	mu   sync.Mutex
	base int
	size int
	held map[int]bool
}

// NewAllocator creates an allocator over [base, base+size).
func NewAllocator(base, size int) *Allocator {
	return &Allocator{
		base: base,
		size: size,
		held: make(map[int]bool),
	}
}

// Range returns the configured [base, base+size) bounds.
func (a *Allocator) Range() (int, int) {
	return a.base, a.base + a.size
}

// Acquire reserves the lowest free, bindable port in the range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.base+a.size; port++ {
		if a.held[port] {
			continue
		}
		if !probe(port) {
			continue
		}
		a.held[port] = true
		return port, nil
	}
	return 0, ErrNoAvailablePort
}

// AcquireSpecific reserves the requested port when it is inside the range,
// free, and bindable.
func (a *Allocator) AcquireSpecific(port int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.base || port >= a.base+a.size {
		return 0, fmt.Errorf("port %d outside configured range [%d, %d)", port, a.base, a.base+a.size)
	}
	if a.held[port] {
		return 0, fmt.Errorf("port %d already allocated", port)
	}
	if !probe(port) {
		return 0, fmt.Errorf("port %d is not bindable", port)
	}
	a.held[port] = true
	return port, nil
}

// Release frees a port. Releasing an unheld port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Allocated returns the number of ports currently held.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

// probe checks bindability on localhost. The listener is closed immediately;
// the child process re-binds the port itself.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
