// Package datastore implements the Modbus address space: cells grouped
// into banks, grouped into a store, mirroring the four Modbus data tables
// (coils, discrete inputs, holding registers, input registers).
package datastore

import "sync"

// ReadHook is invoked by Cell.Get with the cell's currently stored value. Its
// return value becomes both the reported value and the new stored value, so
// a hook can model a live sensor while still caching its last reading.
type ReadHook func(stored uint16) uint16

// WriteHook is invoked by Cell.Set with the proposed value. Returning 0
// accepts the write; any other value rejects it and is propagated to the
// caller as a status code, leaving the stored value untouched.
type WriteHook func(proposed uint16) int32

// Cell is one addressable unit of the Modbus data model: a 1-bit value for
// coil/discrete banks or a 16-bit value for register banks, plus optional
// read and write hooks. A Cell owns no external resources.
type Cell struct {
	mu        sync.Mutex
	stored    uint16
	readHook  ReadHook
	writeHook WriteHook
}

// NewCell returns a Cell with the given initial stored value and no hooks bound.
func NewCell(initial uint16) *Cell {
	return &Cell{stored: initial}
}

// Get returns the cell's value. If a read hook is bound, it is invoked with
// the stored value and its result is cached back into the cell and returned.
func (c *Cell) Get() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readHook != nil {
		c.stored = c.readHook(c.stored)
	}
	return c.stored
}

// Set attempts to store value. If a write hook is bound, it decides: a
// return of 0 accepts the write and updates the stored value; any other
// code rejects the write, leaves the stored value untouched, and is
// returned to the caller. Without a bound hook, the write always succeeds.
func (c *Cell) Set(value uint16) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeHook != nil {
		code := c.writeHook(value)
		if code == 0 {
			c.stored = value
		}
		return code
	}
	c.stored = value
	return 0
}

// SetStored stores value directly, bypassing any bound write hook. Used by
// the embedding application to inject state rather than go through the
// wire-write path.
func (c *Cell) SetStored(value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = value
}

// BindRead atomically replaces the read hook.
func (c *Cell) BindRead(h ReadHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readHook = h
}

// BindWrite atomically replaces the write hook.
func (c *Cell) BindWrite(h WriteHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHook = h
}

// UnbindRead clears the read hook.
func (c *Cell) UnbindRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readHook = nil
}

// UnbindWrite clears the write hook.
func (c *Cell) UnbindWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHook = nil
}
