package datastore

import (
	"github.com/haldring/gomodbus-slave/common"
)

// Bank is a fixed-size contiguous array of Cells starting at a configurable
// base address. It owns exactly count cells at logical addresses
// [base, base+count).
type Bank struct {
	base  common.Address
	cells []*Cell
}

// NewBank allocates count cells, each initialized to 0, starting at base.
func NewBank(base common.Address, count int) *Bank {
	cells := make([]*Cell, count)
	for i := range cells {
		cells[i] = NewCell(0)
	}
	return &Bank{base: base, cells: cells}
}

// Contains reports whether [addr, addr+qty) lies entirely within the bank.
func (b *Bank) Contains(addr common.Address, qty common.Quantity) bool {
	if qty < 1 {
		return false
	}
	if addr < b.base {
		return false
	}
	end := uint32(addr) + uint32(qty)
	return end <= uint32(b.base)+uint32(len(b.cells))
}

// index translates addr into a slice index, assuming Contains(addr, 1).
func (b *Bank) index(addr common.Address) int {
	return int(addr - b.base)
}

// Read returns qty values starting at addr, or ExceptionDataAddressNotAvailable
// if the range is out of bounds.
func (b *Bank) Read(addr common.Address, qty common.Quantity) ([]uint16, common.ExceptionCode, bool) {
	if !b.Contains(addr, qty) {
		return nil, common.ExceptionDataAddressNotAvailable, false
	}
	start := b.index(addr)
	values := make([]uint16, qty)
	for i := range values {
		values[i] = b.cells[start+i].Get()
	}
	return values, 0, true
}

// Write stores values starting at addr, applying the write-equality
// optimization: a cell's Set is only invoked when the new value differs
// from its current value, so write hooks with side effects don't see
// redundant calls for no-op writes. Returns ExceptionDataAddressNotAvailable
// if the range is out of bounds, ExceptionServerDeviceFailure if a bound
// write hook rejects a value.
func (b *Bank) Write(addr common.Address, values []uint16) (common.ExceptionCode, bool) {
	if !b.Contains(addr, common.Quantity(len(values))) {
		return common.ExceptionDataAddressNotAvailable, false
	}
	start := b.index(addr)
	for i, v := range values {
		cell := b.cells[start+i]
		if cell.Get() != v {
			if code := cell.Set(v); code != 0 {
				return common.ExceptionServerDeviceFailure, false
			}
		}
	}
	return 0, true
}

// CellAt returns the cell at addr, or nil if addr is outside the bank.
func (b *Bank) CellAt(addr common.Address) *Cell {
	if !b.Contains(addr, 1) {
		return nil
	}
	return b.cells[b.index(addr)]
}

// Dump returns a snapshot of every cell's current value, for operational
// debugging only; never consulted by the dispatcher.
func (b *Bank) Dump() []uint16 {
	values := make([]uint16, len(b.cells))
	for i, c := range b.cells {
		values[i] = c.Get()
	}
	return values
}
