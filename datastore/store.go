package datastore

import (
	"context"
	"sync"

	"github.com/haldring/gomodbus-slave/common"
)

// Store aggregates the four Modbus data banks (coils, discrete inputs,
// holding registers, input registers) and implements common.DataStore. It
// is the single mutable state for a Modbus address space; its lifetime is
// the lifetime of the serving process or test fixture.
//
// A single RWMutex guards all four banks. Critical sections are short
// (index arithmetic plus a handful of Cell.Get/Set calls), so per-bank
// mutexes would only add complexity without a measurable benefit. Hooks
// run while this lock is held; hook implementations must not call back
// into the Store (non-reentrant).
type Store struct {
	mu sync.RWMutex

	coils           *Bank
	discreteInputs  *Bank
	holdingRegs     *Bank
	inputRegs       *Bank
}

// Config describes the size and base address of each bank. Any field left
// at its zero value yields a bank with zero cells, which is valid (every
// request against it fails bounds checking).
type Config struct {
	CoilCount     int
	CoilBase      common.Address
	DiscreteCount int
	DiscreteBase  common.Address
	HoldingCount  int
	HoldingBase   common.Address
	InputCount    int
	InputBase     common.Address
}

// New constructs a Store with four independently sized and based banks.
func New(cfg Config) *Store {
	return &Store{
		coils:          NewBank(cfg.CoilBase, cfg.CoilCount),
		discreteInputs: NewBank(cfg.DiscreteBase, cfg.DiscreteCount),
		holdingRegs:    NewBank(cfg.HoldingBase, cfg.HoldingCount),
		inputRegs:      NewBank(cfg.InputBase, cfg.InputCount),
	}
}

func boolToU16(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

func u16ToBool(v uint16) bool {
	return v != 0
}

func modbusErr(fc common.FunctionCode, code common.ExceptionCode) error {
	return common.NewModbusError(fc, code)
}

// ReadCoils implements common.DataStore.
func (s *Store) ReadCoils(ctx context.Context, address common.Address, quantity common.Quantity) ([]common.CoilValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, code, ok := s.coils.Read(address, quantity)
	if !ok {
		return nil, modbusErr(common.FuncReadCoils, code)
	}
	out := make([]common.CoilValue, len(raw))
	for i, v := range raw {
		out[i] = u16ToBool(v)
	}
	return out, nil
}

// ReadDiscreteInputs implements common.DataStore.
func (s *Store) ReadDiscreteInputs(ctx context.Context, address common.Address, quantity common.Quantity) ([]common.DiscreteInputValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, code, ok := s.discreteInputs.Read(address, quantity)
	if !ok {
		return nil, modbusErr(common.FuncReadDiscreteInputs, code)
	}
	out := make([]common.DiscreteInputValue, len(raw))
	for i, v := range raw {
		out[i] = u16ToBool(v)
	}
	return out, nil
}

// ReadHoldingRegisters implements common.DataStore.
func (s *Store) ReadHoldingRegisters(ctx context.Context, address common.Address, quantity common.Quantity) ([]common.RegisterValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, code, ok := s.holdingRegs.Read(address, quantity)
	if !ok {
		return nil, modbusErr(common.FuncReadHoldingRegisters, code)
	}
	return raw, nil
}

// ReadInputRegisters implements common.DataStore.
func (s *Store) ReadInputRegisters(ctx context.Context, address common.Address, quantity common.Quantity) ([]common.InputRegisterValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, code, ok := s.inputRegs.Read(address, quantity)
	if !ok {
		return nil, modbusErr(common.FuncReadInputRegisters, code)
	}
	return raw, nil
}

// WriteSingleCoil implements common.DataStore.
func (s *Store) WriteSingleCoil(ctx context.Context, address common.Address, value common.CoilValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.coils.Write(address, []uint16{boolToU16(value)})
	if !ok {
		return modbusErr(common.FuncWriteSingleCoil, code)
	}
	return nil
}

// WriteSingleRegister implements common.DataStore.
func (s *Store) WriteSingleRegister(ctx context.Context, address common.Address, value common.RegisterValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.holdingRegs.Write(address, []uint16{value})
	if !ok {
		return modbusErr(common.FuncWriteSingleRegister, code)
	}
	return nil
}

// WriteMultipleCoils implements common.DataStore.
func (s *Store) WriteMultipleCoils(ctx context.Context, address common.Address, values []common.CoilValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := make([]uint16, len(values))
	for i, v := range values {
		raw[i] = boolToU16(v)
	}
	code, ok := s.coils.Write(address, raw)
	if !ok {
		return modbusErr(common.FuncWriteMultipleCoils, code)
	}
	return nil
}

// WriteMultipleRegisters implements common.DataStore.
func (s *Store) WriteMultipleRegisters(ctx context.Context, address common.Address, values []common.RegisterValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.holdingRegs.Write(address, values)
	if !ok {
		return modbusErr(common.FuncWriteMultipleRegisters, code)
	}
	return nil
}

// MaskWriteHoldingRegister implements common.DataStore. newValue = (old AND
// andMask) OR (orMask AND NOT andMask).
func (s *Store) MaskWriteHoldingRegister(ctx context.Context, address common.Address, andMask, orMask common.RegisterValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, code, ok := s.holdingRegs.Read(address, 1)
	if !ok {
		return modbusErr(common.FuncMaskWriteRegister, code)
	}
	newValue := (current[0] & andMask) | (orMask &^ andMask)
	if wcode, ok := s.holdingRegs.Write(address, []uint16{newValue}); !ok {
		return modbusErr(common.FuncMaskWriteRegister, wcode)
	}
	return nil
}

// ReadWriteMultipleHoldingRegisters implements common.DataStore. The write
// half is applied before the read half, so the read observes the
// just-written state (including when the ranges overlap).
func (s *Store) ReadWriteMultipleHoldingRegisters(ctx context.Context, readAddress common.Address, readQuantity common.Quantity, writeAddress common.Address, writeValues []common.RegisterValue) ([]common.RegisterValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wcode, ok := s.holdingRegs.Write(writeAddress, writeValues); !ok {
		return nil, modbusErr(common.FuncReadWriteMultipleRegisters, wcode)
	}
	values, rcode, ok := s.holdingRegs.Read(readAddress, readQuantity)
	if !ok {
		return nil, modbusErr(common.FuncReadWriteMultipleRegisters, rcode)
	}
	return values, nil
}

// CellAtCoil returns the coil cell at addr, or nil if out of range.
func (s *Store) CellAtCoil(addr common.Address) *Cell { return s.coils.CellAt(addr) }

// CellAtDiscreteInput returns the discrete input cell at addr, or nil if out of range.
func (s *Store) CellAtDiscreteInput(addr common.Address) *Cell { return s.discreteInputs.CellAt(addr) }

// CellAtHoldingRegister returns the holding register cell at addr, or nil if out of range.
func (s *Store) CellAtHoldingRegister(addr common.Address) *Cell { return s.holdingRegs.CellAt(addr) }

// CellAtInputRegister returns the input register cell at addr, or nil if out of range.
func (s *Store) CellAtInputRegister(addr common.Address) *Cell { return s.inputRegs.CellAt(addr) }

// DumpHoldingRegisters returns a snapshot of the holding register bank, for
// operational debugging.
func (s *Store) DumpHoldingRegisters() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdingRegs.Dump()
}
