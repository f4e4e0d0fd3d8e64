package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldring/gomodbus-slave/common"
)

func TestBank_Contains(t *testing.T) {
	b := NewBank(common.Address(10), 5) // [10, 15)

	assert.True(t, b.Contains(common.Address(10), common.Quantity(1)))
	assert.True(t, b.Contains(common.Address(10), common.Quantity(5)))
	assert.False(t, b.Contains(common.Address(10), common.Quantity(6)))
	assert.False(t, b.Contains(common.Address(9), common.Quantity(1)))
	assert.False(t, b.Contains(common.Address(14), common.Quantity(2)))
	assert.False(t, b.Contains(common.Address(10), common.Quantity(0)))
}

func TestBank_ReadWriteRoundTrip(t *testing.T) {
	b := NewBank(common.Address(0), 4)

	code, ok := b.Write(common.Address(0), []uint16{1, 2, 3, 4})
	require.True(t, ok)
	assert.Equal(t, common.ExceptionCode(0), code)

	values, code, ok := b.Read(common.Address(0), common.Quantity(4))
	require.True(t, ok)
	assert.Equal(t, common.ExceptionCode(0), code)
	assert.Equal(t, []uint16{1, 2, 3, 4}, values)
}

func TestBank_ReadOutOfRange(t *testing.T) {
	b := NewBank(common.Address(100), 2)

	values, code, ok := b.Read(common.Address(99), common.Quantity(1))
	assert.False(t, ok)
	assert.Nil(t, values)
	assert.Equal(t, common.ExceptionDataAddressNotAvailable, code)
}

func TestBank_WriteOutOfRange(t *testing.T) {
	b := NewBank(common.Address(0), 2)

	code, ok := b.Write(common.Address(1), []uint16{1, 2})
	assert.False(t, ok)
	assert.Equal(t, common.ExceptionDataAddressNotAvailable, code)
}

// TestBank_WriteSkipsSetOnEqualValue verifies the write-equality
// optimization: Set is only invoked on a cell when the incoming value
// differs from what's already stored.
func TestBank_WriteSkipsSetOnEqualValue(t *testing.T) {
	b := NewBank(common.Address(0), 1)
	b.cells[0].SetStored(9)

	setCalls := 0
	b.cells[0].BindWrite(func(proposed uint16) int32 {
		setCalls++
		return 0
	})

	_, ok := b.Write(common.Address(0), []uint16{9})
	require.True(t, ok)
	assert.Equal(t, 0, setCalls, "Set must not be called when the value is unchanged")

	_, ok = b.Write(common.Address(0), []uint16{10})
	require.True(t, ok)
	assert.Equal(t, 1, setCalls)
}

func TestBank_WritePropagatesHookRejection(t *testing.T) {
	b := NewBank(common.Address(0), 1)
	b.cells[0].BindWrite(func(proposed uint16) int32 { return 1 })

	code, ok := b.Write(common.Address(0), []uint16{5})
	assert.False(t, ok)
	assert.Equal(t, common.ExceptionServerDeviceFailure, code)
}

func TestBank_CellAt(t *testing.T) {
	b := NewBank(common.Address(5), 3)
	assert.NotNil(t, b.CellAt(common.Address(5)))
	assert.NotNil(t, b.CellAt(common.Address(7)))
	assert.Nil(t, b.CellAt(common.Address(8)))
	assert.Nil(t, b.CellAt(common.Address(4)))
}

func TestBank_Dump(t *testing.T) {
	b := NewBank(common.Address(0), 3)
	b.cells[0].SetStored(1)
	b.cells[1].SetStored(2)
	b.cells[2].SetStored(3)

	assert.Equal(t, []uint16{1, 2, 3}, b.Dump())
}
