package common

import "fmt"

// TransactionID is a unique identifier for a transaction, echoed by the
// server so a client can correlate a response with its request.
type TransactionID uint16

// ProtocolID identifies the protocol used on the wire. Modbus TCP always
// carries 0 here.
type ProtocolID uint16

// UnitID addresses a backend slave behind a gateway. For direct TCP use it
// is echoed but never interpreted by the dispatcher.
type UnitID byte

// ExceptionCode is the single-byte payload of an exception response.
type ExceptionCode byte

// FunctionCode identifies the operation requested by a PDU. The high bit is
// set on exception responses.
type FunctionCode byte

// Address is a Modbus register/coil address, 0-65535.
type Address uint16

// Quantity is the number of coils or registers to read/write.
type Quantity uint16

// CoilValue is a single coil's value.
type CoilValue = bool

// DiscreteInputValue is a single discrete input's value.
type DiscreteInputValue = bool

// RegisterValue is a single holding register's value.
type RegisterValue = uint16

// InputRegisterValue is a single input register's value.
type InputRegisterValue = uint16

// Function codes implemented by this system.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17

	// Exception codes.
	ExceptionFunctionCodeNotSupported ExceptionCode = 0x01
	ExceptionDataAddressNotAvailable  ExceptionCode = 0x02
	ExceptionInvalidDataValue         ExceptionCode = 0x03
	ExceptionServerDeviceFailure      ExceptionCode = 0x04
	ExceptionAcknowledge              ExceptionCode = 0x05
	ExceptionServerDeviceBusy         ExceptionCode = 0x06
	ExceptionMemoryParityError        ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable   ExceptionCode = 0x0A
	ExceptionGatewayTargetNoResponse  ExceptionCode = 0x0B
)

// String returns the string representation of a FunctionCode.
func (f FunctionCode) String() string {
	switch f {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncMaskWriteRegister:
		return "MaskWriteRegister"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		if IsException(byte(f)) {
			original := GetOriginalFunctionCode(byte(f))
			return fmt.Sprintf("Exception(%s)", FunctionCode(original).String())
		}
		return fmt.Sprintf("Unknown(0x%02X)", byte(f))
	}
}

func (e ExceptionCode) String() string {
	switch e {
	case ExceptionFunctionCodeNotSupported:
		return "FunctionCodeNotSupported"
	case ExceptionDataAddressNotAvailable:
		return "DataAddressNotAvailable"
	case ExceptionInvalidDataValue:
		return "InvalidDataValue"
	case ExceptionServerDeviceFailure:
		return "ServerDeviceFailure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionServerDeviceBusy:
		return "ServerDeviceBusy"
	case ExceptionMemoryParityError:
		return "MemoryParityError"
	case ExceptionGatewayPathUnavailable:
		return "GatewayPathUnavailable"
	case ExceptionGatewayTargetNoResponse:
		return "GatewayTargetNoResponse"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(e))
	}
}

// Protocol-specific constants.
const (
	TCPHeaderLength = 7   // TransactionID(2) + ProtocolID(2) + Length(2) + UnitID(1)
	MaxPDULength    = 253 // max PDU length (function code + body)
	MaxADULength    = 260 // TCPHeaderLength + MaxPDULength
	DefaultTCPPort  = 502

	BytesPerCoil          = 1
	BytesPerDiscreteInput = 1
	BytesPerRegister      = 2
	BytesPerInputRegister = 2

	// Per-function-code quantity limits, mandated by the Modbus Application
	// Protocol and enforced exactly.
	MaxCoilCount          = 2000 // 0x7D0, FC 0x01/0x02
	MaxRegisterCount      = 125  // 0x7D, FC 0x03/0x04
	MaxWriteCoilCount     = 1968 // 0x7B0, FC 0x0F
	MaxWriteRegisterCount = 123  // 0x7B, FC 0x10
	MaxReadWriteReadCount = 125  // 0x7D, FC 0x17 read half
	MaxReadWriteWriteCount = 121 // 0x79, FC 0x17 write half

	// Coil values as carried in a Write Single Coil request/response. All
	// other values are illegal and must not affect the coil.
	CoilOnU16  = 0xFF00
	CoilOffU16 = 0x0000
)

// TCPProtocolIdentifier is the standard protocol identifier for Modbus TCP.
const TCPProtocolIdentifier = ProtocolID(0)

// ExceptionBit is set in the function code of an exception response.
const ExceptionBit byte = 0x80

// IsException reports whether a raw function code byte carries the
// exception bit.
func IsException(functionCode byte) bool {
	return (functionCode & ExceptionBit) != 0
}

// IsFunctionException reports whether a FunctionCode carries the exception
// bit.
func IsFunctionException(functionCode FunctionCode) bool {
	return IsException(byte(functionCode))
}

// GetOriginalFunctionCode strips the exception bit from a raw function code.
func GetOriginalFunctionCode(exceptionCode byte) byte {
	return exceptionCode & ^ExceptionBit
}

// GetOriginalFunction strips the exception bit from a FunctionCode.
func GetOriginalFunction(exceptionCode FunctionCode) FunctionCode {
	return FunctionCode(GetOriginalFunctionCode(byte(exceptionCode)))
}
