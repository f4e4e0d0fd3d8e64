package common

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// Client state errors
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")

	// Protocol constraint errors
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidAddress  = errors.New("invalid address")

	// Protocol format errors
	ErrInvalidResponseLength = errors.New("invalid response length")
	ErrInvalidFunction       = errors.New("invalid function code")
	ErrInvalidValue          = errors.New("invalid value")
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// Communication errors
	ErrTimeout         = errors.New("timeout")
	ErrContextCanceled = errors.New("context canceled")

	// Protocol header errors
	ErrInvalidProtocolHeader = errors.New("invalid protocol header")

	// Request constraint errors
	ErrTooManyRegisters = errors.New("too many registers requested")
	ErrTooManyCoils     = errors.New("too many coils requested")

	// Response errors
	ErrEmptyResponse    = errors.New("empty response")
	ErrResponseTooLarge = errors.New("response too large")
	ErrRequestTooLarge  = errors.New("request too large")

	// Transaction errors
	ErrTransactionTimeout = errors.New("transaction timeout")
	ErrTransportClosing   = errors.New("transport closing")

	// Server errors
	ErrServerDeviceFailure = errors.New("server device failure")
	ErrNoResponse          = errors.New("no response from server")

	// ErrBufferDiscarded names the condition in which the deframer drops its
	// buffer because the length field is out of range for Modbus TCP. The
	// deframer does not return it: Deframer.Feed discards the buffer silently
	// and returns no frame.
	ErrBufferDiscarded = errors.New("deframer: buffer discarded, length field out of range")
)

// ModbusError represents an error from a Modbus exception response.
type ModbusError struct {
	FunctionCode  FunctionCode  // function code from the request, with exception bit set
	ExceptionCode ExceptionCode // reason the server rejected the request
}

// Error implements the error interface
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception response: function: %s, exception code: %#x (%s)",
		e.FunctionCode, e.ExceptionCode, GetExceptionString(e.ExceptionCode))
}

// IsModbusError checks if an error is a ModbusError
func IsModbusError(err error) bool {
	var modbusErr *ModbusError
	return errors.As(err, &modbusErr)
}

// IsExceptionError checks if an error is a specific Modbus exception
func IsExceptionError(err error, exceptionCode ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == exceptionCode
	}
	return false
}

// IsFunctionNotSupportedError checks if an error is due to a function not being supported
func IsFunctionNotSupportedError(err error) bool {
	return IsExceptionError(err, ExceptionFunctionCodeNotSupported)
}

// NewModbusError creates a new ModbusError
func NewModbusError(functionCode FunctionCode, exceptionCode ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  functionCode,
		ExceptionCode: exceptionCode,
	}
}

// GetExceptionString returns a human-readable description of an exception code
func GetExceptionString(exceptionCode ExceptionCode) string {
	switch exceptionCode {
	case ExceptionFunctionCodeNotSupported:
		return "function code not supported"
	case ExceptionDataAddressNotAvailable:
		return "data address not available"
	case ExceptionInvalidDataValue:
		return "invalid data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetNoResponse:
		return "gateway target no response"
	default:
		return fmt.Sprintf("unknown exception code: %#x", exceptionCode)
	}
}
