package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/haldring/gomodbus-slave/common"
	"github.com/haldring/gomodbus-slave/logging"
)

// TCPTransport implements the common.Transport interface for Modbus TCP.
//
// A single connection carries at most one in-flight request: Send holds a
// mutex for the full request/response round trip, writes the request, then
// blocks reading the response off the same connection. There is no
// transaction multiplexing or pipelining; the transaction ID exists to let
// a client detect a misordered or stale reply, not to allow concurrent
// requests on one connection.
type TCPTransport struct {
	logger  common.LoggerInterface
	host    string        // Server hostname/IP
	port    int           // TCP port (default: 502)
	timeout time.Duration // Connection timeout

	conn   net.Conn
	reader io.Reader
	writer io.Writer

	mutex     sync.Mutex // serializes Send calls and guards connected/lastTxID
	connected bool
	lastTxID  common.TransactionID
}

// TCPTransportOption is a function that configures a TCPTransport
type TCPTransportOption func(*TCPTransport)

// WithPort sets the TCP port
func WithPort(port int) TCPTransportOption {
	return func(t *TCPTransport) {
		t.port = port
	}
}

// WithTimeoutOption sets the timeout duration
func WithTimeoutOption(timeout time.Duration) TCPTransportOption {
	return func(t *TCPTransport) {
		t.timeout = timeout
	}
}

// WithReader sets the reader
func WithReader(reader io.Reader) TCPTransportOption {
	return func(t *TCPTransport) {
		t.reader = reader
	}
}

// WithWriter sets the writer
func WithWriter(writer io.Writer) TCPTransportOption {
	return func(t *TCPTransport) {
		t.writer = writer
	}
}

// WithTransportLogger sets the logger for the transport
func WithTransportLogger(logger common.LoggerInterface) TCPTransportOption {
	return func(t *TCPTransport) {
		t.logger = logger
	}
}

// NewTCPTransport creates a new TCPTransport
func NewTCPTransport(host string, options ...TCPTransportOption) *TCPTransport {
	t := &TCPTransport{
		logger:  logging.NewLogger(),
		host:    host,
		port:    common.DefaultTCPPort,
		timeout: 5 * time.Second,
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// WithLogger sets the logger for the transport and returns the modified transport
func (t *TCPTransport) WithLogger(logger common.LoggerInterface) common.Transport {
	t.logger = logger
	return t
}

// Connect establishes a connection to the Modbus TCP server
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.connected {
		return common.ErrAlreadyConnected
	}

	t.logger.Info(ctx, "Connecting to Modbus TCP server at %s:%d", t.host, t.port)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}

	dialer := net.Dialer{Timeout: time.Until(deadline)}

	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.logger.Error(ctx, "Failed to connect to %s: %v", addr, err)
		return err
	}

	t.conn = conn
	if t.reader == nil {
		t.reader = t.conn
	}
	if t.writer == nil {
		t.writer = t.conn
	}

	t.connected = true
	t.lastTxID = 0

	t.logger.Info(ctx, "Connected to Modbus TCP server at %s:%d", t.host, t.port)
	return nil
}

// Disconnect closes the connection to the Modbus TCP server
func (t *TCPTransport) Disconnect(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.connected {
		return nil
	}

	t.logger.Info(ctx, "Disconnecting from Modbus TCP server")
	t.connected = false

	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}

	t.logger.Info(ctx, "Disconnected from Modbus TCP server")
	return err
}

// IsConnected returns true if connected to the server
func (t *TCPTransport) IsConnected() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.connected
}

// isTimeout reports whether err (possibly wrapped) is a network deadline
// expiry, the condition the client surfaces to callers as common.ErrTimeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// nextTransactionID returns the next transaction ID, wrapping from 65535 to 1.
// Caller must hold t.mutex.
func (t *TCPTransport) nextTransactionID() common.TransactionID {
	t.lastTxID = common.TransactionID((uint32(t.lastTxID) % 65535) + 1)
	return t.lastTxID
}

// Send writes request and blocks for the matching response. Only one Send
// may be in flight on a given transport at a time; callers that need
// concurrent requests must use separate connections.
func (t *TCPTransport) Send(ctx context.Context, request common.Request) (common.Response, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.connected {
		return nil, common.ErrNotConnected
	}

	txID := t.nextTransactionID()
	request.SetTransactionID(txID)

	t.logger.Debug(ctx, "Sending request: txID=%d, function=%d", txID, request.GetPDU().FunctionCode)

	data, err := request.Encode()
	if err != nil {
		return nil, err
	}

	if hexLogger, ok := t.logger.(common.LoggerInterfaceHexdump); ok {
		hexLogger.Hexdump(ctx, data)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if conn, ok := t.conn.(interface{ SetDeadline(time.Time) error }); ok {
			conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}
	}

	if _, err := t.writer.Write(data); err != nil {
		t.logger.Error(ctx, "Error writing request: %v", err)
		t.connected = false
		return nil, fmt.Errorf("write error: %w", err)
	}

	response, err := t.readResponse(ctx, txID, request.GetUnitID(), request.GetPDU().FunctionCode)
	if err != nil {
		t.logger.Error(ctx, "Error reading response for txID=%d: %v", txID, err)
		t.connected = false
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", common.ErrTimeout, err)
		}
		return nil, err
	}

	t.logger.Debug(ctx, "Received response for txID=%d", txID)
	return response, nil
}

// readResponse reads MBAP header + PDU frames from the connection until one
// matches expectTxID/expectUnitID/expectFC (allowing the exception-flagged
// function code too), or the context deadline passes. A frame that doesn't
// match is a stale reply from a previous, timed-out request; it's dropped
// and logged once rather than treated as fatal, since the matching response
// may still be in flight behind it.
func (t *TCPTransport) readResponse(ctx context.Context, expectTxID common.TransactionID, expectUnitID common.UnitID, expectFC common.FunctionCode) (common.Response, error) {
	for {
		header := make([]byte, common.TCPHeaderLength)
		if _, err := io.ReadFull(t.reader, header); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}

		if hexLogger, ok := t.logger.(common.LoggerInterfaceHexdump); ok {
			hexLogger.Hexdump(ctx, header)
		}

		transactionID := common.TransactionID(binary.BigEndian.Uint16(header[0:2]))
		protocolID := common.ProtocolID(binary.BigEndian.Uint16(header[2:4]))
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := common.UnitID(header[6])

		if protocolID != common.TCPProtocolIdentifier {
			return nil, common.ErrInvalidProtocolHeader
		}

		bodyLength := int(length) - 1
		if bodyLength <= 0 {
			return nil, common.ErrInvalidResponseLength
		}

		body := make([]byte, bodyLength)
		if _, err := io.ReadFull(t.reader, body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		if hexLogger, ok := t.logger.(common.LoggerInterfaceHexdump); ok {
			hexLogger.Hexdump(ctx, body)
		}

		functionCode := common.FunctionCode(body[0])
		matches := transactionID == expectTxID && unitID == expectUnitID &&
			(functionCode == expectFC || functionCode == expectFC|0x80)
		if !matches {
			t.logger.Warn(ctx, "Dropping stale response: txID=%d unit=%d fc=%d (expected txID=%d unit=%d fc=%d)",
				transactionID, unitID, functionCode, expectTxID, expectUnitID, expectFC)
			continue
		}

		responseData := body[1:]
		return NewResponse(transactionID, unitID, functionCode, responseData), nil
	}
}
