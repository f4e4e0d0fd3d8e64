package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/haldring/gomodbus-slave/common"
	"github.com/haldring/gomodbus-slave/datastore"
	"github.com/haldring/gomodbus-slave/logging"
	"github.com/haldring/gomodbus-slave/transport"
)

// minFrameLength is the smallest a MBAP+PDU frame can legally be: the 7-byte
// MBAP header plus at least one function code byte.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4.1
const minFrameLength = common.TCPHeaderLength + 1

// TCPServer implements a Modbus TCP server
// Implements the Modbus TCP protocol as defined in the Modbus specification
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4 (Modbus Protocol Description)
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3 (Modbus TCP/IP Protocol)
type TCPServer struct {
	// Server binding configuration
	address  string
	port     int
	listener net.Listener

	// Function code handlers map
	handlers map[common.FunctionCode]common.HandlerFunc

	// Data storage
	defaultStore common.DataStore

	// Server state
	running      bool
	clients      map[string]*clientConn
	clientsMutex sync.RWMutex
	mutex        sync.RWMutex
	logger       common.LoggerInterface
	stopChan     chan struct{}
	connWG       sync.WaitGroup // one entry per live handleConnection goroutine

	// Protocol handler for processing requests
	protocol *serverProtocolHandler

	onClientConnect    func(ConnectedClient)
	onClientDisconnect func(ConnectedClient)
}

// TCPServerOption is a function type for configuring a TCPServer
type TCPServerOption func(*TCPServer)

// WithServerPort sets the TCP port for the server
func WithServerPort(port int) TCPServerOption {
	return func(s *TCPServer) {
		s.port = port
	}
}

// WithServerLogger sets the logger for the TCP server
func WithServerLogger(logger common.LoggerInterface) TCPServerOption {
	return func(s *TCPServer) {
		s.logger = logger
	}
}

// WithServerDataStore sets the data store for the TCP server
func WithServerDataStore(store common.DataStore) TCPServerOption {
	return func(s *TCPServer) {
		s.defaultStore = store
	}
}

// WithOnClientConnect registers a callback invoked (from the accept loop)
// whenever a new client connects, with a zero-transaction snapshot.
func WithOnClientConnect(fn func(ConnectedClient)) TCPServerOption {
	return func(s *TCPServer) {
		s.onClientConnect = fn
	}
}

// WithOnClientDisconnect registers a callback invoked (from the connection's
// own goroutine) whenever a client disconnects, with its final snapshot.
func WithOnClientDisconnect(fn func(ConnectedClient)) TCPServerOption {
	return func(s *TCPServer) {
		s.onClientDisconnect = fn
	}
}

// NewTCPServer creates a new Modbus TCP server. Without WithServerDataStore,
// the server binds a Store with every bank sized zero: it accepts
// connections and speaks the protocol, but every request fails with
// ILLEGAL_DATA_ADDRESS until a real store is supplied.
func NewTCPServer(address string, options ...TCPServerOption) *TCPServer {
	server := &TCPServer{
		address:      address,
		port:         common.DefaultTCPPort,
		handlers:     make(map[common.FunctionCode]common.HandlerFunc),
		defaultStore: datastore.New(datastore.Config{}),
		logger:       logging.NewLogger(),
		clients:      make(map[string]*clientConn),
		protocol:     newServerProtocolHandler(),
	}

	// Apply options
	for _, option := range options {
		option(server)
	}

	// Setup default handlers based on data store
	server.setupDefaultHandlers()

	return server
}

// WithLogger sets the logger for the server
func (s *TCPServer) WithLogger(logger common.LoggerInterface) common.Server {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.logger = logger
	return s
}

// WithDataStore sets the data store for the server
func (s *TCPServer) WithDataStore(dataStore common.DataStore) common.Server {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.defaultStore = dataStore
	s.setupDefaultHandlers()
	return s
}

// setupDefaultHandlers configures handlers for standard Modbus functions
// Sets up handlers for all supported Modbus function codes as defined in the specification
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6 (Function Codes)
func (s *TCPServer) setupDefaultHandlers() {
	// Clear existing handlers
	s.handlers = make(map[common.FunctionCode]common.HandlerFunc)

	// Read Coils (0x01)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.1
	s.SetHandler(common.FuncReadCoils, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleReadCoils(ctx, req, s.defaultStore)
	})

	// Read Discrete Inputs (0x02)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.2
	s.SetHandler(common.FuncReadDiscreteInputs, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleReadDiscreteInputs(ctx, req, s.defaultStore)
	})

	// Read Holding Registers (0x03)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.3
	s.SetHandler(common.FuncReadHoldingRegisters, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleReadHoldingRegisters(ctx, req, s.defaultStore)
	})

	// Read Input Registers (0x04)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.4
	s.SetHandler(common.FuncReadInputRegisters, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleReadInputRegisters(ctx, req, s.defaultStore)
	})

	// Write Single Coil (0x05)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.5
	s.SetHandler(common.FuncWriteSingleCoil, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleWriteSingleCoil(ctx, req, s.defaultStore)
	})

	// Write Single Register (0x06)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.6
	s.SetHandler(common.FuncWriteSingleRegister, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleWriteSingleRegister(ctx, req, s.defaultStore)
	})

	// Write Multiple Coils (0x0F)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.11
	s.SetHandler(common.FuncWriteMultipleCoils, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleWriteMultipleCoils(ctx, req, s.defaultStore)
	})

	// Write Multiple Registers (0x10)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.12
	s.SetHandler(common.FuncWriteMultipleRegisters, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleWriteMultipleRegisters(ctx, req, s.defaultStore)
	})

	// Mask Write Register (0x16)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.16
	s.SetHandler(common.FuncMaskWriteRegister, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleMaskWriteRegister(ctx, req, s.defaultStore)
	})

	// Read/Write Multiple Registers (0x17)
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.17
	s.SetHandler(common.FuncReadWriteMultipleRegisters, func(ctx context.Context, req common.Request) (common.Response, error) {
		return s.protocol.HandleReadWriteMultipleRegisters(ctx, req, s.defaultStore)
	})
}

// SetHandler sets the handler for a specific Modbus function code
func (s *TCPServer) SetHandler(functionCode common.FunctionCode, handler common.HandlerFunc) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[functionCode] = handler
}

// ConnectedClients returns a point-in-time snapshot of every currently
// connected client's stats.
func (s *TCPServer) ConnectedClients() []ConnectedClient {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	out := make([]ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, toConnectedClient(c))
	}
	return out
}

func toConnectedClient(c *clientConn) ConnectedClient {
	return ConnectedClient{
		RemoteAddr:        c.remoteAddr,
		ConnectedAt:       c.connectedAt,
		RxTransactions:    c.rxCount.Load(),
		TxTransactions:    c.txCount.Load(),
		FunctionCodeStats: fcSnapshot(c),
	}
}

// Start starts the server
func (s *TCPServer) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mutex.Unlock()
		return err
	}

	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})
	s.mutex.Unlock()

	s.logger.Info(ctx, "Modbus TCP server started on %s", listener.Addr().String())

	// Start accepting connections
	go s.acceptLoop(ctx)

	return nil
}

// Stop stops accepting new connections and waits, bounded by ctx, for
// in-flight connections to finish dispatching their current frame before
// closing them. A connection blocked on an idle Read is nudged immediately
// by shortening its deadline; one actively inside handleFrame is left to
// finish and exits on its own right after. If ctx is done before every
// connection has drained, the stragglers are closed mid-read instead.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil // Already stopped
	}

	// Signal accept loop and connection loops to stop
	close(s.stopChan)

	// Close listener so no new connections are accepted
	if s.listener != nil {
		s.listener.Close()
	}

	s.running = false
	s.mutex.Unlock()

	// Unblock any connection currently idle in Read; one mid-frame keeps
	// running until handleFrame returns, then exits on its own.
	s.clientsMutex.RLock()
	for _, c := range s.clients {
		c.conn.SetReadDeadline(time.Now())
	}
	s.clientsMutex.RUnlock()

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info(ctx, "Modbus TCP server stopped: all connections drained")
	case <-ctx.Done():
		// Bounded by ctx: don't wait any further for handleConnection
		// goroutines to notice, even though some may still be running a
		// handler that ignores the now-closed connection.
		s.logger.Warn(ctx, "Modbus TCP server stop deadline exceeded, closing remaining connections")
		s.clientsMutex.Lock()
		for _, c := range s.clients {
			c.conn.Close()
		}
		s.clientsMutex.Unlock()
	}

	return nil
}

// IsRunning returns true if the server is running
func (s *TCPServer) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// acceptLoop accepts incoming connections
func (s *TCPServer) acceptLoop(ctx context.Context) {
	for {
		// Check if we should stop
		select {
		case <-s.stopChan:
			return
		default:
			// Continue accepting
		}

		// Set accept deadline to allow checking for stop signal
		s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))

		conn, err := s.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				// Timeout, just retry
				continue
			}

			// Check if we're shutting down
			select {
			case <-s.stopChan:
				return
			default:
				s.logger.Error(ctx, "Error accepting connection: %v", err)
				continue
			}
		}

		remoteAddr := conn.RemoteAddr().String()
		s.logger.Info(ctx, "New client connected: %s", remoteAddr)

		client := &clientConn{
			remoteAddr:  remoteAddr,
			connectedAt: time.Now(),
			conn:        conn,
		}

		s.clientsMutex.Lock()
		s.clients[remoteAddr] = client
		s.clientsMutex.Unlock()

		if s.onClientConnect != nil {
			s.onClientConnect(toConnectedClient(client))
		}

		// Handle the client connection
		s.connWG.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection pumps bytes off the connection through a Deframer and
// dispatches each complete frame it recovers. One goroutine per connection;
// within a connection, responses are produced and written in request order.
//
// The loop checks stopChan only between frames, never while a frame is being
// dispatched: Stop shortens the read deadline to unblock a connection that's
// idle, but a connection mid-frame is left alone to finish dispatching and
// writing its response before the next stopChan check ends the loop.
// Implements the Modbus TCP message handling as defined in the specification
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3 (Message Processing)
func (s *TCPServer) handleConnection(client *clientConn) {
	ctx := context.Background()
	conn := client.conn
	remoteAddr := client.remoteAddr
	deframer := NewDeframer()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, remoteAddr)
		s.clientsMutex.Unlock()

		conn.Close()
		s.logger.Info(ctx, "Client disconnected: %s", remoteAddr)

		if s.onClientDisconnect != nil {
			s.onClientDisconnect(toConnectedClient(client))
		}

		s.connWG.Done()
	}()

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range deframer.Feed(buf[:n]) {
				s.handleFrame(ctx, client, frame)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
	}
}

// handleFrame decodes one complete MBAP+PDU frame, dispatches it, and writes
// back the resulting normal or exception response.
//
// A frame this short still comes with a valid MBAP header (the Deframer only
// ever yields a frame once it has all `6 + length_field` bytes), so
// transaction_id and unit_id are always available for the exception reply
// even when the PDU itself is truncated to nothing.
// Ref: spec §4.5 step 2 (total_bytes >= 8); distinct from the Deframer's own
// silent-discard case for an impossible length field.
func (s *TCPServer) handleFrame(ctx context.Context, client *clientConn, frame []byte) {
	if len(frame) < minFrameLength {
		s.logger.Error(ctx, "Malformed frame from %s: %d bytes, no function code", client.remoteAddr, len(frame))
		txID := common.TransactionID(binary.BigEndian.Uint16(frame[0:2]))
		unitID := common.UnitID(frame[6])
		response := transport.NewResponse(txID, unitID, common.FunctionCode(0)|0x80,
			[]byte{byte(common.ExceptionInvalidDataValue)})
		s.sendResponse(client, response)
		return
	}

	req := &transport.Request{}
	if err := req.Decode(frame); err != nil {
		s.logger.Error(ctx, "Malformed frame from %s: %v", client.remoteAddr, err)
		return
	}

	client.rxCount.Add(1)
	functionCode := req.GetPDU().FunctionCode
	client.fcCount[functionCode].Add(1)

	s.logger.Debug(ctx, "Received request from %s: txID=%d, unit=%d, function=%s",
		client.remoteAddr, req.GetTransactionID(), req.GetUnitID(), functionCode)

	response, err := s.dispatchRequest(ctx, req)
	if err != nil {
		modbusErr, ok := err.(*common.ModbusError)
		if !ok {
			s.logger.Error(ctx, "Error processing request from %s: %v", client.remoteAddr, err)
			return
		}
		s.logger.Debug(ctx, "Modbus exception: %s", err.Error())
		response = transport.NewResponse(
			req.GetTransactionID(),
			req.GetUnitID(),
			functionCode|0x80,
			[]byte{byte(modbusErr.ExceptionCode)},
		)
	}

	s.sendResponse(client, response)
}

// dispatchRequest dispatches a request to the appropriate handler
// Routes requests to the registered handler for the specified function code
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6 (Function Codes)
func (s *TCPServer) dispatchRequest(ctx context.Context, request common.Request) (common.Response, error) {
	// Get the function code
	functionCode := request.GetPDU().FunctionCode

	// Find the handler
	s.mutex.RLock()
	handler, exists := s.handlers[functionCode]
	s.mutex.RUnlock()

	if !exists {
		// Function code not supported, return an exception
		// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7 (Exception Codes)
		return nil, common.NewModbusError(functionCode, common.ExceptionFunctionCodeNotSupported)
	}

	// Call the handler
	return handler(ctx, request)
}

// sendResponse sends a response back to the client
// Encodes the Modbus Application Protocol response and sends it over the TCP connection
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3 (Message Encoding)
func (s *TCPServer) sendResponse(client *clientConn, response common.Response) {
	ctx := context.Background()
	data, err := response.Encode()
	if err != nil {
		s.logger.Error(ctx, "Error encoding response: %v", err)
		return
	}

	if _, err := client.conn.Write(data); err != nil {
		s.logger.Error(ctx, "Error sending response: %v", err)
		return
	}

	client.txCount.Add(1)
	s.logger.Debug(ctx, "Sent response to %s: txID=%d, function=%s",
		client.remoteAddr, response.GetTransactionID(), response.GetPDU().FunctionCode)
}
