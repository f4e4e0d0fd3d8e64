package gomodbus

import (
	"context"
	"testing"
	"time"

	"github.com/haldring/gomodbus-slave/client"
	"github.com/haldring/gomodbus-slave/common"
	"github.com/haldring/gomodbus-slave/datastore"
	"github.com/haldring/gomodbus-slave/logging"
	"github.com/haldring/gomodbus-slave/server"
	"github.com/haldring/gomodbus-slave/transport"
)

// TestClientServerIntegration performs an integration test with a real TCP client and server
func TestClientServerIntegration(t *testing.T) {
	// Create a test logger
	logger := logging.NewLogger(logging.WithLevel(common.LevelDebug))

	// Create a context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create the server with an in-memory store sized to cover every
	// address this test touches
	store := datastore.New(datastore.Config{
		CoilCount:    2000,
		HoldingCount: 3000,
		InputCount:   4000,
	})

	// Pre-load some test data
	store.CellAtCoil(1000).SetStored(1)
	store.CellAtCoil(1001).SetStored(0)
	store.CellAtCoil(1002).SetStored(1)

	store.CellAtHoldingRegister(2000).SetStored(0x1234)
	store.CellAtHoldingRegister(2001).SetStored(0x5678)

	store.CellAtInputRegister(3000).SetStored(0xABCD)
	store.CellAtInputRegister(3001).SetStored(0xEF01)

	// Find a free port for the server
	serverPort, err := common.FindFreePortTCP()
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}

	// Create the server
	modbusServer := server.NewTCPServer(
		"127.0.0.1",
		server.WithServerPort(serverPort), // Use a dynamically allocated port
		server.WithServerLogger(logger),
		server.WithServerDataStore(store),
	)

	// Start the server in a goroutine
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- modbusServer.Start(ctx)
	}()

	// Wait briefly for the server to start
	time.Sleep(100 * time.Millisecond)

	// Create a client that connects to the server
	modbusClient := client.NewTCPClient(
		"127.0.0.1",
		transport.WithPort(serverPort),
		transport.WithTimeoutOption(5*time.Second),
		transport.WithTransportLogger(logger),
	).WithOptions(
		client.WithTCPUnitID(1),
		client.WithTCPLogger(logger),
	)

	// Connect to the server
	err = modbusClient.Connect(ctx)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer modbusClient.Disconnect(context.Background())

	// Test reading coils
	coils, err := modbusClient.ReadCoils(ctx, common.Address(1000), common.Quantity(3))
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}

	expectedCoils := []common.CoilValue{true, false, true}
	if len(coils) != len(expectedCoils) {
		t.Fatalf("Expected %d coils, got %d", len(expectedCoils), len(coils))
	}

	for i, expected := range expectedCoils {
		if coils[i] != expected {
			t.Errorf("Coil %d: expected %t, got %t", i, expected, coils[i])
		}
	}

	// Test reading holding registers
	holdingRegisters, err := modbusClient.ReadHoldingRegisters(ctx, common.Address(2000), common.Quantity(2))
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}

	expectedHoldingRegisters := []common.RegisterValue{0x1234, 0x5678}
	if len(holdingRegisters) != len(expectedHoldingRegisters) {
		t.Fatalf("Expected %d holding registers, got %d",
			len(expectedHoldingRegisters), len(holdingRegisters))
	}

	for i, expected := range expectedHoldingRegisters {
		if holdingRegisters[i] != expected {
			t.Errorf("Holding register %d: expected 0x%04X, got 0x%04X",
				i, expected, holdingRegisters[i])
		}
	}

	// Test reading input registers
	inputRegisters, err := modbusClient.ReadInputRegisters(ctx, common.Address(3000), common.Quantity(2))
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}

	expectedInputRegisters := []common.InputRegisterValue{0xABCD, 0xEF01}
	if len(inputRegisters) != len(expectedInputRegisters) {
		t.Fatalf("Expected %d input registers, got %d",
			len(expectedInputRegisters), len(inputRegisters))
	}

	for i, expected := range expectedInputRegisters {
		if inputRegisters[i] != expected {
			t.Errorf("Input register %d: expected 0x%04X, got 0x%04X",
				i, expected, inputRegisters[i])
		}
	}

	// Test writing a single coil
	err = modbusClient.WriteSingleCoil(ctx, common.Address(1010), common.CoilValue(true))
	if err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}

	if v := store.CellAtCoil(common.Address(1010)).Get(); v != 1 {
		t.Errorf("Expected coil value true, got %d", v)
	}

	// Test writing a single register
	err = modbusClient.WriteSingleRegister(ctx, common.Address(2010), common.RegisterValue(0x4321))
	if err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}

	if v := store.CellAtHoldingRegister(common.Address(2010)).Get(); v != 0x4321 {
		t.Errorf("Expected register value 0x4321, got 0x%04X", v)
	}

	// Test writing multiple coils
	coilValues := []common.CoilValue{true, false, true, false}
	err = modbusClient.WriteMultipleCoils(ctx, common.Address(1020), coilValues)
	if err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}

	for i, expected := range coilValues {
		addr := common.Address(1020 + i)
		got := store.CellAtCoil(addr).Get() != 0
		if got != bool(expected) {
			t.Errorf("Coil at address %d: expected %t, got %t", addr, expected, got)
		}
	}

	// Test writing multiple registers
	registerValues := []common.RegisterValue{0x1111, 0x2222, 0x3333}
	err = modbusClient.WriteMultipleRegisters(ctx, common.Address(2020), registerValues)
	if err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}

	for i, expected := range registerValues {
		addr := common.Address(2020 + i)
		if got := common.RegisterValue(store.CellAtHoldingRegister(addr).Get()); got != expected {
			t.Errorf("Register at address %d: expected 0x%04X, got 0x%04X", addr, expected, got)
		}
	}

	// Test mask write register: 0x1234 AND 0xF2F2 OR (0x0025 AND NOT 0xF2F2) == 0x1235
	err = modbusClient.MaskWriteRegister(ctx, common.Address(2000), 0xF2F2, 0x0025)
	if err != nil {
		t.Fatalf("MaskWriteRegister failed: %v", err)
	}
	if got := store.CellAtHoldingRegister(common.Address(2000)).Get(); got != 0x1235 {
		t.Errorf("Expected masked register 0x1235, got 0x%04X", got)
	}

	// Test read-write multiple registers
	readAddress := common.Address(2000)
	readQuantity := common.Quantity(2)
	writeAddress := common.Address(2030)
	writeValues := []common.RegisterValue{0xAAAA, 0xBBBB}

	readValues, err := modbusClient.ReadWriteMultipleRegisters(
		ctx, readAddress, readQuantity, writeAddress, writeValues)
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegisters failed: %v", err)
	}

	// Verify the read values (register 2000 now holds the masked value above)
	expectedReadValues := []common.RegisterValue{0x1235, 0x5678}
	if len(readValues) != len(expectedReadValues) {
		t.Fatalf("Expected %d read values, got %d",
			len(expectedReadValues), len(readValues))
	}

	for i, expected := range expectedReadValues {
		if readValues[i] != expected {
			t.Errorf("Read value %d: expected 0x%04X, got 0x%04X",
				i, expected, readValues[i])
		}
	}

	// Verify the write values
	for i, expected := range writeValues {
		addr := writeAddress + common.Address(i)
		if got := common.RegisterValue(store.CellAtHoldingRegister(addr).Get()); got != expected {
			t.Errorf("Written register at address %d: expected 0x%04X, got 0x%04X",
				addr, expected, got)
		}
	}

	// Stop the server
	err = modbusServer.Stop(ctx)
	if err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	// Check if there was an error starting the server
	select {
	case err := <-serverErrCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Server error: %v", err)
		}
	default:
		// Server is still running, this is fine
	}
}
