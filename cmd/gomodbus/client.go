package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haldring/gomodbus-slave/client"
	"github.com/haldring/gomodbus-slave/common"
	"github.com/haldring/gomodbus-slave/config"
	"github.com/haldring/gomodbus-slave/logging"
	"github.com/haldring/gomodbus-slave/transport"
)

// connFlags are the connection settings shared by every client subcommand.
type connFlags struct {
	configPath string
	host       string
	port       int
	unitID     int
	timeout    time.Duration
	debug      bool
}

func addConnFlags(cmd *cobra.Command, flags *connFlags) {
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&flags.host, "host", "", "Server host (overrides config)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Server port (overrides config)")
	cmd.Flags().IntVar(&flags.unitID, "unit", 0, "Modbus unit ID (overrides config)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Request timeout (overrides config)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging, including frame hexdumps")
}

func dialClient(ctx context.Context, flags *connFlags) (*client.TCPClient, func(), error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	host := cfg.Client.Host
	if flags.host != "" {
		host = flags.host
	}
	port := cfg.Client.Port
	if flags.port != 0 {
		port = flags.port
	}
	unitID := cfg.Client.UnitID
	if flags.unitID != 0 {
		unitID = flags.unitID
	}
	timeout := cfg.Client.Timeout
	if flags.timeout != 0 {
		timeout = flags.timeout
	}

	logLevel := config.ParseLevel(cfg.Logger.Level)
	if flags.debug {
		logLevel = common.LevelTrace
	}
	logger := logging.NewLogger(logging.WithLevel(logLevel))

	modbusClient := client.NewTCPClient(
		host,
		transport.WithPort(port),
		transport.WithTimeoutOption(timeout),
		transport.WithTransportLogger(logger),
	).WithOptions(
		client.WithTCPUnitID(common.UnitID(unitID)),
		client.WithTCPLogger(logger),
	)

	if err := modbusClient.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}

	closer := func() {
		_ = modbusClient.Disconnect(context.Background())
	}
	return modbusClient, closer, nil
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Issue Modbus requests against a server",
	}

	cmd.AddCommand(
		newReadCoilsCmd(),
		newReadDiscreteInputsCmd(),
		newReadHoldingRegistersCmd(),
		newReadInputRegistersCmd(),
		newWriteCoilCmd(),
		newWriteRegisterCmd(),
		newWriteCoilsCmd(),
		newWriteRegistersCmd(),
		newMaskWriteRegisterCmd(),
		newReadWriteRegistersCmd(),
	)
	return cmd
}

func newReadCoilsCmd() *cobra.Command {
	flags := &connFlags{}
	var address, quantity uint16
	cmd := &cobra.Command{
		Use:     "read-coils",
		Short:   "Read coils (function code 0x01)",
		Example: "  gomodbus client read-coils --host 127.0.0.1 --address 0 --quantity 8",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			values, err := c.ReadCoils(context.Background(), common.Address(address), common.Quantity(quantity))
			if err != nil {
				return err
			}
			printBitValues(cmd, address, values)
			return nil
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting coil address")
	cmd.Flags().Uint16Var(&quantity, "quantity", 1, "Number of coils to read")
	return cmd
}

func newReadDiscreteInputsCmd() *cobra.Command {
	flags := &connFlags{}
	var address, quantity uint16
	cmd := &cobra.Command{
		Use:     "read-discrete-inputs",
		Short:   "Read discrete inputs (function code 0x02)",
		Example: "  gomodbus client read-discrete-inputs --address 0 --quantity 8",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			values, err := c.ReadDiscreteInputs(context.Background(), common.Address(address), common.Quantity(quantity))
			if err != nil {
				return err
			}
			printBitValues(cmd, address, values)
			return nil
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting discrete input address")
	cmd.Flags().Uint16Var(&quantity, "quantity", 1, "Number of discrete inputs to read")
	return cmd
}

func newReadHoldingRegistersCmd() *cobra.Command {
	flags := &connFlags{}
	var address, quantity uint16
	cmd := &cobra.Command{
		Use:     "read-holding-registers",
		Short:   "Read holding registers (function code 0x03)",
		Example: "  gomodbus client read-holding-registers --address 0 --quantity 4",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			values, err := c.ReadHoldingRegisters(context.Background(), common.Address(address), common.Quantity(quantity))
			if err != nil {
				return err
			}
			printRegisterValues(cmd, address, values)
			return nil
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting register address")
	cmd.Flags().Uint16Var(&quantity, "quantity", 1, "Number of registers to read")
	return cmd
}

func newReadInputRegistersCmd() *cobra.Command {
	flags := &connFlags{}
	var address, quantity uint16
	cmd := &cobra.Command{
		Use:     "read-input-registers",
		Short:   "Read input registers (function code 0x04)",
		Example: "  gomodbus client read-input-registers --address 0 --quantity 4",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			values, err := c.ReadInputRegisters(context.Background(), common.Address(address), common.Quantity(quantity))
			if err != nil {
				return err
			}
			printRegisterValues(cmd, address, values)
			return nil
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting register address")
	cmd.Flags().Uint16Var(&quantity, "quantity", 1, "Number of registers to read")
	return cmd
}

func newWriteCoilCmd() *cobra.Command {
	flags := &connFlags{}
	var address uint16
	var value bool
	cmd := &cobra.Command{
		Use:     "write-coil",
		Short:   "Write a single coil (function code 0x05)",
		Example: "  gomodbus client write-coil --address 10 --value true",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			return c.WriteSingleCoil(context.Background(), common.Address(address), common.CoilValue(value))
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Coil address")
	cmd.Flags().BoolVar(&value, "value", false, "Coil value to write")
	return cmd
}

func newWriteRegisterCmd() *cobra.Command {
	flags := &connFlags{}
	var address uint16
	var value uint16
	cmd := &cobra.Command{
		Use:     "write-register",
		Short:   "Write a single holding register (function code 0x06)",
		Example: "  gomodbus client write-register --address 10 --value 0x1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			return c.WriteSingleRegister(context.Background(), common.Address(address), common.RegisterValue(value))
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Register address")
	cmd.Flags().Uint16Var(&value, "value", 0, "Register value to write")
	return cmd
}

func newWriteCoilsCmd() *cobra.Command {
	flags := &connFlags{}
	var address uint16
	var valuesCSV string
	cmd := &cobra.Command{
		Use:     "write-coils",
		Short:   "Write multiple coils (function code 0x0F)",
		Example: "  gomodbus client write-coils --address 10 --values true,false,true",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseBoolCSV(valuesCSV)
			if err != nil {
				return err
			}
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			return c.WriteMultipleCoils(context.Background(), common.Address(address), values)
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting coil address")
	cmd.Flags().StringVar(&valuesCSV, "values", "", "Comma-separated list of true/false values (required)")
	cmd.MarkFlagRequired("values")
	return cmd
}

func newWriteRegistersCmd() *cobra.Command {
	flags := &connFlags{}
	var address uint16
	var valuesCSV string
	cmd := &cobra.Command{
		Use:     "write-registers",
		Short:   "Write multiple holding registers (function code 0x10)",
		Example: "  gomodbus client write-registers --address 10 --values 1,2,3",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseUint16CSV(valuesCSV)
			if err != nil {
				return err
			}
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			regValues := make([]common.RegisterValue, len(values))
			for i, v := range values {
				regValues[i] = common.RegisterValue(v)
			}
			return c.WriteMultipleRegisters(context.Background(), common.Address(address), regValues)
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Starting register address")
	cmd.Flags().StringVar(&valuesCSV, "values", "", "Comma-separated list of register values (required)")
	cmd.MarkFlagRequired("values")
	return cmd
}

func newMaskWriteRegisterCmd() *cobra.Command {
	flags := &connFlags{}
	var address uint16
	var andMask, orMask uint16
	cmd := &cobra.Command{
		Use:     "mask-write-register",
		Short:   "Mask-write a single holding register (function code 0x16)",
		Example: "  gomodbus client mask-write-register --address 10 --and-mask 0xF2F2 --or-mask 0x0025",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			return c.MaskWriteRegister(context.Background(), common.Address(address), common.RegisterValue(andMask), common.RegisterValue(orMask))
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&address, "address", 0, "Register address")
	cmd.Flags().Uint16Var(&andMask, "and-mask", 0xFFFF, "AND mask")
	cmd.Flags().Uint16Var(&orMask, "or-mask", 0, "OR mask")
	return cmd
}

func newReadWriteRegistersCmd() *cobra.Command {
	flags := &connFlags{}
	var readAddress, readQuantity, writeAddress uint16
	var valuesCSV string
	cmd := &cobra.Command{
		Use:   "read-write-registers",
		Short: "Read and write holding registers in one transaction (function code 0x17)",
		Example: "  gomodbus client read-write-registers --read-address 0 --read-quantity 2 \\\n" +
			"    --write-address 10 --write-values 1,2",
		RunE: func(cmd *cobra.Command, args []string) error {
			writeValues, err := parseUint16CSV(valuesCSV)
			if err != nil {
				return err
			}
			c, closer, err := dialClient(context.Background(), flags)
			if err != nil {
				return err
			}
			defer closer()
			regValues := make([]common.RegisterValue, len(writeValues))
			for i, v := range writeValues {
				regValues[i] = common.RegisterValue(v)
			}
			result, err := c.ReadWriteMultipleRegisters(context.Background(),
				common.Address(readAddress), common.Quantity(readQuantity),
				common.Address(writeAddress), regValues)
			if err != nil {
				return err
			}
			printRegisterValues(cmd, readAddress, result)
			return nil
		},
	}
	addConnFlags(cmd, flags)
	cmd.Flags().Uint16Var(&readAddress, "read-address", 0, "Starting address to read")
	cmd.Flags().Uint16Var(&readQuantity, "read-quantity", 1, "Number of registers to read")
	cmd.Flags().Uint16Var(&writeAddress, "write-address", 0, "Starting address to write")
	cmd.Flags().StringVar(&valuesCSV, "write-values", "", "Comma-separated list of register values to write (required)")
	cmd.MarkFlagRequired("write-values")
	return cmd
}

func printBitValues(cmd *cobra.Command, base uint16, values interface{}) {
	switch vs := values.(type) {
	case []common.CoilValue:
		for i, v := range vs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %t\n", int(base)+i, bool(v))
		}
	case []common.DiscreteInputValue:
		for i, v := range vs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %t\n", int(base)+i, bool(v))
		}
	}
}

func printRegisterValues(cmd *cobra.Command, base uint16, values interface{}) {
	switch vs := values.(type) {
	case []common.RegisterValue:
		for i, v := range vs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: 0x%04X\n", int(base)+i, uint16(v))
		}
	case []common.InputRegisterValue:
		for i, v := range vs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: 0x%04X\n", int(base)+i, uint16(v))
		}
	}
}

func parseBoolCSV(csv string) ([]common.CoilValue, error) {
	parts := strings.Split(csv, ",")
	values := make([]common.CoilValue, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseBool(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q: %w", p, err)
		}
		values = append(values, common.CoilValue(v))
	}
	return values, nil
}

func parseUint16CSV(csv string) ([]uint16, error) {
	parts := strings.Split(csv, ",")
	values := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q: %w", p, err)
		}
		values = append(values, uint16(v))
	}
	return values, nil
}
