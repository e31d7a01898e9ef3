package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"memscan/hexdump"
	"memscan/process"
	"memscan/scan"
)

var (
	writeAddr  string
	writeType  string
	writeValue string
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Poke a value into the target's memory",
	Long: `write encodes a value as the given type and writes it at the address,
typically one located with scan. The bytes are read back for confirmation.

Examples:
  memscan write --pid 1234 --addr 0x7f001000 --type int32 --value 9999
  memscan write --pid 1234 --addr 0x7f001000 --type bytes --value 'deadbeef'`,
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVarP(&writeAddr, "addr", "a", "", "Address to write at (0x-hex or decimal)")
	writeCmd.MarkFlagRequired("addr")

	writeCmd.Flags().StringVarP(&writeType, "type", "t", "int32", "Data type of the value")

	writeCmd.Flags().StringVarP(&writeValue, "value", "v", "", "Value to write")
	writeCmd.MarkFlagRequired("value")

	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, _, closeBackend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	addr, err := strconv.ParseUint(writeAddr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", writeAddr, err)
	}

	pattern, mask, err := encodeScanValue(scan.DataType(writeType), writeValue, "")
	if err != nil {
		return err
	}
	if mask != "" {
		return fmt.Errorf("wildcards make no sense in a write value")
	}
	data, err := hex.DecodeString(pattern)
	if err != nil || len(data) == 0 {
		return fmt.Errorf("value %q encodes to no bytes", writeValue)
	}

	if err := backend.WriteMemory(process.ProcessMemoryAddress(addr), data); err != nil {
		return fmt.Errorf("write at 0x%X failed: %w", addr, err)
	}

	back, err := backend.ReadMemory(process.ProcessMemoryAddress(addr), process.ProcessMemorySize(len(data)))
	if err != nil {
		return fmt.Errorf("wrote %d bytes but readback failed: %w", len(data), err)
	}

	fmt.Printf("wrote %d bytes at 0x%X\n", len(data), addr)
	fmt.Print(hexdump.Plain(back, addr, 16))
	return nil
}
