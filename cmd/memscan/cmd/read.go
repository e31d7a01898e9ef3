package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"memscan/hexdump"
	"memscan/process"
)

var (
	readAddr    string
	readSize    uint
	readLines   int
	readPlain   bool
	readPattern string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Hexdump a span of the target's memory",
	Long: `read fetches a span of the target's memory and renders it with addresses,
hex bytes, and an ASCII column.

Example:
  memscan read --pid 1234 --addr 0x7f001000 --size 256`,
	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readAddr, "addr", "a", "", "Start address (0x-hex or decimal)")
	readCmd.MarkFlagRequired("addr")

	readCmd.Flags().UintVarP(&readSize, "size", "s", 256, "Bytes to read")
	readCmd.Flags().IntVar(&readLines, "lines", 0, "Cap output lines (0 for no limit)")
	readCmd.Flags().BoolVar(&readPlain, "plain", false, "No colors or ASCII column, for piping")
	readCmd.Flags().StringVar(&readPattern, "highlight", "",
		"Hex byte pattern to highlight in the dump")

	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, _, closeBackend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	addr, err := strconv.ParseUint(readAddr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", readAddr, err)
	}

	data, err := backend.ReadMemory(process.ProcessMemoryAddress(addr), process.ProcessMemorySize(readSize))
	if err != nil {
		return fmt.Errorf("read at 0x%X failed: %w", addr, err)
	}

	if readPlain {
		fmt.Print(hexdump.Plain(data, addr, 16))
		return nil
	}

	opts := hexdump.DefaultOptions()
	opts.BaseAddress = addr
	opts.MaxLines = readLines
	if readPattern != "" {
		pat, _, err := encodeByteValue(readPattern, "")
		if err != nil {
			return err
		}
		opts.Pattern, _ = hex.DecodeString(pat)
	}

	hexdump.DumpToWriter(os.Stdout, data, opts)
	return nil
}
