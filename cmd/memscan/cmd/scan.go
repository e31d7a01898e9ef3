package cmd

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"memscan/process"
	"memscan/scan"
)

var (
	scanID        string
	scanType      string
	scanFind      string
	scanValue     string
	scanValueMax  string
	scanMask      string
	scanAlignment int
	scanSuspend   bool
	scanLimit     int
	scanOneShot   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the target's memory and narrow interactively",
	Long: `scan sweeps the target's readable writable regions for the given value,
then reads filter commands from stdin to narrow the surviving set against
fresh memory. An empty line reprints the current results; 'quit' exits.

Filter lines look like:
  exact 150            keep candidates now equal to 150
  range 10 99          keep candidates now inside [10, 99]
  increased            keep candidates whose value grew
  changed              keep candidates whose bytes changed
  increased int32      same, naming the type (after a --find unknown scan)

Values are decimal (or 0x-hex) for numeric types, literal text for string
and regex types, and hex bytes for type 'bytes' ('??' wildcards a byte).

Examples:
  memscan scan --pid 1234 --type int32 --value 100
  memscan scan --pid 1234 --type bytes --value 'de??beef'
  memscan scan --pid 1234 --find unknown --type unknown`,
	RunE: runScanCmd,
}

func init() {
	scanCmd.Flags().StringVar(&scanID, "scan-id", "cli", "Scan id for this session")
	scanCmd.Flags().StringVarP(&scanType, "type", "t", "int32",
		"Data type (int8..uint64, float, double, bytes, string, string16, regex, unknown)")
	scanCmd.Flags().StringVar(&scanFind, "find", "exact",
		"Initial comparison (exact, range, greater_or_equal, less_than, unknown)")
	scanCmd.Flags().StringVarP(&scanValue, "value", "v", "", "Value to scan for")
	scanCmd.Flags().StringVar(&scanValueMax, "value-max", "", "Range upper bound (find=range)")
	scanCmd.Flags().StringVar(&scanMask, "mask", "",
		"Hex wildcard mask for byte patterns (00 = any byte)")
	scanCmd.Flags().IntVar(&scanAlignment, "alignment", 0,
		"Candidate address alignment (0 for the type's width)")
	scanCmd.Flags().BoolVar(&scanSuspend, "suspend", false,
		"Suspend the target during each pass")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 20, "Results shown per pass")
	scanCmd.Flags().BoolVar(&scanOneShot, "one-shot", false,
		"Print the initial results and exit without the filter loop")

	rootCmd.AddCommand(scanCmd)
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, rc, closeBackend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	ranges, err := writableRanges(backend)
	if err != nil {
		return err
	}

	dataType := scan.DataType(scanType)
	pattern, mask, err := encodeScanValue(dataType, scanValue, scanMask)
	if err != nil {
		return err
	}
	patternMax, _, err := encodeScanValue(dataType, scanValueMax, "")
	if err != nil {
		return err
	}

	reg := scan.NewRegistry(cfg.ScanData)
	engine := scan.NewEngine(backend, reg, rc)

	opts := scan.ScanOptions{
		ScanID:     scanID,
		Ranges:     ranges,
		DataType:   dataType,
		FindType:   scan.FindType(scanFind),
		Pattern:    pattern,
		PatternMax: patternMax,
		Mask:       mask,
		Alignment:  scanAlignment,
		DoSuspend:  scanSuspend,
	}
	if err := engine.StartScan(opts); err != nil {
		return fmt.Errorf("scan failed to start: %w", err)
	}
	if err := awaitPass(reg, scanID); err != nil {
		return err
	}
	if err := printResults(reg, scanID, dataType, scanLimit); err != nil {
		return err
	}

	if scanOneShot {
		return nil
	}
	return filterLoop(engine, reg, dataType)
}

// filterLoop reads narrowing commands from stdin until quit or EOF
func filterLoop(engine *scan.Engine, reg *scan.Registry, dataType scan.DataType) error {
	cur := dataType
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("filter> ")
		if !in.Scan() {
			fmt.Println()
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			if err := printResults(reg, scanID, cur, scanLimit); err != nil {
				fmt.Println(err)
			}
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		fields := strings.Fields(line)
		ft, rest := cur, fields[1:]
		if len(rest) > 0 {
			// A leading type token reinterprets the candidates, needed
			// after an unknown scan where no type is set yet
			if cand := scan.DataType(rest[0]); cand.Valid() && cand != scan.TypeUnknown {
				ft, rest = cand, rest[1:]
			}
		}

		opts := scan.FilterOptions{
			ScanID:    scanID,
			Method:    scan.FilterMethod(fields[0]),
			DataType:  ft,
			DoSuspend: scanSuspend,
		}
		var err error
		if len(rest) > 0 {
			opts.Pattern, _, err = encodeScanValue(ft, rest[0], "")
		}
		if err == nil && len(rest) > 1 {
			opts.PatternMax, _, err = encodeScanValue(ft, rest[1], "")
		}
		if err != nil {
			fmt.Println(err)
			continue
		}

		filterID, err := engine.StartFilter(opts)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if err := awaitPass(reg, filterID); err != nil {
			fmt.Println(err)
			continue
		}
		cur = ft
		if err := printResults(reg, scanID, cur, scanLimit); err != nil {
			fmt.Println(err)
		}
	}
}

// awaitPass polls the progress tracker until the pass under key stops
func awaitPass(reg *scan.Registry, key string) error {
	start := time.Now()
	for {
		p, ok := reg.Progress.Snapshot(key)
		if !ok {
			return fmt.Errorf("no progress for %q", key)
		}
		if !p.Running {
			if strings.HasPrefix(p.Phase, "Error") {
				return fmt.Errorf("pass failed: %s", p.Phase)
			}
			fmt.Printf("\r%s: %d of %d in %s\n",
				p.Phase, p.Processed, p.Total, time.Since(start).Round(time.Millisecond))
			return nil
		}
		fmt.Printf("\r%s: %5.1f%% (%d of %d)", p.Phase, p.Percent, p.Processed, p.Total)
		time.Sleep(200 * time.Millisecond)
	}
}

func printResults(reg *scan.Registry, id string, dataType scan.DataType, limit int) error {
	results, total, err := reg.LookupResults(id, 0, limit)
	if err != nil {
		return err
	}
	for _, c := range results {
		fmt.Printf("  %-18s %s\n",
			process.ProcessMemoryAddress(c.Address).ToString(),
			scan.FormatValue(dataType, c.Value))
	}
	if total > uint64(len(results)) {
		fmt.Printf("  ... %d more\n", total-uint64(len(results)))
	}
	fmt.Printf("%d candidates\n", total)
	return nil
}

// encodeScanValue converts a CLI value into the hex-encoded pattern the
// engine takes, plus a wildcard mask when '??' appears in a byte pattern.
// An explicit mask wins over '??'-derived wildcards.
func encodeScanValue(t scan.DataType, value, mask string) (string, string, error) {
	if value == "" {
		return "", "", nil
	}

	switch t {
	case scan.TypeBytes:
		return encodeByteValue(value, mask)

	case scan.TypeString, scan.TypeRegex:
		return hex.EncodeToString([]byte(value)), "", nil

	case scan.TypeString16:
		// The engine expands the UTF-8 text to UTF-16 LE itself
		return hex.EncodeToString([]byte(value)), "", nil

	case scan.TypeFloat:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return "", "", fmt.Errorf("invalid float value %q: %w", value, err)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return hex.EncodeToString(b), "", nil

	case scan.TypeDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", "", fmt.Errorf("invalid double value %q: %w", value, err)
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return hex.EncodeToString(b), "", nil

	default:
		w := t.Width()
		if w == 0 {
			return "", "", fmt.Errorf("type %q takes no scan value", t)
		}
		var u uint64
		if strings.HasPrefix(value, "-") {
			n, err := strconv.ParseInt(value, 0, w*8)
			if err != nil {
				return "", "", fmt.Errorf("invalid %s value %q: %w", t, value, err)
			}
			u = uint64(n)
		} else {
			n, err := strconv.ParseUint(value, 0, w*8)
			if err != nil {
				return "", "", fmt.Errorf("invalid %s value %q: %w", t, value, err)
			}
			u = n
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, u)
		return hex.EncodeToString(b[:w]), "", nil
	}
}

// encodeByteValue normalizes a hex byte pattern, turning '??' pairs into
// zero bytes with a matching wildcard mask.
func encodeByteValue(value, mask string) (string, string, error) {
	s := strings.ToLower(value)
	s = strings.NewReplacer(" ", "", ",", "", "0x", "").Replace(s)
	if len(s)%2 != 0 {
		return "", "", fmt.Errorf("byte pattern %q has an odd number of hex digits", value)
	}

	var valHex, maskHex strings.Builder
	wildcards := false
	for i := 0; i < len(s); i += 2 {
		if s[i:i+2] == "??" {
			valHex.WriteString("00")
			maskHex.WriteString("00")
			wildcards = true
			continue
		}
		valHex.WriteString(s[i : i+2])
		maskHex.WriteString("ff")
	}
	if _, err := hex.DecodeString(valHex.String()); err != nil {
		return "", "", fmt.Errorf("invalid byte pattern %q: %w", value, err)
	}

	if mask != "" {
		m := strings.ToLower(strings.NewReplacer(" ", "", ",", "", "0x", "").Replace(mask))
		if _, err := hex.DecodeString(m); err != nil {
			return "", "", fmt.Errorf("invalid mask %q: %w", mask, err)
		}
		return valHex.String(), m, nil
	}
	if wildcards {
		return valHex.String(), maskHex.String(), nil
	}
	return valHex.String(), "", nil
}
