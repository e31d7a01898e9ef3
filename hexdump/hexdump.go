// Package hexdump renders memory spans for the CLI: absolute addresses,
// grouped hex bytes, an ASCII column, and highlighting for scan candidates
// inside the span.
package hexdump

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/Moonlight-Companies/gologger/coloransi"
)

// Options control the rendered dump
type Options struct {
	// BytesPerLine is the bytes shown per output line
	BytesPerLine int

	// BaseAddress is the absolute address of data[0], shown in the
	// address column
	BaseAddress uint64

	// ShowASCII adds the printable-character column
	ShowASCII bool

	// MaxLines caps the output (0 for no limit); a trailing line reports
	// how much was omitted
	MaxLines int

	// Highlights marks candidate values inside the span: each entry is an
	// absolute address and HighlightWidth bytes from it are emphasized
	Highlights     []uint64
	HighlightWidth int

	// Pattern additionally highlights every occurrence of these bytes
	Pattern []byte

	AddressColor   coloransi.ColorCode
	HexColor       coloransi.ColorCode
	ZeroColor      coloransi.ColorCode
	ASCIIColor     coloransi.ColorCode
	HighlightColor coloransi.ColorCode
	HighlightBg    coloransi.ColorCode
}

// DefaultOptions returns the options the CLI read command starts from
func DefaultOptions() Options {
	return Options{
		BytesPerLine:   16,
		ShowASCII:      true,
		HighlightWidth: 4,
		AddressColor:   coloransi.Cyan,
		HexColor:       coloransi.Green,
		ZeroColor:      coloransi.BrightBlack,
		ASCIIColor:     coloransi.White,
		HighlightColor: coloransi.Yellow,
		HighlightBg:    coloransi.Black,
	}
}

// Dump renders data to a string
func Dump(data []byte, opts Options) string {
	var buf bytes.Buffer
	DumpToWriter(&buf, data, opts)
	return buf.String()
}

// DumpToWriter renders data line by line
func DumpToWriter(w io.Writer, data []byte, opts Options) {
	if opts.BytesPerLine <= 0 {
		opts.BytesPerLine = 16
	}

	marks := markBytes(data, opts)

	lines := 0
	for off := 0; off < len(data); off += opts.BytesPerLine {
		if opts.MaxLines > 0 && lines >= opts.MaxLines {
			fmt.Fprintf(w, "... %d more bytes\n", len(data)-off)
			return
		}
		end := off + opts.BytesPerLine
		if end > len(data) {
			end = len(data)
		}
		writeLine(w, data[off:end], marks[off:end], opts.BaseAddress+uint64(off), opts)
		lines++
	}
}

// markBytes flags every byte covered by a highlight address or a pattern
// occurrence.
func markBytes(data []byte, opts Options) []bool {
	marks := make([]bool, len(data))

	w := opts.HighlightWidth
	if w <= 0 {
		w = 1
	}
	for _, addr := range opts.Highlights {
		if addr < opts.BaseAddress {
			continue
		}
		start := addr - opts.BaseAddress
		for i := start; i < start+uint64(w) && i < uint64(len(marks)); i++ {
			marks[i] = true
		}
	}

	if len(opts.Pattern) > 0 {
		from := 0
		for {
			idx := bytes.Index(data[from:], opts.Pattern)
			if idx < 0 {
				break
			}
			for i := from + idx; i < from+idx+len(opts.Pattern); i++ {
				marks[i] = true
			}
			from += idx + 1
		}
	}

	return marks
}

func writeLine(w io.Writer, line []byte, marks []bool, addr uint64, opts Options) {
	fmt.Fprint(w, coloransi.Foreground(opts.AddressColor, fmt.Sprintf("%012x", addr)), "  ")

	half := opts.BytesPerLine / 2
	for i := 0; i < opts.BytesPerLine; i++ {
		if i == half && opts.BytesPerLine >= 8 {
			fmt.Fprint(w, " ")
		}
		if i >= len(line) {
			fmt.Fprint(w, "   ")
			continue
		}
		fmt.Fprint(w, hexByte(line[i], marks[i], opts), " ")
	}

	if opts.ShowASCII {
		fmt.Fprint(w, " |")
		for i, b := range line {
			fmt.Fprint(w, asciiByte(b, marks[i], opts))
		}
		fmt.Fprint(w, "|")
	}

	fmt.Fprintln(w)
}

func hexByte(b byte, marked bool, opts Options) string {
	s := fmt.Sprintf("%02x", b)
	if marked {
		return coloransi.Color(opts.HighlightColor, opts.HighlightBg, s)
	}
	if b == 0 {
		return coloransi.Foreground(opts.ZeroColor, s)
	}
	return coloransi.Foreground(opts.HexColor, s)
}

func asciiByte(b byte, marked bool, opts Options) string {
	c := "."
	if unicode.IsPrint(rune(b)) && b < 0x80 {
		c = string(rune(b))
	}
	if marked {
		return coloransi.Color(opts.HighlightColor, opts.HighlightBg, c)
	}
	if b == 0 || c == "." {
		return coloransi.Foreground(opts.ZeroColor, c)
	}
	return coloransi.Foreground(opts.ASCIIColor, c)
}

// Plain renders data without any ANSI escapes, for piping and tests
func Plain(data []byte, baseAddress uint64, bytesPerLine int) string {
	if bytesPerLine <= 0 {
		bytesPerLine = 16
	}
	var buf strings.Builder
	for off := 0; off < len(data); off += bytesPerLine {
		end := off + bytesPerLine
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&buf, "%012x ", baseAddress+uint64(off))
		for i := off; i < end; i++ {
			fmt.Fprintf(&buf, " %02x", data[i])
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
