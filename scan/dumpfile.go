package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Region dump file format, all little-endian:
//
//	u32 state                       0 empty, 1 raw memory blocks, 2 candidate pairs
//	repeated blocks:
//	  u64 chunk start address
//	  u8  codec                     0 none, 1 zstd, 2 lz4
//	  u64 compressed length
//	  u64 uncompressed length
//	  compressed bytes
//
// Raw blocks carry the memory image of one chunk as captured at scan time.
// Pair blocks carry repeated (u64 address, value[width]) entries surviving
// a filter pass. A file shorter than the state word reads as empty; a
// truncated trailing block is dropped rather than reported.

const (
	stateEmpty uint32 = 0
	stateRaw   uint32 = 1
	statePairs uint32 = 2
)

// CompressionType selects the block codec for region dump files
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionZstd CompressionType = 1
	CompressionLZ4  CompressionType = 2
)

const (
	stateWordSize   = 4
	blockHeaderSize = 8 + 1 + 8 + 8
)

var errCorruptBlock = errors.New("corrupt region dump block")

// Pooled zstd encoder/decoder, shared across passes
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// compressBlock compresses payload with the requested codec. When the
// result would not be smaller, the payload is stored as-is and the
// returned codec says so.
func compressBlock(payload []byte, codec CompressionType) ([]byte, CompressionType, error) {
	if codec == CompressionNone || len(payload) == 0 {
		return payload, CompressionNone, nil
	}

	var compressed []byte
	switch codec {
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(payload, nil)
		putZstdEncoder(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible
			return payload, CompressionNone, nil
		}
		compressed = buf[:n]
	default:
		return nil, 0, fmt.Errorf("unknown compression type %d", codec)
	}

	if len(compressed) >= len(payload) {
		return payload, CompressionNone, nil
	}
	return compressed, codec, nil
}

// decompressBlock reverses compressBlock
func decompressBlock(data []byte, codec CompressionType, uncompressedLen uint64) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, uncompressedLen))
		putZstdDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", codec)
	}
}

// writeState writes the file's 4-byte state word at the current position
func writeState(w io.Writer, state uint32) error {
	var buf [stateWordSize]byte
	binary.LittleEndian.PutUint32(buf[:], state)
	_, err := w.Write(buf[:])
	return err
}

// appendBlock compresses payload and writes one framed block
func appendBlock(w io.Writer, chunkStart uint64, payload []byte, codec CompressionType) error {
	data, usedCodec, err := compressBlock(payload, codec)
	if err != nil {
		return err
	}

	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], chunkStart)
	hdr[8] = byte(usedCodec)
	binary.LittleEndian.PutUint64(hdr[9:], uint64(len(data)))
	binary.LittleEndian.PutUint64(hdr[17:], uint64(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// blockInfo describes one block without decompressing it
type blockInfo struct {
	ChunkStart      uint64
	Codec           CompressionType
	CompressedLen   uint64
	UncompressedLen uint64
	DataOffset      int64
}

// readRegionHeader reads the state word and the block headers of a region
// dump file. Files shorter than the state word, and truncated trailing
// blocks, read as empty rather than failing: an interrupted scan may leave
// partial writes behind.
func readRegionHeader(path string) (uint32, []blockInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return stateEmpty, nil, err
	}
	defer f.Close()

	var stateBuf [stateWordSize]byte
	if _, err := io.ReadFull(f, stateBuf[:]); err != nil {
		return stateEmpty, nil, nil // too short: treat as empty
	}
	state := binary.LittleEndian.Uint32(stateBuf[:])
	if state == stateEmpty {
		return state, nil, nil
	}

	var blocks []blockInfo
	offset := int64(stateWordSize)
	var hdr [blockHeaderSize]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			// io.EOF is the normal end; anything short is a truncated write
			return state, blocks, nil
		}

		info := blockInfo{
			ChunkStart:      binary.LittleEndian.Uint64(hdr[0:]),
			Codec:           CompressionType(hdr[8]),
			CompressedLen:   binary.LittleEndian.Uint64(hdr[9:]),
			UncompressedLen: binary.LittleEndian.Uint64(hdr[17:]),
			DataOffset:      offset + blockHeaderSize,
		}

		if _, err := f.Seek(int64(info.CompressedLen), io.SeekCurrent); err != nil {
			return state, blocks, nil
		}
		offset = info.DataOffset + int64(info.CompressedLen)

		// Verify the payload is actually present before trusting the block
		if fi, err := f.Stat(); err == nil && offset > fi.Size() {
			return state, blocks, nil
		}

		blocks = append(blocks, info)
	}
}

// readBlockPayload loads and decompresses one block
func readBlockPayload(path string, info blockInfo) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, info.CompressedLen)
	if _, err := f.ReadAt(data, info.DataOffset); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}

	payload, err := decompressBlock(data, info.Codec, info.UncompressedLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}
	if uint64(len(payload)) != info.UncompressedLen {
		return nil, fmt.Errorf("%w: got %d bytes, header says %d", errCorruptBlock, len(payload), info.UncompressedLen)
	}
	return payload, nil
}

// forEachBlock streams every block payload of a region dump file in order
func forEachBlock(path string, fn func(chunkStart uint64, payload []byte) error) (uint32, error) {
	state, blocks, err := readRegionHeader(path)
	if err != nil {
		return state, err
	}
	for _, info := range blocks {
		payload, err := readBlockPayload(path, info)
		if err != nil {
			return state, err
		}
		if err := fn(info.ChunkStart, payload); err != nil {
			return state, err
		}
	}
	return state, nil
}
