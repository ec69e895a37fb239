package binaryfiles

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/veupathdb/edasubset/pkg/study"
)

// Files are sequences of blocks. A block is a varint length followed by that many bytes of
// back to back records, so a block can be decoded without looking at its neighbours.
//
//	ids_map.bin    [idIndex varint][pk bytes]
//	ancestors.bin  [idIndex varint][count varint][pk bytes]...   root first
//	var_<id>.bin   [idIndex varint][value]                        one record per value
//
// Values are zigzag varints for integers, fixed64 float bits for numbers and longitudes, zigzag
// varint unix milliseconds for dates and length prefixed bytes for strings. Records are ordered by
// idIndex and idIndex follows the bytewise order of the primary keys.

const (
	DefaultBlockRecords = 4096

	maxBlockSize = 64 << 20
)

var ErrCorruptFile = errors.New("corrupt binary file")

// entry is one decoded record. Only the fields of the file kind are set.
type entry struct {
	idx       uint32
	pk        string
	ancestors []string
	value     study.Value
}

type decodeFunc func(block []byte) ([]entry, error)

func appendBlock(dst, payload []byte) []byte {
	return protowire.AppendBytes(dst, payload)
}

// readBlock returns the next block payload, or io.EOF at a clean end of file.
func readBlock(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if size > maxBlockSize {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrCorruptFile, size)
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("%w: truncated block: %v", ErrCorruptFile, err)
	}

	return block, nil
}

func appendIDRecord(b []byte, idx uint32, pk string) []byte {
	b = protowire.AppendVarint(b, uint64(idx))
	return protowire.AppendString(b, pk)
}

func appendAncestorRecord(b []byte, idx uint32, ancestors []string) []byte {
	b = protowire.AppendVarint(b, uint64(idx))
	b = protowire.AppendVarint(b, uint64(len(ancestors)))
	for _, pk := range ancestors {
		b = protowire.AppendString(b, pk)
	}
	return b
}

func appendValueRecord(b []byte, t study.Type, idx uint32, v study.Value) ([]byte, error) {
	b = protowire.AppendVarint(b, uint64(idx))

	switch t {
	case study.TypeInteger:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int)), nil
	case study.TypeNumber, study.TypeLongitude:
		return protowire.AppendFixed64(b, math.Float64bits(v.Number)), nil
	case study.TypeDate:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.Date.UnixMilli())), nil
	case study.TypeString:
		return protowire.AppendString(b, v.String), nil
	default:
		return nil, fmt.Errorf("variables of type %s have no values", t)
	}
}

func consumeIndex(b []byte) (uint32, int, error) {
	idx, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrCorruptFile, protowire.ParseError(n))
	}
	if idx > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: id index %d out of range", ErrCorruptFile, idx)
	}
	return uint32(idx), n, nil
}

func consumeString(b []byte) (string, int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, fmt.Errorf("%w: %v", ErrCorruptFile, protowire.ParseError(n))
	}
	return s, n, nil
}

func decodeIDs(block []byte) ([]entry, error) {
	var entries []entry
	for len(block) > 0 {
		idx, n, err := consumeIndex(block)
		if err != nil {
			return nil, err
		}
		block = block[n:]

		pk, n, err := consumeString(block)
		if err != nil {
			return nil, err
		}
		block = block[n:]

		entries = append(entries, entry{idx: idx, pk: pk})
	}
	return entries, nil
}

func decodeAncestors(block []byte) ([]entry, error) {
	var entries []entry
	for len(block) > 0 {
		idx, n, err := consumeIndex(block)
		if err != nil {
			return nil, err
		}
		block = block[n:]

		count, n := protowire.ConsumeVarint(block)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, protowire.ParseError(n))
		}
		if count > uint64(len(block)) {
			return nil, fmt.Errorf("%w: %d ancestors in a %d byte block", ErrCorruptFile, count, len(block))
		}
		block = block[n:]

		ancestors := make([]string, count)
		for i := range ancestors {
			pk, n, err := consumeString(block)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			ancestors[i] = pk
		}

		entries = append(entries, entry{idx: idx, ancestors: ancestors})
	}
	return entries, nil
}

func valueDecoder(t study.Type) (decodeFunc, error) {
	var consume func([]byte) (study.Value, int, error)

	switch t {
	case study.TypeInteger:
		consume = func(b []byte) (study.Value, int, error) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return study.Value{}, 0, protowire.ParseError(n)
			}
			return study.Value{Int: protowire.DecodeZigZag(v)}, n, nil
		}
	case study.TypeNumber, study.TypeLongitude:
		consume = func(b []byte) (study.Value, int, error) {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return study.Value{}, 0, protowire.ParseError(n)
			}
			return study.Value{Number: math.Float64frombits(v)}, n, nil
		}
	case study.TypeDate:
		consume = func(b []byte) (study.Value, int, error) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return study.Value{}, 0, protowire.ParseError(n)
			}
			return study.Value{Date: time.UnixMilli(protowire.DecodeZigZag(v)).UTC()}, n, nil
		}
	case study.TypeString:
		consume = func(b []byte) (study.Value, int, error) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return study.Value{}, 0, protowire.ParseError(n)
			}
			return study.Value{String: v}, n, nil
		}
	default:
		return nil, fmt.Errorf("variables of type %s have no values", t)
	}

	return func(block []byte) ([]entry, error) {
		var entries []entry
		for len(block) > 0 {
			idx, n, err := consumeIndex(block)
			if err != nil {
				return nil, err
			}
			block = block[n:]

			v, n, err := consume(block)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
			}
			block = block[n:]

			entries = append(entries, entry{idx: idx, value: v})
		}
		return entries, nil
	}, nil
}
