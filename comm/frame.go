package comm

import (
	"encoding/binary"
	"fmt"
)

// A frame is (rank u32, length u64, payload), little-endian

func appendFrame(buf []byte, rank int, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rank))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	return append(buf, data...)
}

func splitFrames(buf []byte, n int) ([][]byte, error) {
	parts := make([][]byte, n)
	seen := make([]bool, n)
	for len(buf) > 0 {
		if len(buf) < 12 {
			return nil, fmt.Errorf("truncated frame header (%d bytes)", len(buf))
		}
		rank := int(binary.LittleEndian.Uint32(buf))
		size := binary.LittleEndian.Uint64(buf[4:])
		buf = buf[12:]
		if rank >= n {
			return nil, fmt.Errorf("frame for rank %d in a world of %d", rank, n)
		}
		if size > uint64(len(buf)) {
			return nil, fmt.Errorf("frame for rank %d claims %d bytes, %d left", rank, size, len(buf))
		}
		if seen[rank] {
			return nil, fmt.Errorf("duplicate frame for rank %d", rank)
		}
		seen[rank] = true
		parts[rank] = buf[:size:size]
		buf = buf[size:]
	}
	for r, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing frame for rank %d", r)
		}
	}
	return parts, nil
}

// EncodeInts packs vals as little-endian 64 bit words
func EncodeInts(vals []int64) []byte {
	buf := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	return buf
}

// DecodeInts is the inverse of EncodeInts
func DecodeInts(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("integer vector of %d bytes", len(buf))
	}
	vals := make([]int64, len(buf)/8)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}
