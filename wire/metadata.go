package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// Metadata is the fixed-layout header a sender transmits under TagMeta
// ahead of a timeframe's parts: the timeframe ID, the number of parts, a
// running total of bytes, and one descriptor per part carrying the remote
// address a builder RMA-gets from plus that part's own inlined header
// bytes.
//
// The layout is pinned byte-for-byte (little-endian, no padding) because it
// is the one piece of the protocol any future non-Go implementation would
// need to parse without access to this package; encoding/binary is used
// deliberately instead of a general-purpose codec so the layout can never
// drift from what this comment documents.
type Metadata struct {
	TfID       tf.ID
	TotalBytes uint64
	Parts      []PartDescriptor
}

// PartDescriptor locates one fragment's bytes in the sender's registered
// memory region, plus the small header the builder needs to interpret the
// fragment before it has RMA-read the payload.
type PartDescriptor struct {
	RemoteAddr uint64
	RemoteKey  uint64
	Length     uint64
	Header     []byte
}

// MarshalBinary encodes m in the pinned wire layout:
//
//	u64 tf_id
//	u32 part_count
//	u64 total_bytes
//	part_count * {
//	    u64 remote_addr
//	    u64 remote_key
//	    u64 length
//	    u32 header_len
//	    byte[header_len]
//	}
func (m Metadata) MarshalBinary() ([]byte, error) {
	if len(m.Parts) > int(^uint32(0)) {
		return nil, fmt.Errorf("wire: part count %d overflows u32", len(m.Parts))
	}
	size := 8 + 4 + 8
	for _, p := range m.Parts {
		size += 8 + 8 + 8 + 4 + len(p.Header)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	var scratch [8]byte
	putU64(&scratch, uint64(m.TfID))
	buf.Write(scratch[:8])
	var u32scratch [4]byte
	binary.LittleEndian.PutUint32(u32scratch[:], uint32(len(m.Parts)))
	buf.Write(u32scratch[:])
	putU64(&scratch, m.TotalBytes)
	buf.Write(scratch[:8])

	for _, p := range m.Parts {
		putU64(&scratch, p.RemoteAddr)
		buf.Write(scratch[:8])
		putU64(&scratch, p.RemoteKey)
		buf.Write(scratch[:8])
		putU64(&scratch, p.Length)
		buf.Write(scratch[:8])
		binary.LittleEndian.PutUint32(u32scratch[:], uint32(len(p.Header)))
		buf.Write(u32scratch[:])
		buf.Write(p.Header)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a Metadata header from the pinned wire layout.
// It validates that the buffer is exactly as long as the declared
// part_count and header_len values require, so a truncated or corrupted
// header is classified as tf.ErrData rather than silently misread.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	tfID, err := readU64(r)
	if err != nil {
		return tf.Classify(tf.ErrData, fmt.Errorf("wire: read tf_id: %w", err))
	}
	var partCount uint32
	if err := binary.Read(r, binary.LittleEndian, &partCount); err != nil {
		return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part_count: %w", err))
	}
	totalBytes, err := readU64(r)
	if err != nil {
		return tf.Classify(tf.ErrData, fmt.Errorf("wire: read total_bytes: %w", err))
	}

	parts := make([]PartDescriptor, 0, partCount)
	for i := uint32(0); i < partCount; i++ {
		remoteAddr, err := readU64(r)
		if err != nil {
			return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part[%d].remote_addr: %w", i, err))
		}
		remoteKey, err := readU64(r)
		if err != nil {
			return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part[%d].remote_key: %w", i, err))
		}
		length, err := readU64(r)
		if err != nil {
			return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part[%d].length: %w", i, err))
		}
		var headerLen uint32
		if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
			return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part[%d].header_len: %w", i, err))
		}
		header := make([]byte, headerLen)
		if headerLen > 0 {
			if _, err := io.ReadFull(r, header); err != nil {
				return tf.Classify(tf.ErrData, fmt.Errorf("wire: read part[%d].header: %w", i, err))
			}
		}
		parts = append(parts, PartDescriptor{
			RemoteAddr: remoteAddr,
			RemoteKey:  remoteKey,
			Length:     length,
			Header:     header,
		})
	}
	if r.Len() != 0 {
		return tf.Classify(tf.ErrData, fmt.Errorf("wire: %d trailing bytes after metadata header", r.Len()))
	}

	m.TfID = tf.ID(tfID)
	m.TotalBytes = totalBytes
	m.Parts = parts
	return nil
}

func putU64(scratch *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(scratch[:], v)
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// ErrShortHeader names a metadata header too short to hold its fixed
// fields. No function in this module returns it; UnmarshalBinary reports a
// truncated header as tf.ErrData.
var ErrShortHeader = errors.New("wire: short metadata header")

// EncodePartHeader cbor-encodes equip as a PartDescriptor's Header, the
// convention this module uses so a builder can identify which equipment a
// part belongs to before it has RMA-read the part's payload.
func EncodePartHeader(equip tf.EquipmentID) ([]byte, error) {
	b, err := EncodeBody(equip)
	if err != nil {
		return nil, err
	}
	return []byte(b), nil
}

// DecodePartHeader reverses EncodePartHeader.
func DecodePartHeader(header []byte) (tf.EquipmentID, error) {
	var equip tf.EquipmentID
	if err := DecodeBody(header, &equip); err != nil {
		return tf.EquipmentID{}, err
	}
	return equip, nil
}
