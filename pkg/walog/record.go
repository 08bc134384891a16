package walog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
)

// RecordKind tags the payload kind of a persisted record (spec §6).
type RecordKind uint8

const (
	KindMeta RecordKind = iota
	KindAcceptData
	KindCommitSlot
	KindSnapshot
)

func (k RecordKind) String() string {
	switch k {
	case KindMeta:
		return "Meta"
	case KindAcceptData:
		return "AcceptData"
	case KindCommitSlot:
		return "CommitSlot"
	case KindSnapshot:
		return "Snapshot"
	default:
		return "Unknown"
	}
}

// header layout: 4 bytes length (of payload), 4 bytes crc32c(payload), 1
// byte kind. Fixed size, precedes every record's payload.
const headerSize = 4 + 4 + 1

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Record is a decoded on-disk record plus the byte offset it was read from.
type Record struct {
	Kind    RecordKind
	Payload []byte
	Offset  uint64
}

func encodeRecord(kind RecordKind, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crc32cTable))
	buf[8] = byte(kind)
	copy(buf[headerSize:], payload)
	return buf
}

// MetaPayload is a fixed-width 10-byte encoding so the leading Meta record
// never changes size and can always be overwritten in place at offset 0.
type MetaPayload struct {
	Term        uint64
	HasVotedFor bool
	VotedFor    uint8
}

func encodeMeta(m MetaPayload) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint64(buf[0:8], m.Term)
	if m.HasVotedFor {
		buf[8] = 1
	}
	buf[9] = m.VotedFor
	return buf
}

func decodeMeta(b []byte) (MetaPayload, error) {
	if len(b) != 10 {
		return MetaPayload{}, fmt.Errorf("walog: malformed meta payload (len %d)", len(b))
	}
	return MetaPayload{
		Term:        binary.LittleEndian.Uint64(b[0:8]),
		HasVotedFor: b[8] == 1,
		VotedFor:    b[9],
	}, nil
}

func encodeCommitSlot(slot uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, slot)
	return buf
}

func decodeCommitSlot(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("walog: malformed commit-slot payload (len %d)", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
