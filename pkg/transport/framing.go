package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// frame layout: [4 bytes LE length][8 bytes LE seq][32 bytes HMAC-SHA256 of
// seq||payload][payload]. HMAC authenticates and orders frames but is not a
// confidentiality layer (spec §1 Non-goals: no wire encryption).
const frameHeaderSize = 4 + 8 + sha256.Size

func sign(key []byte, seq uint64, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	mac.Write(seqBuf[:])
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeFrame(key []byte, seq uint64, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], seq)
	copy(buf[12:12+sha256.Size], sign(key, seq, payload))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// readFrame reads and authenticates one frame from r.
func readFrame(r io.Reader, key []byte) (seq uint64, payload []byte, err error) {
	header := make([]byte, frameHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	seq = binary.LittleEndian.Uint64(header[4:12])
	tag := header[12:frameHeaderSize]

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	want := sign(key, seq, payload)
	if !hmac.Equal(tag, want) {
		return 0, nil, fmt.Errorf("transport: HMAC mismatch on frame seq %d", seq)
	}
	return seq, payload, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
