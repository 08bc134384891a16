// Package walog implements the Durable Log Store (spec §4.1, §4.12, §6):
// an append-only record stream with synchronous and asynchronous append,
// random-access read, truncation, and the sync_action drain primitive that
// the replica core's single select loop relies on (spec §5) to avoid
// reordering persisted state.
//
// Framing and recovery are grounded on the teacher repo's pkg/wal (length
// header + crc32 + gob payload, forward scan, fsync-on-persist); the
// record stream itself — multiple record kinds appended over time, with a
// fixed-size Meta record pinned at offset 0 — replaces the teacher's
// whole-file-rewrite strategy to match spec §6's on-disk format.
package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

const fileName = "replica.walog"

// AppendResult is delivered for an async append once it completes.
type AppendResult struct {
	Offset uint64
	Err    error
}

type asyncReq struct {
	data   []byte
	offset uint64
	result chan AppendResult
}

// Log is the durable record stream for one replica. The owning replica core
// is its only synchronous caller; the background writer goroutine is the
// only other accessor of the file. Every tail append goes through writeCh;
// WriteMetaAt, Truncate and Read touch the file directly under mu.
type Log struct {
	log zerolog.Logger

	mu   sync.Mutex
	file *os.File

	writeCh chan asyncReq
	doneCh  chan struct{} // closed once writerLoop drains writeCh and returns

	// pending holds completed-but-undrained async results, in submission
	// order, until the next SyncAction or Drain call folds them in.
	pendingMu sync.Mutex
	pending   []AppendResult

	// results mirrors every completed async append so the replica core's
	// select loop has a channel to suspend on (spec §5 suspension point 3);
	// Drain/SyncAction remain the source of truth for folding state.
	results chan AppendResult

	nextOffset uint64
}

// Open opens (creating if absent) the log store rooted at dir, performs
// forward-scan recovery, and returns the decoded prefix alongside the Log.
// If the file is empty, an initial all-zero Meta record is written.
func Open(dir string, log zerolog.Logger) (*Log, []Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("walog: mkdir %s: %w", dir, err)
	}
	path := dir + string(os.PathSeparator) + fileName
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("walog: open %s: %w", path, err)
	}

	l := &Log{
		log:     log.With().Str("component", "walog").Logger(),
		file:    f,
		writeCh: make(chan asyncReq, 256),
		doneCh:  make(chan struct{}),
		results: make(chan AppendResult, 256),
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.Size() == 0 {
		metaRec := encodeRecord(KindMeta, encodeMeta(MetaPayload{}))
		if _, err := f.WriteAt(metaRec, 0); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("walog: init meta: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, nil, err
		}
		l.nextOffset = uint64(len(metaRec))
	}

	records, lastGood, err := l.scan()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	l.nextOffset = lastGood

	go l.writerLoop()

	return l, records, nil
}

// scan performs the forward recovery scan, stopping and truncating at the
// first torn or CRC-invalid record (spec §4.1, §8 boundary behavior).
func (l *Log) scan() ([]Record, uint64, error) {
	var records []Record
	var offset uint64

	for {
		header := make([]byte, headerSize)
		n, err := l.file.ReadAt(header, int64(offset))
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		if n < headerSize {
			l.log.Warn().Uint64("offset", offset).Msg("torn record header at tail, truncating")
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		kind := RecordKind(header[8])

		payload := make([]byte, length)
		n, err = l.file.ReadAt(payload, int64(offset)+headerSize)
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		if uint32(n) != length {
			l.log.Warn().Uint64("offset", offset).Msg("torn record payload at tail, truncating")
			break
		}
		gotCRC := crc32Checksum(payload)
		if gotCRC != wantCRC {
			l.log.Warn().Uint64("offset", offset).Msg("CRC mismatch at tail, truncating")
			break
		}

		records = append(records, Record{Kind: kind, Payload: payload, Offset: offset})
		offset += headerSize + uint64(length)
	}

	if err := l.file.Truncate(int64(offset)); err != nil {
		return nil, 0, err
	}
	return records, offset, nil
}

func crc32Checksum(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// writerLoop is the sole goroutine that performs async writes, so async
// completions are delivered in submission order regardless of fsync
// latency variance.
func (l *Log) writerLoop() {
	for req := range l.writeCh {
		err := l.writeAt(req.data, req.offset, true)
		result := AppendResult{Offset: req.offset, Err: err}
		if req.result != nil {
			// sync append: only its blocked caller gets the result
			req.result <- result
			continue
		}
		l.pendingMu.Lock()
		l.pending = append(l.pending, result)
		l.pendingMu.Unlock()
		l.results <- result
	}
	close(l.doneCh)
}

// writeAt writes data at a fixed, already-reserved offset and optionally
// fsyncs. Used both by the writer goroutine (every tail append, reserved by
// Append below) and by WriteMetaAt's in-place overwrite of the pinned
// offset-0 record.
func (l *Log) writeAt(data []byte, offset uint64, sync bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("walog: write at %d: %w", offset, err)
	}
	if sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("walog: fsync: %w", err)
		}
	}
	return nil
}

// Append serializes a new record and submits it to the single writer
// goroutine at a freshly reserved tail offset, exactly like an async
// append. When sync is true, the call additionally blocks on that specific
// request's completion before returning. Every append — sync or async —
// therefore passes through the same FIFO writeCh, so a sync append can
// never be written (and fsynced) ahead of an async append submitted
// earlier: without this, a crash between the two could leave a gap at the
// async append's lower offset that forward-scan recovery would truncate
// at, discarding the already-acked sync append that sits past it and
// violating the durability-before-ack invariant (spec invariant 5).
func (l *Log) Append(kind RecordKind, payload []byte, sync bool) (uint64, error) {
	rec := encodeRecord(kind, payload)

	l.mu.Lock()
	offset := l.nextOffset
	l.nextOffset += uint64(len(rec))
	l.mu.Unlock()

	if !sync {
		l.writeCh <- asyncReq{data: rec, offset: offset}
		return offset, nil
	}

	resultCh := make(chan AppendResult, 1)
	l.writeCh <- asyncReq{data: rec, offset: offset, result: resultCh}
	res := <-resultCh
	return res.Offset, res.Err
}

// WriteMetaAt overwrites the fixed-size leading Meta record at offset 0.
// Always synchronous: the caller must already hold any state lock needed
// to keep (term, voted_for) consistent with the in-memory role machine.
func (l *Log) WriteMetaAt(m MetaPayload) error {
	rec := encodeRecord(KindMeta, encodeMeta(m))
	return l.writeAt(rec, 0, true)
}

// Read performs a random-access read of the record at offset.
func (l *Log) Read(offset uint64) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := make([]byte, headerSize)
	if _, err := l.file.ReadAt(header, int64(offset)); err != nil {
		return Record{}, fmt.Errorf("walog: read header at %d: %w", offset, err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantCRC := binary.LittleEndian.Uint32(header[4:8])
	kind := RecordKind(header[8])

	payload := make([]byte, length)
	if _, err := l.file.ReadAt(payload, int64(offset)+headerSize); err != nil {
		return Record{}, fmt.Errorf("walog: read payload at %d: %w", offset, err)
	}
	if crc32Checksum(payload) != wantCRC {
		return Record{}, fmt.Errorf("walog: CRC mismatch reading record at %d", offset)
	}
	return Record{Kind: kind, Payload: payload, Offset: offset}, nil
}

// Truncate discards the suffix of the log starting at offset; the Raft
// follower uses it on conflicting-entry overwrite (log matching). Taking a
// snapshot does not call it: records before a Snapshot record stay in the
// file and are superseded on replay by that Snapshot record.
func (l *Log) Truncate(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("walog: truncate at %d: %w", offset, err)
	}
	l.nextOffset = offset
	return nil
}

// Drain returns and clears any async append results that have completed
// since the last Drain/SyncAction call, in submission order.
func (l *Log) Drain() []AppendResult {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// SyncAction is the sole blocking primitive inside a replica handler (spec
// §5): it first drains any prior async append results so the caller can
// fold them into in-memory state in submission order, then performs the
// supplied synchronous action, and returns both. Append itself already
// serializes sync and async writes through the same writer goroutine so
// neither can be persisted out of submission order; SyncAction's job is to
// make sure the caller's in-memory state reflects any async result that
// landed first, before it reacts to the synchronous one — skipping that
// fold-in would let a handler read stale state for an append it already
// issued, violating the monotonic-watermark invariant.
func (l *Log) SyncAction(action func() (uint64, error)) ([]AppendResult, uint64, error) {
	drained := l.Drain()
	offset, err := action()
	return drained, offset, err
}

// Results is the channel the replica core selects on for suspension point
// 3 (spec §5): every completed async append is posted here in submission
// order, mirroring what Drain/SyncAction already accumulate.
func (l *Log) Results() <-chan AppendResult { return l.results }

// Close drains the writer goroutine and closes the file. Any in-flight
// async writes are allowed to finish first (spec §5 shutdown drains the
// log sync queue before closing transports): closing writeCh lets the
// writer goroutine's range loop deliver every already-queued write, and
// Close blocks on doneCh until that goroutine has actually exited before
// touching the file out from under it.
func (l *Log) Close() error {
	close(l.writeCh)
	<-l.doneCh
	return l.file.Close()
}

// DecodeMeta/DecodeCommitSlot/Encode* helpers exposed for the replica core
// and tests, since Record payloads are kind-specific opaque bytes.

func DecodeMeta(r Record) (MetaPayload, error)  { return decodeMeta(r.Payload) }
func DecodeCommitSlot(r Record) (uint64, error) { return decodeCommitSlot(r.Payload) }
func EncodeCommitSlot(slot uint64) []byte       { return encodeCommitSlot(slot) }
func GobEncode(v any) ([]byte, error)           { return gobEncode(v) }
func GobDecode(b []byte, v any) error           { return gobDecode(b, v) }
