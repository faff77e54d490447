package auditlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Record is one link of the hash chain. Strictly ordered, append-only,
// never mutated: RecordHash is a pure function of the payload and PrevHash,
// so any retroactive edit breaks verification at exactly that link.
type Record struct {
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload-hash"`
	PrevHash    string          `json:"prev-hash"`
	RecordHash  string          `json:"record-hash"`
}

// genesisHash anchors the first record of every chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrStorage marks an unwritable log store. Fatal and operator-visible:
// classification continues but verdicts are held and retried, never reported
// as logged before the append actually persisted.
var ErrStorage = errors.New("audit log storage failure")

// ErrChainBroken is returned by Verify with the failing sequence number.
type ErrChainBroken struct {
	Seq    uint64
	Detail string
}

func (e *ErrChainBroken) Error() string {
	return fmt.Sprintf("audit chain broken at record %d: %s", e.Seq, e.Detail)
}

// Log is the append-only hash-chained store. Appends are serialized through
// a single mutex so no two records can ever claim the same PrevHash.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	nextSeq  uint64
	lastHash string

	// pending holds sealed lines, in chain order, awaiting a successful
	// write to storage.
	pending [][]byte

	// onStorageAlert surfaces fatal storage failures to the operator feed.
	onStorageAlert func(err error)
}

// Open loads (or creates) the log at path and replays the tail to recover
// the chain head, so appends survive process restarts.
func Open(path string) (l *Log, err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o750); err != nil {
			err = fmt.Errorf("%w: %w", ErrStorage, err)
			return
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
		return
	}
	l = &Log{path: path, file: f, lastHash: genesisHash}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err = json.Unmarshal(line, &rec); err != nil {
			err = fmt.Errorf("%w: corrupt tail at seq %d: %w", ErrStorage, l.nextSeq, err)
			return
		}
		l.nextSeq = rec.Seq + 1
		l.lastHash = rec.RecordHash
	}
	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, scanErr)
		return
	}
	return
}

// SetStorageAlert installs the operator-visible failure callback.
func (l *Log) SetStorageAlert(cb func(err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStorageAlert = cb
}

// Append seals payload into the next chain link and persists it, retrying
// transient storage failures with exponential backoff. A record that still
// cannot be written when the retry window closes is held in memory and
// flushed ahead of later appends (and on Close), so the chain never drops a
// link; such outages are surfaced through the storage-alert callback. A
// returned record is always sealed into the chain.
func (l *Log) Append(payload any) (rec *Record, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec = l.seal(raw)
	line, err := json.Marshal(rec)
	if err != nil {
		rec = nil
		return
	}
	l.pending = append(l.pending, append(line, '\n'))
	l.nextSeq = rec.Seq + 1
	l.lastHash = rec.RecordHash

	if flushErr := l.flushPending(); flushErr != nil {
		logger.Error("audit log record held in memory until storage recovers",
			slog.Uint64("seq", rec.Seq),
			slog.String("error", flushErr.Error()),
		)
		if l.onStorageAlert != nil {
			l.onStorageAlert(flushErr)
		}
	}
	return
}

// flushPending writes queued records in chain order. Records that cannot be
// written stay queued; the caller holds l.mu.
func (l *Log) flushPending() (err error) {
	if len(l.pending) == 0 {
		return
	}
	operation := func() (struct{}, error) {
		for len(l.pending) > 0 {
			if _, wErr := l.file.Write(l.pending[0]); wErr != nil {
				return struct{}{}, wErr
			}
			if sErr := l.file.Sync(); sErr != nil {
				return struct{}{}, sErr
			}
			l.pending = l.pending[1:]
		}
		return struct{}{}, nil
	}
	_, err = backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(persistRetryWindow),
		backoff.WithNotify(func(retryErr error, next time.Duration) {
			logger.Error("audit log write failed, retrying",
				slog.String("error", retryErr.Error()),
				slog.Duration("next-attempt", next),
			)
		}),
	)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return
}

// persistRetryWindow bounds how long one flush attempt may retry before the
// records are parked in memory for the next attempt.
var persistRetryWindow = 30 * time.Second

func (l *Log) seal(payload json.RawMessage) *Record {
	payloadSum := sha256.Sum256(payload)
	rec := &Record{
		Seq:         l.nextSeq,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
		PayloadHash: hex.EncodeToString(payloadSum[:]),
		PrevHash:    l.lastHash,
	}
	rec.RecordHash = recordHash(rec)
	return rec
}

// recordHash covers everything but RecordHash itself.
func recordHash(rec *Record) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d\n%s\n%s\n%s\n", rec.Seq, rec.Timestamp.Format(time.RFC3339Nano), rec.PayloadHash, rec.PrevHash)
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Head returns the next sequence number and the current chain head hash.
func (l *Log) Head() (nextSeq uint64, lastHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq, l.lastHash
}

// Records streams the persisted chain in order.
func (l *Log) Records() (records []Record, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readRecords(l.path)
}

// Close makes a final attempt to flush records parked by a storage outage,
// then releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.flushPending()
	if closeErr := l.file.Close(); closeErr != nil {
		return fmt.Errorf("%w: %w", ErrStorage, closeErr)
	}
	return flushErr
}

// Verify recomputes the chain over [from, to] (inclusive, to==0 meaning the
// chain tail) and returns the first broken link, if any. Verification is a
// pure read: running it over an intact range never mutates the chain.
func Verify(path string, from, to uint64) (err error) {
	records, err := readRecords(path)
	if err != nil {
		return
	}
	prev := genesisHash
	for i := range records {
		rec := &records[i]
		if uint64(i) != rec.Seq {
			return &ErrChainBroken{Seq: rec.Seq, Detail: fmt.Sprintf("sequence gap, stored seq %d at position %d", rec.Seq, i)}
		}
		inRange := rec.Seq >= from && (to == 0 || rec.Seq <= to)
		if inRange {
			payloadSum := sha256.Sum256(rec.Payload)
			if hex.EncodeToString(payloadSum[:]) != rec.PayloadHash {
				return &ErrChainBroken{Seq: rec.Seq, Detail: "payload hash mismatch"}
			}
			if rec.PrevHash != prev {
				return &ErrChainBroken{Seq: rec.Seq, Detail: "previous-hash link mismatch"}
			}
			if recordHash(rec) != rec.RecordHash {
				return &ErrChainBroken{Seq: rec.Seq, Detail: "record hash mismatch"}
			}
		}
		prev = rec.RecordHash
		if to != 0 && rec.Seq >= to {
			break
		}
	}
	return nil
}

func readRecords(path string) (records []Record, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close audit log", slog.String("path", path), slog.String("error", e.Error()))
		}
	}()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err = json.Unmarshal(line, &rec); err != nil {
			err = fmt.Errorf("%w: corrupt record: %w", ErrStorage, err)
			return
		}
		records = append(records, rec)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, scanErr)
	}
	return
}
