package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Durable is the backend mode whose contents survive process restart. A
// single writer goroutine owns an append-only log file, reached through a
// buffered channel so callers never touch the file handle directly, with
// length+CRC32C record framing and periodic/size-triggered flush. One
// record holds the whole batch of Put/Del calls staged between two
// Commit() calls, so a record is exactly one atomic commit and crash
// recovery's "stop at the first corrupt or truncated record" rule is also
// the atomicity boundary.
type Durable struct {
	mem *Memory // in-memory materialization of everything committed so far

	cfg     DurableConfig
	dir     string
	logPath string

	file   *os.File
	seq    uint64
	buffer bytes.Buffer

	writes chan walWrite
	flushT *time.Ticker
	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry

	mu     sync.Mutex // guards seq/staged-ops accumulation across Put/Del/Commit
	staged []walOp
}

type walWrite struct {
	data []byte
	done chan error
}

// DurableConfig controls the writer goroutine's batching and flush
// behavior. Dir (not just a bare log path) lets Destroy remove the whole
// store.
type DurableConfig struct {
	EnqueueTimeout  time.Duration
	FlushInterval   time.Duration
	MaxQueueDepth   int
	MaxBufferBytes  int
}

func (c DurableConfig) withDefaults() DurableConfig {
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxEnqueuingOps
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = defaultCommitLogBufferBytes
	}
	if c.MaxBufferBytes < minimalCommitLogBufferBytes {
		c.MaxBufferBytes = minimalCommitLogBufferBytes
	}
	return c
}

const (
	payloadLenBytes             = 4
	checksumBytes               = 4
	seqNumBytes                 = 8
	opCountBytes                = 4
	opKindBytes                 = 1
	lenFieldSize                = 4
	defaultCommitLogBufferBytes = 4 * 1024 * 1024
	minimalCommitLogBufferBytes = 128
	defaultMaxEnqueuingOps      = 1024

	walFileName = "wal.log"
)

// OpenDurable opens (or creates) the durable store rooted at dir/name.
func OpenDurable(dir, name string, cfg DurableConfig) (*Durable, error) {
	cfg = cfg.withDefaults()

	storeDir := filepath.Join(dir, name)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("backend: create store dir: %w", err)
	}
	logPath := filepath.Join(storeDir, walFileName)

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open wal: %w", err)
	}

	initial, nextSeq, err := loadWAL(logPath)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	mem := NewMemory(name)
	mem.data = initial

	d := &Durable{
		mem:     mem,
		cfg:     cfg,
		dir:     storeDir,
		logPath: logPath,
		file:    f,
		seq:     nextSeq,
		writes:  make(chan walWrite, cfg.MaxQueueDepth),
		flushT:  time.NewTicker(cfg.FlushInterval),
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "backend.durable").WithField("store", name),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(runCtx)

	d.log.WithField("records_loaded", fmt.Sprintf("%d", nextSeq)).Info("durable backend opened")
	return d, nil
}

func (d *Durable) Name() string { return d.mem.Name() }

func (d *Durable) Get(key string) ([]byte, bool, error) { return d.mem.Get(key) }
func (d *Durable) Has(key string) (bool, error)         { return d.mem.Has(key) }

func (d *Durable) Put(key string, value []byte) error {
	d.mu.Lock()
	cp := make([]byte, len(value))
	copy(cp, value)
	d.staged = append(d.staged, walOp{kind: opPut, key: key, value: cp})
	d.mu.Unlock()
	return d.mem.Put(key, value)
}

func (d *Durable) Del(key string) (bool, error) {
	d.mu.Lock()
	d.staged = append(d.staged, walOp{kind: opDel, key: key})
	d.mu.Unlock()
	return d.mem.Del(key)
}

// Commit frames the batch staged since the last Commit as a single WAL
// record, hands it to the writer goroutine's buffer, and only then applies
// it to the in-memory view. The buffered record reaches disk (and is
// fsynced) on the next periodic flush, when the buffer limit is exceeded,
// or on Close.
func (d *Durable) Commit() error {
	d.mu.Lock()
	ops := d.staged
	d.staged = nil
	seq := d.seq
	d.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	encoded := encodeRecord(seq, ops)
	w := walWrite{data: encoded, done: make(chan error, 1)}
	select {
	case d.writes <- w:
		if err := <-w.done; err != nil {
			return err
		}
	case <-time.After(d.cfg.EnqueueTimeout):
		return errors.New("backend: timed out waiting for commit to be queued to the write-ahead log")
	}

	d.mu.Lock()
	d.seq++
	d.mu.Unlock()

	return d.mem.Commit()
}

func (d *Durable) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
	return d.mem.Close()
}

// Destroy removes the store directory entirely. The store must be closed
// first. It returns ErrNotFound if the directory no longer exists.
func (d *Durable) Destroy() error {
	if _, err := os.Stat(d.dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(d.dir)
}

func (d *Durable) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case w := <-d.writes:
			err := d.write(w.data)
			w.done <- err
		case <-d.flushT.C:
			if err := d.flush(); err != nil {
				d.log.WithError(err).Warn("periodic wal flush failed")
			}
		case <-ctx.Done():
			d.flushT.Stop()
			if err := d.flush(); err != nil {
				d.log.WithError(err).Warn("shutdown wal flush failed")
			}
			_ = d.file.Close()
			return
		}
	}
}

func (d *Durable) write(data []byte) error {
	if d.buffer.Len()+len(data) > d.cfg.MaxBufferBytes {
		if err := d.flush(); err != nil {
			return err
		}
	}
	if _, err := d.buffer.Write(data); err != nil {
		return err
	}
	if d.buffer.Len() > d.cfg.MaxBufferBytes {
		return d.flush()
	}
	return nil
}

func (d *Durable) flush() error {
	if d.buffer.Len() == 0 {
		return nil
	}
	n := d.buffer.Len()
	w := bufio.NewWriter(d.file)
	if _, err := w.Write(d.buffer.Bytes()); err != nil {
		return fmt.Errorf("backend: wal write: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("backend: wal flush: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("backend: wal fsync: %w", err)
	}
	d.buffer.Reset()
	d.log.WithField("bytes", humanize.Bytes(uint64(n))).Debug("wal segment flushed")
	return nil
}

// encodeRecord frames a commit as:
//
//	| PayloadLength | CRC32C | Sequence | OpCount | Op* |
//	| 4 bytes       | 4 bytes| 8 bytes  | 4 bytes |     |
//
// and each Op as:
//
//	| Kind   | KeyLen | Key     | ValueLen | Value   |
//	| 1 byte | 4 bytes| K bytes | 4 bytes  | V bytes |
func encodeRecord(seq uint64, ops []walOp) []byte {
	var payload bytes.Buffer
	payload.Write(u64ToBytes(seq))
	payload.Write(u32ToBytes(uint32(len(ops))))
	for _, op := range ops {
		payload.WriteByte(byte(op.kind))
		payload.Write(u32ToBytes(uint32(len(op.key))))
		payload.WriteString(op.key)
		payload.Write(u32ToBytes(uint32(len(op.value))))
		payload.Write(op.value)
	}

	checksum := crc32.Checksum(payload.Bytes(), crc32.MakeTable(crc32.Castagnoli))

	var record bytes.Buffer
	record.Write(u32ToBytes(uint32(payload.Len())))
	record.Write(u32ToBytes(checksum))
	record.Write(payload.Bytes())
	return record.Bytes()
}

// loadWAL replays every well-formed record into a fresh key/value map and
// returns the sequence number to resume from. It stops at the first
// corrupted or truncated record; since a record here is a whole commit,
// stopping early never leaves a partially-applied batch in the map.
func loadWAL(path string) (map[string][]byte, uint64, error) {
	data := make(map[string][]byte)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, 0, nil
		}
		return nil, 0, fmt.Errorf("backend: open wal for read: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("backend: stat wal: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return data, 0, nil
	}

	r := bufio.NewReader(f)
	var offset int64
	var nextSeq uint64
	recordNum := 0

	for offset < size {
		lenBytes := make([]byte, payloadLenBytes)
		if _, err := readFull(r, lenBytes); err != nil {
			logrus.WithField("record", recordNum).WithField("offset", offset).
				WithError(err).Warn("wal: truncated payload length, stopping replay")
			break
		}
		payloadLen := binary.BigEndian.Uint32(lenBytes)
		offset += payloadLenBytes

		crcBytes := make([]byte, checksumBytes)
		if _, err := readFull(r, crcBytes); err != nil {
			logrus.WithField("record", recordNum).Warn("wal: truncated checksum, stopping replay")
			break
		}
		expectedChecksum := binary.BigEndian.Uint32(crcBytes)
		offset += checksumBytes

		if offset+int64(payloadLen) > size {
			logrus.WithField("record", recordNum).Warn("wal: truncated payload, stopping replay")
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := readFull(r, payload); err != nil {
			logrus.WithField("record", recordNum).Warn("wal: short payload read, stopping replay")
			break
		}
		offset += int64(payloadLen)

		actualChecksum := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))
		if actualChecksum != expectedChecksum {
			logrus.WithField("record", recordNum).Warn("wal: checksum mismatch, stopping replay at corruption boundary")
			break
		}

		seq, ops, err := decodeRecord(payload)
		if err != nil {
			logrus.WithField("record", recordNum).WithError(err).Warn("wal: failed to decode record, stopping replay")
			break
		}

		for _, op := range ops {
			switch op.kind {
			case opPut:
				data[op.key] = op.value
			case opDel:
				delete(data, op.key)
			}
		}
		nextSeq = seq + 1
		recordNum++
	}

	logrus.WithField("records", recordNum).WithField("keys", len(data)).Info("wal replay complete")
	return data, nextSeq, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, errors.New("backend: short read")
		}
	}
	return n, nil
}

func decodeRecord(payload []byte) (uint64, []walOp, error) {
	minSize := seqNumBytes + opCountBytes
	if len(payload) < minSize {
		return 0, nil, fmt.Errorf("record payload too short: %d bytes", len(payload))
	}
	pos := 0
	seq := binary.BigEndian.Uint64(payload[pos : pos+seqNumBytes])
	pos += seqNumBytes
	count := binary.BigEndian.Uint32(payload[pos : pos+opCountBytes])
	pos += opCountBytes

	ops := make([]walOp, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+opKindBytes+lenFieldSize > len(payload) {
			return 0, nil, fmt.Errorf("op %d header exceeds payload bounds", i)
		}
		kind := opType(payload[pos])
		pos += opKindBytes
		keyLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
		pos += lenFieldSize
		if pos+int(keyLen) > len(payload) {
			return 0, nil, fmt.Errorf("op %d key exceeds payload bounds", i)
		}
		key := string(payload[pos : pos+int(keyLen)])
		pos += int(keyLen)

		if pos+lenFieldSize > len(payload) {
			return 0, nil, fmt.Errorf("op %d value length exceeds payload bounds", i)
		}
		valLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
		pos += lenFieldSize
		if pos+int(valLen) > len(payload) {
			return 0, nil, fmt.Errorf("op %d value exceeds payload bounds", i)
		}
		var val []byte
		if valLen > 0 {
			val = make([]byte, valLen)
			copy(val, payload[pos:pos+int(valLen)])
		}
		pos += int(valLen)

		ops = append(ops, walOp{kind: kind, key: key, value: val})
	}

	return seq, ops, nil
}

func u64ToBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func u32ToBytes(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}
