// Package eventlog is an append-only, batched log of protocol-
// significant events: grant releases, shadow-slot completions, state
// transitions, credit-shaping decisions. It exists so an operator can
// reconstruct what an interface did without re-deriving it from metrics
// alone, and so post-resume recovery has a durable trail to check
// against.
//
// Encoding and batching mirror the teacher's event log
// (order-matching-engine/internal/events): gob records with a CRC32
// checksum and a monotonic sequence number, written through a small
// async batcher so the hot path never blocks on I/O.
package eventlog

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// Event is anything that can be appended. Concrete event types are
// defined by the packages that emit them (blockfront.CompletionEvent,
// netback.CreditEvent, ifstate transitions, ...); Log only needs to gob
// encode them, so each concrete type must be registered once via
// RegisterGob in an init() in its owning package.
type Event interface {
	Kind() string
}

// RegisterGob registers a concrete Event implementation with gob so it
// can be decoded back out of a Log by Replay without the caller naming
// the type up front.
func RegisterGob(e Event) { gob.Register(e) }

type record struct {
	SequenceNum uint64
	Kind        string
	Data        Event
	Checksum    uint32
}

// Log is an append-only event log backed by a single file.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	encoder  *gob.Encoder
	seq      uint64
	syncMode bool
}

// Config configures a Log.
type Config struct {
	Path string
	// SyncMode, if true, fsyncs after every batch flush. Slower, but
	// guarantees durability across a crash.
	SyncMode bool
}

// Open creates or appends to the event log at cfg.Path.
func Open(cfg Config) (*Log, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	w := bufio.NewWriter(f)
	l := &Log{
		file:     f,
		writer:   w,
		encoder:  gob.NewEncoder(w),
		syncMode: cfg.SyncMode,
	}
	return l, nil
}

// Append writes one event and returns the sequence number it was
// assigned. Safe for concurrent use.
func (l *Log) Append(event Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec := record{
		SequenceNum: l.seq,
		Kind:        event.Kind(),
		Data:        event,
	}
	rec.Checksum = crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s:%v", rec.Kind, event)))

	if err := l.encoder.Encode(rec); err != nil {
		l.seq--
		return 0, fmt.Errorf("eventlog: encode: %w", err)
	}
	if l.syncMode {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
	}
	return rec.SequenceNum, nil
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("eventlog: fsync: %w", err)
	}
	return nil
}

// Flush forces buffered events to disk without fsyncing.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Flush()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Replay decodes every record in the log in order and invokes fn for
// each. Used by tools that need to reconstruct state rather than by
// the live protocol path.
func Replay(path string, fn func(seq uint64, kind string, data Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: open for replay: %w", err)
	}
	defer f.Close()

	dec := gob.NewDecoder(bufio.NewReader(f))
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("eventlog: decode: %w", err)
		}
		if err := fn(rec.SequenceNum, rec.Kind, rec.Data); err != nil {
			return err
		}
	}
}

// Batcher buffers events from a hot path (IRQ handler, tasklet) and
// flushes them to a Log in batches, trading a small latency window for
// far fewer fsyncs under load. Grounded on the teacher's
// internal/disruptor.EventBatcher.
type Batcher struct {
	log           *Log
	queue         chan Event
	batchSize     int
	flushInterval time.Duration
	shutdownCh    chan struct{}
	shutdownDone  chan struct{}
	onDrop        func(Event)
}

// NewBatcher creates a batcher that flushes log every batchSize events
// or every flushInterval, whichever comes first.
func NewBatcher(log *Log, batchSize int, flushInterval time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}
	return &Batcher{
		log:           log,
		queue:         make(chan Event, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownCh:    make(chan struct{}),
		shutdownDone:  make(chan struct{}),
	}
}

// Start begins the batching goroutine.
func (b *Batcher) Start() { go b.loop() }

func (b *Batcher) loop() {
	defer close(b.shutdownDone)

	batch := make([]Event, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		for _, e := range batch {
			if _, err := b.log.Append(e); err != nil && b.onDrop != nil {
				b.onDrop(e)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-b.shutdownCh:
			if len(batch) > 0 {
				flush()
			}
			for {
				select {
				case e := <-b.queue:
					_, _ = b.log.Append(e)
				default:
					return
				}
			}
		}
	}
}

// Queue enqueues event for batched writing. Non-blocking: if the queue
// is full the event is dropped and onDrop (if set) is invoked, matching
// spec.md's rule that no packet- or request-path call may block.
func (b *Batcher) Queue(event Event) {
	select {
	case b.queue <- event:
	default:
		if b.onDrop != nil {
			b.onDrop(event)
		}
	}
}

// OnDrop registers a callback invoked whenever an event is dropped
// because the queue was full.
func (b *Batcher) OnDrop(fn func(Event)) { b.onDrop = fn }

// Shutdown flushes remaining events and stops the batcher.
func (b *Batcher) Shutdown() {
	close(b.shutdownCh)
	<-b.shutdownDone
}
