// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry is the kernel's audit ring: an in-memory durable ledger
// of lifecycle events (process exit, object create/destroy, page-fault
// delivery) indexed by process and object id, plus a Forwarder that batches
// and drains ledger events to a pluggable Sink with rate-limited retry. It
// is the Go-process analogue of a kernel's dmesg/audit trail combined with
// the crash-notification delivery path.
package telemetry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/norostb/kernel/pkg/kerr"
)

// EventKind enumerates the kernel lifecycle events the ledger records.
type EventKind string

const (
	EventProcessExit       EventKind = "process_exit"
	EventObjectCreate      EventKind = "object_create"
	EventObjectDestroy     EventKind = "object_destroy"
	EventPageFaultDelivery EventKind = "page_fault_delivery"
)

// Event is one ledger entry. ProcessID/ObjectID are zero when not
// applicable to Kind (e.g. an ObjectCreate with no owning process yet).
type Event struct {
	Seq       uint64
	Kind      EventKind
	ProcessID uint64
	ObjectID  uint64
	Code      kerr.Code
	Detail    string
}

var (
	eventKeyPrefix   = []byte("evt")
	processIdxPrefix = []byte("idx-proc")
	objectIdxPrefix  = []byte("idx-obj")
)

type subscriber struct {
	ch chan Event
}

// Ledger is a badger-backed, in-memory append-only event log. Grounded on
// pkg/resource/store/store.go's badger.Open(badger.DefaultOptions("").
// WithInMemory(true)) usage and its key-building/indexing/subscribe shape,
// adapted from a resource+relationship graph to a flat, sequence-keyed
// event log.
type Ledger struct {
	mu     sync.Mutex
	closed bool

	db   *badger.DB
	seq  atomic.Uint64
	opct atomic.Int32

	router      chan Event
	stopRouter  chan struct{}
	subscribers []*subscriber
	wg          sync.WaitGroup
}

// NewLedger opens a fresh in-memory ledger.
func NewLedger() (*Ledger, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("telemetry: open ledger: %w", err)
	}
	l := &Ledger{
		db:         db,
		router:     make(chan Event),
		stopRouter: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.route()
	return l, nil
}

// Append records ev under the next monotonic sequence number, indexed by
// its process and object ids for later lookup, and fans it out to
// subscribers.
func (l *Ledger) Append(ev Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return kerr.Of(kerr.InvalidOperation, "ledger is closed")
	}
	l.opct.Add(1)
	l.mu.Unlock()
	defer l.opct.Add(-1)

	ev.Seq = l.seq.Add(1)
	buf, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	key := seqKey(eventKeyPrefix, ev.Seq)
	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, buf); err != nil {
			return err
		}
		if ev.ProcessID != 0 {
			if err := appendIndex(txn, idxKey(processIdxPrefix, ev.ProcessID), ev.Seq); err != nil {
				return err
			}
		}
		if ev.ObjectID != 0 {
			if err := appendIndex(txn, idxKey(objectIdxPrefix, ev.ObjectID), ev.Seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry: append event: %w", err)
	}

	l.router <- ev
	return nil
}

// ByProcess returns every event recorded against pid, in sequence order.
func (l *Ledger) ByProcess(pid uint64) ([]Event, error) {
	return l.byIndex(idxKey(processIdxPrefix, pid))
}

// ByObject returns every event recorded against oid, in sequence order.
func (l *Ledger) ByObject(oid uint64) ([]Event, error) {
	return l.byIndex(idxKey(objectIdxPrefix, oid))
}

func (l *Ledger) byIndex(key []byte) ([]Event, error) {
	var seqs []uint64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seqs = decodeIndex(val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: read index: %w", err)
	}

	events := make([]Event, 0, len(seqs))
	err = l.db.View(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			item, err := txn.Get(seqKey(eventKeyPrefix, seq))
			if err != nil {
				continue
			}
			var ev Event
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				ev, decodeErr = decodeEvent(val)
				return decodeErr
			}); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: read events: %w", err)
	}
	return events, nil
}

// Subscribe returns a channel that receives every event appended from now
// on. The channel is closed when Close is called.
func (l *Ledger) Subscribe() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, 64)
	if l.closed {
		close(ch)
		return ch
	}
	l.subscribers = append(l.subscribers, &subscriber{ch: ch})
	return ch
}

func (l *Ledger) route() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.router:
			l.mu.Lock()
			subs := append([]*subscriber(nil), l.subscribers...)
			l.mu.Unlock()
			for _, s := range subs {
				select {
				case s.ch <- ev:
				default:
					// a slow subscriber must not stall the ledger's append path
				}
			}
		case <-l.stopRouter:
			// Appends that passed the closed check before Close flipped it
			// may still be blocked sending on router; keep draining until
			// every in-flight Append has finished.
			for l.opct.Load() != 0 {
				select {
				case <-l.router:
				default:
				}
			}
			l.mu.Lock()
			for _, s := range l.subscribers {
				close(s.ch)
			}
			l.mu.Unlock()
			return
		}
	}
}

// Close closes the ledger. Idempotent.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopRouter)
	l.wg.Wait()
	return l.db.Close()
}

func seqKey(prefix []byte, seq uint64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], seq)
	return b
}

func idxKey(prefix []byte, id uint64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], id)
	return b
}

func appendIndex(txn *badger.Txn, key []byte, seq uint64) error {
	var existing []byte
	item, err := txn.Get(key)
	if err == nil {
		if err := item.Value(func(val []byte) error {
			existing = bytes.Clone(val)
			return nil
		}); err != nil {
			return err
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}
	entry := make([]byte, 8)
	binary.BigEndian.PutUint64(entry, seq)
	return txn.Set(key, append(existing, entry...))
}

func decodeIndex(val []byte) []uint64 {
	n := len(val) / 8
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seqs = append(seqs, binary.BigEndian.Uint64(val[i*8:(i+1)*8]))
	}
	return seqs
}

// encodeEvent/decodeEvent use a small fixed-field wire format rather than a
// generic codec: Seq(8) Kind-len(2) Kind ProcessID(8) ObjectID(8) Code(4)
// Detail-len(2) Detail.
func encodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, ev.Seq); err != nil {
		return nil, err
	}
	if err := writeString(&buf, string(ev.Kind)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ev.ProcessID); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ev.ObjectID); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(ev.Code)); err != nil {
		return nil, err
	}
	if err := writeString(&buf, ev.Detail); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEvent(val []byte) (Event, error) {
	buf := bytes.NewReader(val)
	var ev Event
	if err := binary.Read(buf, binary.BigEndian, &ev.Seq); err != nil {
		return ev, err
	}
	kind, err := readString(buf)
	if err != nil {
		return ev, err
	}
	ev.Kind = EventKind(kind)
	if err := binary.Read(buf, binary.BigEndian, &ev.ProcessID); err != nil {
		return ev, err
	}
	if err := binary.Read(buf, binary.BigEndian, &ev.ObjectID); err != nil {
		return ev, err
	}
	var code int32
	if err := binary.Read(buf, binary.BigEndian, &code); err != nil {
		return ev, err
	}
	ev.Code = kerr.Code(code)
	detail, err := readString(buf)
	if err != nil {
		return ev, err
	}
	ev.Detail = detail
	return ev, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(buf *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}
