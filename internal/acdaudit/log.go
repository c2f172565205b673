// Package acdaudit provides a persistent audit trail for ACD engine
// events. Records every READY, USED, DEFENDED, CONFLICT, and DOWN event
// with full context, in a dedicated BoltDB bucket kept separate from the
// core engine's in-memory-only state.
package acdaudit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/athena-acd/athena-acd/internal/acdevents"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAudit   = []byte("audit_log")
	bucketAuditIP = []byte("audit_ip_index")
)

// Record is a single audit log entry.
type Record struct {
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Interface string `json:"interface"`
	IP        string `json:"ip,omitempty"`
	Operation uint16 `json:"operation,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	IP    string
	Event string
	From  time.Time
	To    time.Time
	Limit int
}

// Log provides append-only audit logging for ACD events.
type Log struct {
	db     *bolt.DB
	bus    *acdevents.Bus
	logger *slog.Logger
	ch     chan acdevents.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLog creates a new audit log backed by BoltDB.
func NewLog(db *bolt.DB, bus *acdevents.Bus, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditIP); err != nil {
			return fmt.Errorf("creating audit IP index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Log{db: db, bus: bus, logger: logger, done: make(chan struct{})}, nil
}

// Start subscribes to the event bus and begins recording audit entries.
// Call in a goroutine.
func (l *Log) Start() {
	l.ch = l.bus.Subscribe(2000)
	l.logger.Info("audit log started")

	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			if err := l.append(toRecord(evt)); err != nil {
				l.logger.Error("failed to write audit record", "event", evt.Type, "ip", evt.IP, "error", err)
			}
		case <-l.done:
			return
		}
	}
}

// Stop shuts down the audit log subscriber.
func (l *Log) Stop() {
	close(l.done)
	if l.ch != nil {
		l.bus.Unsubscribe(l.ch)
	}
	l.wg.Wait()
	l.logger.Info("audit log stopped")
}

func toRecord(evt acdevents.Event) Record {
	rec := Record{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(evt.Type),
		Interface: evt.Interface,
		Operation: evt.Operation,
	}
	if evt.IP != nil {
		rec.IP = evt.IP.String()
	}
	if evt.Sender != nil {
		rec.Sender = evt.Sender.String()
	}
	return rec
}

// append persists a single audit record to BoltDB with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}

		key := uint64Key(id)
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.IP != "" {
			idx := tx.Bucket(bucketAuditIP)
			ipKey := []byte(rec.IP)
			var ids []uint64
			if existing := idx.Get(ipKey); existing != nil {
				json.Unmarshal(existing, &ids)
			}
			ids = append(ids, id)
			idData, err := json.Marshal(ids)
			if err != nil {
				return fmt.Errorf("marshalling audit IP index: %w", err)
			}
			if err := idx.Put(ipKey, idData); err != nil {
				return fmt.Errorf("storing audit IP index: %w", err)
			}
		}

		return nil
	})
}

// Query searches the audit log with the given parameters, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	if params.IP != "" {
		return l.queryByIP(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

func (l *Log) queryByIP(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAuditIP)
		b := tx.Bucket(bucketAudit)

		idsData := idx.Get([]byte(params.IP))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return nil
		}

		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		count = b.Stats().KeyN
		return nil
	})
	return count
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.Event != "" && rec.Event != params.Event {
		return false
	}
	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
