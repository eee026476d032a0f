// Package intents journals order intents before they are dispatched.
package intents

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

const (
	DefaultDir   = "./wal/intents"
	segmentLimit = 1000
	// a pending intent may sit in the oldest segment, segments must never be evicted
	maxSegments = 1 << 20
	// settled intents kept in memory for Get; older ones live only in the WAL
	keepSettled = 10000

	intentKeyPrefix = "intent_"
	dirPermissions  = 0o755
)

// Status lifecycle state of a journalled intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Record journalled intent. ID doubles as the client order id sent to the exchange.
type Record struct {
	ID           string             `json:"id"`
	Status       Status             `json:"status"`
	Pair         domain.TradingPair `json:"pair"`
	Side         domain.Side        `json:"side"`
	QuoteAmount  decimal.Decimal    `json:"quote_amount"`
	BaseAmount   decimal.Decimal    `json:"base_amount"`
	Price        decimal.Decimal    `json:"price"`
	MatchedBuyID string             `json:"matched_buy_id,omitempty"`
	Time         time.Time          `json:"time"`
	TradeID      string             `json:"trade_id,omitempty"`
	Error        string             `json:"error,omitempty"`

	seq int
}

// Intent returns the order intent the record was prepared from.
func (r Record) Intent() domain.OrderIntent {
	return domain.OrderIntent{
		Pair:         r.Pair,
		Side:         r.Side,
		QuoteAmount:  r.QuoteAmount,
		BaseAmount:   r.BaseAmount,
		Price:        r.Price,
		MatchedBuyID: r.MatchedBuyID,
	}
}

// WALStore intent journal backed by a WAL. The latest write of an intent wins on replay.
type WALStore struct {
	wal     *gowal.Wal
	mu      sync.Mutex
	records map[string]*Record
	// settled ids in settlement order, oldest first
	settled []string
	keep    int
	next    int
}

// NewWALStore opens the journal in dir and restores the latest state of every intent.
func NewWALStore(dir string) (*WALStore, error) {
	return openWALStore(dir, segmentLimit, keepSettled)
}

func openWALStore(dir string, threshold, keep int) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure intents directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "intents_",
		SegmentThreshold: threshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init intents WAL")
	}

	s := &WALStore{wal: wal, records: make(map[string]*Record), keep: keep}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}

		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode intent %s", msg.Key)
		}
		if prev, ok := s.records[rec.ID]; ok {
			rec.seq = prev.seq
		} else {
			rec.seq = s.next
			s.next++
		}
		s.records[rec.ID] = &rec
	}

	settled := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			settled = append(settled, rec)
		}
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].seq < settled[j].seq })
	for _, rec := range settled {
		s.forgetOldest(rec.ID)
	}

	return s, nil
}

// Prepare journals the intent as pending and returns the record holding its client order id.
func (s *WALStore) Prepare(intent domain.OrderIntent, now time.Time) (Record, error) {
	rec := Record{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Pair:         intent.Pair,
		Side:         intent.Side,
		QuoteAmount:  intent.QuoteAmount,
		BaseAmount:   intent.BaseAmount,
		Price:        intent.Price,
		MatchedBuyID: intent.MatchedBuyID,
		Time:         now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.seq = s.next
	if err := s.persist(rec); err != nil {
		return Record{}, err
	}
	s.next++
	s.records[rec.ID] = &rec
	return rec, nil
}

// MarkDone records that the intent produced the trade.
func (s *WALStore) MarkDone(id, tradeID string) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusDone
		rec.TradeID = tradeID
		rec.Error = ""
	})
}

// MarkFailed records that the intent did not execute.
func (s *WALStore) MarkFailed(id string, cause error) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusFailed
		if cause != nil {
			rec.Error = cause.Error()
		} else {
			rec.Error = ""
		}
	})
}

// Pending returns intents still awaiting an outcome in journal order.
func (s *WALStore) Pending() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Get returns the latest state of the intent.
func (s *WALStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("intents store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *WALStore) update(id string, apply func(rec *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return errors.Errorf("intent %s not found", id)
	}

	next := *current
	apply(&next)
	if err := s.persist(next); err != nil {
		return err
	}
	wasPending := current.Status == StatusPending
	*current = next
	if wasPending && next.Status != StatusPending {
		s.forgetOldest(id)
	}
	return nil
}

// forgetOldest tracks a settled intent and drops the oldest settled ones from memory past the keep limit.
func (s *WALStore) forgetOldest(id string) {
	s.settled = append(s.settled, id)
	for len(s.settled) > s.keep {
		delete(s.records, s.settled[0])
		s.settled = s.settled[1:]
	}
}

func (s *WALStore) persist(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, rec.ID)
	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, data)
}
