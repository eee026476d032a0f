// Package ledger persists executed trades in a write-ahead log.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

const (
	DefaultDir   = "./wal/ledger"
	segmentLimit = 1000
	// trades are the source of truth, segments must never be evicted
	maxSegments = 1 << 20

	tradeKeyPrefix = "trade_"
	dirPermissions = 0o755
)

// WALStore append-only trade store backed by a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens (or creates) the trade WAL in dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure ledger directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "trades_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append durably writes the trade.
func (s *WALStore) Append(trade domain.Trade) error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	payload, err := json.Marshal(trade)
	if err != nil {
		return errors.Wrap(err, "marshal trade")
	}

	key := fmt.Sprintf("%s%s", tradeKeyPrefix, trade.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// Load returns every stored trade in write order.
func (s *WALStore) Load() ([]domain.Trade, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("ledger store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]domain.Trade, 0)
	seen := make(map[string]struct{})
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, tradeKeyPrefix) {
			continue
		}

		var trade domain.Trade
		if err := json.Unmarshal(msg.Value, &trade); err != nil {
			return nil, errors.Wrapf(err, "decode trade %s", msg.Key)
		}
		if _, ok := seen[trade.ID]; ok {
			continue
		}
		seen[trade.ID] = struct{}{}
		trades = append(trades, trade)
	}

	return trades, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
