package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

func testTrade(id string, side domain.Side, price string) domain.Trade {
	p := decimal.RequireFromString(price)
	return domain.Trade{
		ID:            id,
		ClientOrderID: "client-" + id,
		Pair:          domain.MustParsePair("ETH_EUR"),
		Side:          side,
		Price:         p,
		BaseAmount:    decimal.RequireFromString("0.123456789"),
		QuoteAmount:   p.Mul(decimal.RequireFromString("0.123456789")),
		Time:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWALStore_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()

	store, err := NewWALStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Append(testTrade("1", domain.SideBuy, "2000.5")))
	require.NoError(t, store.Append(testTrade("2", domain.SideBuy, "1900")))
	require.NoError(t, store.Append(testTrade("3", domain.SideSell, "2100.25")))
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, reopened.Close())
	}()

	trades, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, trades, 3)

	assert.Equal(t, "1", trades[0].ID)
	assert.Equal(t, "2", trades[1].ID)
	assert.Equal(t, "3", trades[2].ID)
	assert.Equal(t, domain.SideSell, trades[2].Side)
	assert.Equal(t, "client-3", trades[2].ClientOrderID)
	assert.True(t, decimal.RequireFromString("2100.25").Equal(trades[2].Price))
	assert.True(t, trades[0].QuoteAmount.Equal(decimal.RequireFromString("2000.5").Mul(decimal.RequireFromString("0.123456789"))))
	assert.True(t, trades[0].Time.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestWALStore_Empty(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()

	trades, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestWALStore_NotInitialized(t *testing.T) {
	var store *WALStore

	require.Error(t, store.Append(testTrade("1", domain.SideBuy, "1")))
	_, err := store.Load()
	require.Error(t, err)
}
