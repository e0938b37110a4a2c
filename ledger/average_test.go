package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
)

// Week of Monday 2025-01-20 .. Sunday 2025-01-26.
var weekJan26 = ledger.WeekOf(ledger.MustParseDate("2025-01-26"))

func TestWeekOf_MondayToSunday(t *testing.T) {
	for _, d := range []string{"2025-01-20", "2025-01-23", "2025-01-26"} {
		w := ledger.WeekOf(ledger.MustParseDate(d))
		assert.Equal(t, "2025-01-20", w.Start.String(), d)
		assert.Equal(t, "2025-01-26", w.End.String(), d)
		assert.Equal(t, time.Sunday, w.End.Weekday())
	}
	assert.Equal(t, "2025-02-02", ledger.WeekOf(ledger.MustParseDate("2025-01-27")).End.String())
}

func TestWeeksBetween(t *testing.T) {
	weeks := ledger.WeeksBetween(ledger.MustParseDate("2025-01-22"), ledger.MustParseDate("2025-02-09"))
	require.Len(t, weeks, 3)
	assert.Equal(t, "2025-01-26", weeks[0].End.String())
	assert.Equal(t, "2025-02-09", weeks[2].End.String())
	assert.Nil(t, ledger.WeeksBetween(ledger.MustParseDate("2025-02-09"), ledger.MustParseDate("2025-01-01")))
}

func TestLastCompletedWeek(t *testing.T) {
	// Sunday itself is not complete yet.
	assert.Equal(t, "2025-01-19", ledger.LastCompletedWeek(ledger.MustParseDate("2025-01-26")).End.String())
	assert.Equal(t, "2025-01-26", ledger.LastCompletedWeek(ledger.MustParseDate("2025-01-27")).End.String())
}

func TestWeeklyAverages_FlatBalance(t *testing.T) {
	// GIVEN: 100 cartons held since before the week
	txs := []ledger.Transaction{receive("SKU-A", "B1", "2025-01-02", 100)}

	avgs := ledger.WeeklyAverages(txs, weekJan26, nil)

	require.Len(t, avgs, 1)
	assert.True(t, avgs[0].Average.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(100), avgs[0].Opening)
	assert.Equal(t, int64(100), avgs[0].Closing)
	assert.Equal(t, 0, avgs[0].TransactionsInWeek)
}

func TestWeeklyAverages_StepFunction(t *testing.T) {
	// GIVEN: 70 cartons on hand, 70 more received Thursday, all shipped Saturday
	txs := []ledger.Transaction{
		receive("SKU-A", "B1", "2025-01-10", 70),
		receive("SKU-A", "B1", "2025-01-23", 70),
		ship("SKU-A", "B1", "2025-01-25", 140),
	}

	avgs := ledger.WeeklyAverages(txs, weekJan26, nil)

	// THEN: Mon-Wed 70, Thu-Fri 140, Sat-Sun 0 => (210 + 280) / 7 = 70
	require.Len(t, avgs, 1)
	assert.Equal(t, "70", avgs[0].Average.String())
	assert.Equal(t, int64(0), avgs[0].Closing)
	assert.Equal(t, 2, avgs[0].TransactionsInWeek)
}

func TestWeeklyAverages_RoundsToFourPlaces(t *testing.T) {
	// 10 cartons received Sunday only: 10 / 7
	txs := []ledger.Transaction{receive("SKU-A", "B1", "2025-01-26", 10)}

	avgs := ledger.WeeklyAverages(txs, weekJan26, nil)

	require.Len(t, avgs, 1)
	assert.Equal(t, "1.4286", avgs[0].Average.StringFixed(4))
}

func TestWeeklyAverages_IgnoresFutureAndExcluded(t *testing.T) {
	future := receive("SKU-B", "B1", "2025-02-01", 10)
	cancelled := receive("SKU-C", "B1", "2025-01-21", 10)
	cancelled.PurchaseOrderID = str("PO-X")

	avgs := ledger.WeeklyAverages([]ledger.Transaction{future, cancelled}, weekJan26,
		ledger.CancelledPurchaseOrders{"PO-X": ledger.POCancelled})

	assert.Empty(t, avgs)
}
