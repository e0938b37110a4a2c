package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AverageScale is the number of decimal places kept on average balances.
const AverageScale = 4

// WeekAverage is the time-weighted carton balance of one batch over a week.
type WeekAverage struct {
	Key BatchKey

	Opening int64 // balance at the end of the day before the week starts
	Closing int64 // balance at the end of the week's Sunday
	Average decimal.Decimal

	// TransactionsInWeek counts kept transactions dated inside the week.
	TransactionsInWeek int
}

// WeeklyAverages replays txs as a step function over the week. Each of the
// seven days contributes its end-of-day balance; the sum is divided by seven.
// Every batch with at least one kept transaction up to week.End is returned,
// ordered by key.
func WeeklyAverages(txs []Transaction, week Week, ex Exclusion) []WeekAverage {
	ordered := sortedCopy(txs)
	kept, _ := Partition(ordered, ex)

	type state struct {
		acc     *accumulator
		opening int64
		sum     int64
		inWeek  int
	}
	states := make(map[BatchKey]*state)
	get := func(k BatchKey) *state {
		s, ok := states[k]
		if !ok {
			s = &state{acc: newAccumulator(k)}
			states[k] = s
		}
		return s
	}

	i := 0
	for ; i < len(kept) && kept[i].Date.Before(week.Start); i++ {
		get(kept[i].Key()).acc.apply(kept[i])
	}
	for _, s := range states {
		s.opening = s.acc.cartons
	}

	for _, day := range week.Days() {
		for ; i < len(kept) && kept[i].Date.Equal(day); i++ {
			s := get(kept[i].Key())
			s.acc.apply(kept[i])
			s.inWeek++
		}
		for _, s := range states {
			s.sum += s.acc.cartons
		}
	}

	out := make([]WeekAverage, 0, len(states))
	days := decimal.NewFromInt(DaysPerWeek)
	for k, s := range states {
		out = append(out, WeekAverage{
			Key:                k,
			Opening:            s.opening,
			Closing:            s.acc.cartons,
			Average:            decimal.NewFromInt(s.sum).Div(days).Round(AverageScale),
			TransactionsInWeek: s.inWeek,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key.less(out[b].Key) })
	return out
}
