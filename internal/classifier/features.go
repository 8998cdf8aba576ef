package classifier

import (
	"math"
	"strconv"
	"time"
)

const maxLagDays = 7

// Tokens renders the feature vector as the discrete document the naive Bayes
// model learns from.
func (f Features) Tokens() []string {
	_, week := f.EntryDate.ISOWeek()
	weekday := f.EntryDate.Weekday()
	weekend := "0"
	if weekday == time.Saturday || weekday == time.Sunday {
		weekend = "1"
	}
	direction := "out"
	amount := f.Withdraw
	if f.Deposit.IsPositive() {
		direction = "in"
		amount = f.Deposit
	}
	balance := "neg"
	if !f.Balance.IsNegative() {
		balance = strconv.Itoa(magnitude(f.Balance.InexactFloat64()))
	}
	lag := int(f.ReceiptDate.Sub(f.EntryDate).Hours() / 24)
	if lag < 0 {
		lag = 0
	}
	if lag > maxLagDays {
		lag = maxLagDays
	}
	return []string{
		"dow:" + weekday.String(),
		"dom:" + strconv.Itoa(f.EntryDate.Day()),
		"month:" + strconv.Itoa(int(f.EntryDate.Month())),
		"week:" + strconv.Itoa(week),
		"weekend:" + weekend,
		"dir:" + direction,
		"amt:" + direction + ":" + strconv.Itoa(magnitude(amount.InexactFloat64())),
		"bal:" + balance,
		"lag:" + strconv.Itoa(lag),
	}
}

// magnitude buckets v by powers of two.
func magnitude(v float64) int {
	if v < 1 {
		return 0
	}
	return int(math.Floor(math.Log2(v))) + 1
}
