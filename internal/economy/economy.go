package economy

import "fmt"

// All amounts in the system are integer cents.
const (
	// StartingBalance is credited to every new account ($1000.00).
	StartingBalance int64 = 100000

	// StartingPrice is the initial cost of every account ($100.00).
	StartingPrice int64 = 10000

	DailyLoginBonus int64 = 100
	Streak3Bonus    int64 = 500
	Streak7Bonus    int64 = 2000
)

// NextPrice returns the price of an account after it has been purchased.
// Equivalent to floor(price * 1.5), computed in integer arithmetic so the
// result is exact for any price.
func NextPrice(price int64) int64 {
	return price * 3 / 2
}

// OwnershipBonus returns the amount credited to the purchased account
// itself: floor(price * 0.10).
func OwnershipBonus(price int64) int64 {
	return price / 10
}

// FormatPrice renders cents as a dollar string, e.g. 10050 -> "$100.50".
func FormatPrice(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
