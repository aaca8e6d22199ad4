// Package orders composes a NormalizedOrderIntent from an incoming
// trading Signal: CME front-quarter contract resolution, tick/
// precision lookup, order-type inference, and bracket (TP/SL) price
// derivation. Pure, deterministic arithmetic in the teacher's small-
// function, heavily-commented numeric-transform style (see
// donchian_breakout.go's What/How/Params/Returns header convention).
package orders

import (
	"fmt"
	"time"
)

// quarterlyMonths are CME's quarterly contract expiration months in
// order: March, June, September, December.
var quarterlyMonths = []time.Month{time.March, time.June, time.September, time.December}

var monthCode = map[time.Month]string{
	time.March:     "H",
	time.June:      "M",
	time.September: "U",
	time.December:  "Z",
}

// FrontQuarterContract resolves the front-quarter CME contract code
// for root (e.g. "ES", "NQ") as of asOf, using the standard roll rule:
// roll to the next quarterly month on the Monday preceding the week
// of that month's third Friday (eleven calendar days earlier).
//
// What: symbol -> front-month contract code (e.g. "ESU6").
// How: finds the nearest quarterly month whose roll date is still in
//      the future relative to asOf; wraps into the next year when all
//      of the current year's quarterly months have rolled.
// Params: root symbol, evaluation instant.
// Returns: contract code string, e.g. "ESU6" for September 2026.
func FrontQuarterContract(root string, asOf time.Time) (string, error) {
	if root == "" {
		return "", fmt.Errorf("orders: empty root symbol")
	}
	year := asOf.Year()
	for i := 0; i < 2; i++ { // this year, then next, in case everything already rolled
		for _, m := range quarterlyMonths {
			rollDate := rollDateFor(year, m)
			if asOf.Before(rollDate) {
				return fmt.Sprintf("%s%s%d", root, monthCode[m], year%10), nil
			}
		}
		year++
	}
	return "", fmt.Errorf("orders: could not resolve front quarter for %s as of %s", root, asOf)
}

// rollDateFor returns the roll date for the quarterly contract
// expiring in month m of year: the Monday before the week
// containing that month's third Friday, eleven calendar days
// earlier.
func rollDateFor(year int, m time.Month) time.Time {
	thirdFriday := thirdFridayOf(year, m)
	return thirdFriday.AddDate(0, 0, -11)
}

// thirdFridayOf returns the third Friday of the given month/year.
func thirdFridayOf(year int, m time.Month) time.Time {
	first := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	firstFriday := first.AddDate(0, 0, offset)
	return firstFriday.AddDate(0, 0, 14)
}
