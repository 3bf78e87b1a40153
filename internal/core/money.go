// Package core holds the domain types shared by storage, handlers and the
// report pipeline, plus money parsing helpers.
package core

import (
	"fmt"
	"math"
	"strings"
)

// ParseAmount reads a positive decimal amount into minor units.
// Either '.' or ',' separates the fraction; digits past the second
// fractional place round half-up. Signs, exponents, zero and values
// that overflow int64 minor units are rejected with ErrInvalidAmount.
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	if s == "" || !digitsOnly(whole) || !digitsOnly(frac) || whole+frac == "" {
		return Money{}, ErrInvalidAmount
	}

	var units int64
	for _, d := range whole {
		if units > (math.MaxInt64-9)/10 {
			return Money{}, ErrInvalidAmount
		}
		units = units*10 + int64(d-'0')
	}
	if units > math.MaxInt64/100-1 {
		return Money{}, ErrInvalidAmount
	}

	frac += "000"
	cents := units*100 + int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	if frac[2] >= '5' {
		cents++
	}
	if cents <= 0 {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: cents}, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String formats the amount with two decimals, e.g. "1234.50".
func (m Money) String() string {
	cents := m.Cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Add returns the sum of both amounts.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}
