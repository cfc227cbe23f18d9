// Package money конвертирует денежные суммы между строковым десятичным
// представлением и целыми минорными единицами. Плавающая точка для денег
// не используется нигде в системе.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount возвращается для отрицательных сумм.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrTooPrecise возвращается, если сумма содержит больше двух знаков после запятой.
	ErrTooPrecise = errors.New("amount has more than two fraction digits")
)

// ParseAmount разбирает десятичную строку вида "25.50" в минорные единицы.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, ErrTooPrecise
	}

	return d.Mul(decimal.NewFromInt(100)).IntPart(), nil
}

// FormatCents форматирует минорные единицы в десятичную строку вида "25.50".
func FormatCents(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}
