// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/mmeshcher/ledgerpad/internal/model"
)

var (
	// ErrEmptyName возвращается для пустого названия записи.
	ErrEmptyName = errors.New("name must not be empty")
	// ErrNameTooLong возвращается, если название длиннее 255 символов.
	ErrNameTooLong = errors.New("name must be at most 255 characters")
	// ErrNegativePrice возвращается для отрицательной цены.
	ErrNegativePrice = errors.New("price must not be negative")
	// ErrInvalidSection возвращается для неизвестного раздела.
	ErrInvalidSection = errors.New("section must be income or expenses")
	// ErrInvalidDate возвращается для даты не в формате YYYY-MM-DD.
	ErrInvalidDate = errors.New("date must be a valid YYYY-MM-DD date")
)

// ValidateItemInput проверяет поля намерения создать запись.
func ValidateItemInput(name string, priceCents int64, section model.Section, date string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if priceCents < 0 {
		return ErrNegativePrice
	}
	if section != model.SectionIncome && section != model.SectionExpenses {
		return ErrInvalidSection
	}
	return ValidateDate(date)
}

// ValidateName проверяет название записи: от 1 до 255 символов.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > 255 {
		return ErrNameTooLong
	}
	return nil
}

// ValidateDate проверяет, что строка является реальной календарной датой.
func ValidateDate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return ErrInvalidDate
	}
	return nil
}
