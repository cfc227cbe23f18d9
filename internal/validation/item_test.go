package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/mmeshcher/ledgerpad/internal/model"
)

func TestValidateItemInput(t *testing.T) {
	tests := []struct {
		name    string
		item    string
		price   int64
		section model.Section
		date    string
		wantErr error
	}{
		{name: "valid income", item: "Chips", price: 2550, section: model.SectionIncome, date: "2026-01-28"},
		{name: "valid expense", item: "Rent", price: 0, section: model.SectionExpenses, date: "2026-02-01"},
		{name: "empty name", item: "", price: 100, section: model.SectionIncome, date: "2026-01-28", wantErr: ErrEmptyName},
		{name: "long name", item: strings.Repeat("x", 256), price: 100, section: model.SectionIncome, date: "2026-01-28", wantErr: ErrNameTooLong},
		{name: "negative price", item: "Chips", price: -1, section: model.SectionIncome, date: "2026-01-28", wantErr: ErrNegativePrice},
		{name: "bad section", item: "Chips", price: 100, section: "savings", date: "2026-01-28", wantErr: ErrInvalidSection},
		{name: "bad date", item: "Chips", price: 100, section: model.SectionIncome, date: "28.01.2026", wantErr: ErrInvalidDate},
		{name: "impossible date", item: "Chips", price: 100, section: model.SectionIncome, date: "2026-02-30", wantErr: ErrInvalidDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateItemInput(tt.item, tt.price, tt.section, tt.date)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateName_MaxLengthBoundary(t *testing.T) {
	if err := ValidateName(strings.Repeat("я", 255)); err != nil {
		t.Fatalf("255 runes must be valid, got %v", err)
	}
}
