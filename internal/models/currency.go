package models

import (
	"fmt"
	"strings"
	"time"
)

// Currency is a currency the lab accepts. At most one is the default.
type Currency struct {
	Abbreviation   string // ISO-style three-letter code, e.g. "EUR"
	Name           string
	FractionalName string // e.g. "Cent"
	IsDefault      bool
	CreatedAt      time.Time
}

func (c Currency) String() string {
	return fmt.Sprintf("%s: %s/%s", c.Abbreviation, c.Name, c.FractionalName)
}

// Validate checks that the currency has a three-letter abbreviation and a name.
func (c Currency) Validate() error {
	if len(c.Abbreviation) != 3 || strings.ToUpper(c.Abbreviation) != c.Abbreviation {
		return fmt.Errorf("%w: currency abbreviation must be three upper-case letters, got %q", ErrInvalidInput, c.Abbreviation)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: currency %s has no name", ErrInvalidInput, c.Abbreviation)
	}
	return nil
}
