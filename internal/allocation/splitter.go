package allocation

import (
	"fmt"
	"time"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// Key suffixes of the two parts of a split position.
const (
	CurrentPeriodSuffix = "#current"
	NextPeriodSuffix    = "#next"
)

const day = 24 * time.Hour

// Splitter normalizes positions into Lines, splitting date-spanning ones
// at the end of the calendar year they start in.
type Splitter struct {
	Policy money.Rounding // rounding of the current-period share, half-up when empty
}

// SplitAll splits every position and keeps their order.
func (s Splitter) SplitAll(positions []models.Position) ([]models.Line, error) {
	lines := make([]models.Line, 0, len(positions))
	for _, p := range positions {
		parts, err := s.Split(p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, parts...)
	}
	return lines, nil
}

// Split returns p as one Line, or as two when it spans a year boundary.
// The two parts always add up to p.Amount().
func (s Splitter) Split(p models.Position) ([]models.Line, error) {
	sp, ok := p.(models.Spanning)
	if !ok {
		return []models.Line{models.ToLine(p)}, nil
	}

	start := models.Civil(sp.StartDate())
	end := models.Civil(sp.EndDate())
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s ends before it starts", models.ErrOrderingViolation, sp.Key())
	}

	line := models.ToLine(p)
	line.Period = &models.DateRange{From: start, To: end}
	if end.Year() <= start.Year() {
		return []models.Line{line}, nil
	}

	yearEnd := time.Date(start.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	nextStart := time.Date(end.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	lengthTotal := int64(end.Sub(start) / day)
	lengthThis := int64(yearEnd.Sub(start) / day)

	price := sp.Amount()
	priceThis, err := money.ProRate(price, lengthThis, lengthTotal, 0, s.Policy)
	if err != nil {
		return nil, err
	}
	priceNext := price.Sub(priceThis)

	current := models.Line{
		LineKey:     sp.Key() + CurrentPeriodSuffix,
		LineKind:    sp.Kind(),
		Value:       priceThis,
		Contra:      sp.CurrentPeriodAccount(),
		Description: sp.Describe(start, yearEnd),
		Period:      &models.DateRange{From: start, To: yearEnd},
	}
	next := models.Line{
		LineKey:     sp.Key() + NextPeriodSuffix,
		LineKind:    sp.Kind(),
		Value:       priceNext,
		Contra:      sp.NextPeriodAccount(),
		Description: sp.Describe(nextStart, end),
		Period:      &models.DateRange{From: nextStart, To: end},
	}
	return []models.Line{current, next}, nil
}
