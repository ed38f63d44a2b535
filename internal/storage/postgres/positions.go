package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// encodePosition stores the concrete position as JSON next to its kind.
func encodePosition(p models.Position) (models.PositionKind, []byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode position %s: %w", p.Key(), err)
	}
	return p.Kind(), data, nil
}

func decodePosition(kind models.PositionKind, data []byte) (models.Position, error) {
	var (
		p   models.Position
		err error
	)
	switch kind {
	case models.PositionMachineUsage:
		var v models.MachineUsage
		err = json.Unmarshal(data, &v)
		p = v
	case models.PositionMembership:
		var v models.MembershipEnrollment
		err = json.Unmarshal(data, &v)
		p = v
	case models.PositionDonation:
		var v models.Donation
		err = json.Unmarshal(data, &v)
		p = v
	case models.PositionExpense:
		var v models.Expense
		err = json.Unmarshal(data, &v)
		p = v
	case models.PositionLine:
		var v models.Line
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown position kind %q", models.ErrInvalidInput, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s position: %w", kind, err)
	}
	return p, nil
}
