package commitment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"privacyvaults/vault-core/field"
)

var ErrUnknownFlow = errors.New("unknown spend flow")

// Flow selects which nullifier hash a spend reveals.
type Flow int

const (
	WithdrawFlow Flow = iota
	CollateralFlow
)

func (f Flow) String() string {
	switch f {
	case WithdrawFlow:
		return "withdraw"
	case CollateralFlow:
		return "collateral"
	default:
		return fmt.Sprintf("flow(%d)", int(f))
	}
}

func ParseFlow(s string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "withdraw":
		return WithdrawFlow, nil
	case "collateral":
		return CollateralFlow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFlow, s)
	}
}

func (f Flow) MarshalText() ([]byte, error) {
	switch f {
	case WithdrawFlow, CollateralFlow:
		return []byte(f.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlow, int(f))
	}
}

func (f *Flow) UnmarshalText(text []byte) error {
	v, err := ParseFlow(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// FlowNullifierHash returns the nullifier hash revealed by flow.
func (s *Scheme) FlowNullifierHash(ctx context.Context, flow Flow, nullifier field.Element) (field.Element, error) {
	switch flow {
	case WithdrawFlow:
		return s.NullifierHash(ctx, nullifier)
	case CollateralFlow:
		return s.TaggedNullifierHash(ctx, nullifier, CollateralDomain)
	default:
		return field.Zero, fmt.Errorf("%w: %d", ErrUnknownFlow, int(flow))
	}
}
