package hasher

import (
	"context"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"

	"privacyvaults/vault-core/field"
)

// Poseidon is the circomlib-compatible Poseidon sponge from iden3.
type Poseidon struct{}

func NewPoseidon() *Poseidon {
	return &Poseidon{}
}

func (Poseidon) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	if err := checkArity(PoseidonBackend, inputs); err != nil {
		return field.Zero, err
	}
	if err := ctx.Err(); err != nil {
		return field.Zero, oracleError(PoseidonBackend, err)
	}

	ints := make([]*big.Int, len(inputs))
	for i, in := range inputs {
		ints[i] = in.BigInt()
	}
	out, err := poseidon.Hash(ints)
	if err != nil {
		return field.Zero, oracleError(PoseidonBackend, err)
	}
	result, err := field.FromBigInt(out)
	if err != nil {
		return field.Zero, oracleError(PoseidonBackend, err)
	}
	return result, nil
}
