package hasher

import (
	"context"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"

	"privacyvaults/vault-core/field"
)

const (
	poseidon2Width         = 3
	poseidon2FullRounds    = 8
	poseidon2PartialRounds = 56
)

// Poseidon2 is a sponge over the width-3 BN254 Poseidon2 permutation. The
// state is seeded as [in0, in1, arity<<64] so that each arity gets its own
// initial value, and the digest is state[0] after one permutation.
type Poseidon2 struct {
	perm *poseidon2.Permutation
}

func NewPoseidon2() *Poseidon2 {
	return &Poseidon2{perm: poseidon2.NewPermutation(poseidon2Width, poseidon2FullRounds, poseidon2PartialRounds)}
}

func (p *Poseidon2) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	if err := checkArity(Poseidon2Backend, inputs); err != nil {
		return field.Zero, err
	}
	if err := ctx.Err(); err != nil {
		return field.Zero, oracleError(Poseidon2Backend, err)
	}

	state := make([]fr.Element, poseidon2Width)
	for i, in := range inputs {
		if err := state[i].SetBytesCanonical(in[:]); err != nil {
			return field.Zero, oracleError(Poseidon2Backend, fmt.Errorf("input %d: %w", i, err))
		}
	}
	state[poseidon2Width-1].SetBigInt(new(big.Int).Lsh(big.NewInt(int64(len(inputs))), 64))

	if err := p.perm.Permutation(state); err != nil {
		return field.Zero, oracleError(Poseidon2Backend, err)
	}
	return field.FromFr(&state[0]), nil
}
