// Package commitment derives public commitments and nullifier hashes from a
// note's secret material.
//
// The argument order and arity of every hash call here is fixed by the
// withdraw circuits: commitment = H(nullifier, secret), leaf = H(commitment,
// yieldIndex) for yield-bearing deposits, nullifierHash = H(nullifier) for a
// plain withdraw and H(nullifier, tag) for any additional spend flow.
package commitment

import (
	"context"
	"fmt"
	"io"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
)

// CollateralDomain tags the nullifier hash revealed by the collateral flow.
var CollateralDomain = field.FromUint64(1)

type Secrets struct {
	Commitment field.Element
	Nullifier  field.Element
	Secret     field.Element
}

type Scheme struct {
	hasher  hasher.Hasher
	entropy io.Reader
}

func NewScheme(h hasher.Hasher) *Scheme {
	return &Scheme{hasher: h}
}

// WithEntropy replaces crypto/rand as the randomness source. Tests only.
func (s *Scheme) WithEntropy(r io.Reader) *Scheme {
	return &Scheme{hasher: s.hasher, entropy: r}
}

func (s *Scheme) Hasher() hasher.Hasher {
	return s.hasher
}

func (s *Scheme) random() (field.Element, error) {
	if s.entropy != nil {
		return field.Random(s.entropy)
	}
	return field.RandomElement()
}

// Generate draws a fresh nullifier and secret and binds them into the inner
// commitment.
func (s *Scheme) Generate(ctx context.Context) (Secrets, error) {
	nullifier, err := s.random()
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to generate nullifier: %w", err)
	}
	secret, err := s.random()
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	c, err := s.Commit(ctx, nullifier, secret)
	if err != nil {
		return Secrets{}, err
	}
	return Secrets{Commitment: c, Nullifier: nullifier, Secret: secret}, nil
}

func (s *Scheme) Commit(ctx context.Context, nullifier, secret field.Element) (field.Element, error) {
	return hasher.Hash2(ctx, s.hasher, nullifier, secret)
}

// WrapYield binds an inner commitment to a yield index, producing the value
// that is inserted into the tree for yield-bearing deposits.
func (s *Scheme) WrapYield(ctx context.Context, inner, yieldIndex field.Element) (field.Element, error) {
	return hasher.Hash2(ctx, s.hasher, inner, yieldIndex)
}

func (s *Scheme) NullifierHash(ctx context.Context, nullifier field.Element) (field.Element, error) {
	return hasher.Hash1(ctx, s.hasher, nullifier)
}

func (s *Scheme) TaggedNullifierHash(ctx context.Context, nullifier, tag field.Element) (field.Element, error) {
	return hasher.Hash2(ctx, s.hasher, nullifier, tag)
}
