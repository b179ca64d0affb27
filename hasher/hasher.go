// Package hasher holds the hash oracle contract consumed by the commitment
// scheme and the Merkle accumulator, together with the bundled backends.
//
// Arity is part of a hash function's identity: Hash(ctx, a) and
// Hash(ctx, a, b) are distinct functions and no backend may treat one as a
// special case of the other.
package hasher

import (
	"context"
	"errors"
	"fmt"

	"privacyvaults/vault-core/field"
)

var (
	ErrHashOracleFailure = errors.New("hash oracle failure")
	ErrUnsupportedArity  = errors.New("unsupported hash arity")
	ErrUnknownBackend    = errors.New("unknown hash backend")
)

type Hasher interface {
	Hash(ctx context.Context, inputs ...field.Element) (field.Element, error)
}

// Func adapts a plain function to the Hasher interface.
type Func func(ctx context.Context, inputs ...field.Element) (field.Element, error)

func (f Func) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	return f(ctx, inputs...)
}

const (
	Poseidon2Backend = "poseidon2"
	PoseidonBackend  = "poseidon"
	RemoteBackend    = "remote"
)

// oracleError tags err so callers can match ErrHashOracleFailure without
// losing the backend's own error.
func oracleError(backend string, err error) error {
	if errors.Is(err, ErrHashOracleFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrHashOracleFailure, backend, err)
}

func checkArity(backend string, inputs []field.Element) error {
	if len(inputs) < 1 || len(inputs) > 2 {
		return oracleError(backend, fmt.Errorf("%w: %d", ErrUnsupportedArity, len(inputs)))
	}
	return nil
}

// ByName returns one of the in-process backends. Remote oracles need an
// address and are built with NewRemote.
func ByName(name string) (Hasher, error) {
	switch name {
	case Poseidon2Backend, "":
		return NewPoseidon2(), nil
	case PoseidonBackend:
		return NewPoseidon(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}

// Hash1 and Hash2 pin the arity at the call site.
func Hash1(ctx context.Context, h Hasher, a field.Element) (field.Element, error) {
	return h.Hash(ctx, a)
}

func Hash2(ctx context.Context, h Hasher, a, b field.Element) (field.Element, error) {
	return h.Hash(ctx, a, b)
}
