package prover

import (
	"context"
	"errors"
	"fmt"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
)

var (
	ErrNoteMismatch  = errors.New("note secrets do not match its commitment")
	ErrProofMismatch = errors.New("inclusion proof is not for this note")
)

// WithdrawInputs is the witness record of the withdraw circuits. Root,
// NullifierHash, Recipient and YieldIndex are public; the rest is private.
//
// PathIndices[l] is true when the path node at level l is a right child.
type WithdrawInputs struct {
	Flow          commitment.Flow
	Root          field.Element
	NullifierHash field.Element
	Recipient     field.Element
	YieldIndex    *field.Element

	Nullifier    field.Element
	Secret       field.Element
	PathElements []field.Element
	PathIndices  []bool
}

func (w *WithdrawInputs) TreeHeight() int {
	return len(w.PathElements)
}

// PublicInputs lists the public signals in circuit order.
func (w *WithdrawInputs) PublicInputs() []field.Element {
	inputs := []field.Element{w.Root, w.NullifierHash, w.Recipient}
	if w.YieldIndex != nil {
		inputs = append(inputs, *w.YieldIndex)
	}
	return inputs
}

// Leaf returns the tree leaf of n: the inner commitment, wrapped with the
// yield index when the note has one.
func Leaf(ctx context.Context, scheme *commitment.Scheme, n note.Note) (field.Element, error) {
	if n.YieldIndex == nil {
		return n.Commitment, nil
	}
	return scheme.WrapYield(ctx, n.Commitment, *n.YieldIndex)
}

// BuildWithdrawInputs assembles the witness for spending n to recipient
// under flow. proof must be the inclusion proof of n's leaf.
func BuildWithdrawInputs(ctx context.Context, scheme *commitment.Scheme, n note.Note, proof *merkletree.Proof, recipient field.Element, flow commitment.Flow) (*WithdrawInputs, error) {
	inner, err := scheme.Commit(ctx, n.Nullifier, n.Secret)
	if err != nil {
		return nil, err
	}
	if inner != n.Commitment {
		return nil, ErrNoteMismatch
	}
	leaf, err := Leaf(ctx, scheme, n)
	if err != nil {
		return nil, err
	}
	if proof.Leaf != leaf {
		return nil, fmt.Errorf("%w: proof leaf %s, note leaf %s", ErrProofMismatch, proof.Leaf, leaf)
	}
	nullifierHash, err := scheme.FlowNullifierHash(ctx, flow, n.Nullifier)
	if err != nil {
		return nil, err
	}

	pathIndices := make([]bool, len(proof.PathIndices))
	for i, bit := range proof.PathIndices {
		pathIndices[i] = bit == 1
	}
	inputs := &WithdrawInputs{
		Flow:          flow,
		Root:          proof.Root,
		NullifierHash: nullifierHash,
		Recipient:     recipient,
		Nullifier:     n.Nullifier,
		Secret:        n.Secret,
		PathElements:  append([]field.Element(nil), proof.PathElements...),
		PathIndices:   pathIndices,
	}
	if n.YieldIndex != nil {
		yield := *n.YieldIndex
		inputs.YieldIndex = &yield
	}
	return inputs, nil
}
