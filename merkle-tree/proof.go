package merkle_tree

import (
	"context"
	"encoding/json"
	"fmt"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
)

// Proof is a snapshot of the sibling path of one leaf. PathIndices[l] is 1
// when the node on the path at level l is a right child.
type Proof struct {
	Root         field.Element
	Leaf         field.Element
	LeafIndex    uint64
	PathElements []field.Element
	PathIndices  []uint8
}

type ProofJSON struct {
	Root         field.Element   `json:"root"`
	Leaf         field.Element   `json:"leaf"`
	LeafIndex    uint64          `json:"leafIndex"`
	PathElements []field.Element `json:"pathElements"`
	PathIndices  []int           `json:"pathIndices"`
}

func (p *Proof) MarshalJSON() ([]byte, error) {
	indices := make([]int, len(p.PathIndices))
	for i, bit := range p.PathIndices {
		indices[i] = int(bit)
	}
	return json.Marshal(ProofJSON{
		Root:         p.Root,
		Leaf:         p.Leaf,
		LeafIndex:    p.LeafIndex,
		PathElements: p.PathElements,
		PathIndices:  indices,
	})
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var raw ProofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.PathElements) != len(raw.PathIndices) {
		return fmt.Errorf("path length mismatch: %d elements, %d indices", len(raw.PathElements), len(raw.PathIndices))
	}
	indices := make([]uint8, len(raw.PathIndices))
	for i, bit := range raw.PathIndices {
		if bit != 0 && bit != 1 {
			return fmt.Errorf("path index %d is %d, want 0 or 1", i, bit)
		}
		indices[i] = uint8(bit)
	}
	*p = Proof{
		Root:         raw.Root,
		Leaf:         raw.Leaf,
		LeafIndex:    raw.LeafIndex,
		PathElements: raw.PathElements,
		PathIndices:  indices,
	}
	return nil
}

// ComputeRoot folds the leaf up through the path.
func (p *Proof) ComputeRoot(ctx context.Context, h hasher.Hasher) (field.Element, error) {
	current := p.Leaf
	for level, sibling := range p.PathElements {
		var err error
		if p.PathIndices[level] == 0 {
			current, err = hasher.Hash2(ctx, h, current, sibling)
		} else {
			current, err = hasher.Hash2(ctx, h, sibling, current)
		}
		if err != nil {
			return field.Zero, fmt.Errorf("failed to fold proof at level %d: %w", level, err)
		}
	}
	return current, nil
}

func (p *Proof) Verify(ctx context.Context, h hasher.Hasher) (bool, error) {
	root, err := p.ComputeRoot(ctx, h)
	if err != nil {
		return false, err
	}
	return root == p.Root, nil
}
