package merkle_tree

import (
	"context"
	"errors"
	"fmt"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
)

const MaxHeight = 32

var (
	ErrLeafNotFound         = errors.New("leaf not found")
	ErrTreeCapacityExceeded = errors.New("tree capacity exceeded")
	ErrInvalidHeight        = errors.New("invalid tree height")
)

// Accumulator is a fixed-height append-only Merkle tree. Every populated
// node is kept in a dense slice per level; a coordinate past the end of its
// level reads as the zero value of that level.
//
// Accumulator is not safe for concurrent use. Mutations must be serialized
// by the caller and must not overlap with reads.
type Accumulator struct {
	height     int
	hasher     hasher.Hasher
	zeroValues []field.Element
	levels     [][]field.Element
	// lowest index of each distinct leaf value
	indices   map[field.Element]uint64
	leafCount uint64
}

// New creates an empty tree. zeroLeaf is the value of an empty leaf and
// seeds the zero value of every level above it.
func New(ctx context.Context, height int, h hasher.Hasher, zeroLeaf field.Element) (*Accumulator, error) {
	if height < 1 || height > MaxHeight {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidHeight, height, MaxHeight)
	}
	zeroValues := make([]field.Element, height+1)
	zeroValues[0] = zeroLeaf
	for i := 1; i <= height; i++ {
		val, err := hasher.Hash2(ctx, h, zeroValues[i-1], zeroValues[i-1])
		if err != nil {
			return nil, fmt.Errorf("failed to compute zero value for level %d: %w", i, err)
		}
		zeroValues[i] = val
	}
	return &Accumulator{
		height:     height,
		hasher:     h,
		zeroValues: zeroValues,
		levels:     make([][]field.Element, height+1),
		indices:    make(map[field.Element]uint64),
	}, nil
}

func (t *Accumulator) Height() int {
	return t.height
}

func (t *Accumulator) Capacity() uint64 {
	return uint64(1) << t.height
}

func (t *Accumulator) LeafCount() uint64 {
	return t.leafCount
}

// ZeroValues returns a copy of the per-level empty subtree hashes, from the
// empty leaf up to the empty root.
func (t *Accumulator) ZeroValues() []field.Element {
	return append([]field.Element(nil), t.zeroValues...)
}

func (t *Accumulator) Leaves() []field.Element {
	return append([]field.Element(nil), t.levels[0]...)
}

// Node returns the hash at (level, index), falling back to the level's zero
// value for coordinates that were never written.
func (t *Accumulator) Node(level int, index uint64) field.Element {
	nodes := t.levels[level]
	if index < uint64(len(nodes)) {
		return nodes[index]
	}
	return t.zeroValues[level]
}

func (t *Accumulator) Root() field.Element {
	return t.Node(t.height, 0)
}

// IndexOf returns the lowest index holding leaf.
func (t *Accumulator) IndexOf(leaf field.Element) (uint64, error) {
	index, ok := t.indices[leaf]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrLeafNotFound, leaf)
	}
	return index, nil
}

func (t *Accumulator) hashPair(ctx context.Context, index uint64, current, sibling field.Element) (field.Element, error) {
	if index&1 == 0 {
		return hasher.Hash2(ctx, t.hasher, current, sibling)
	}
	return hasher.Hash2(ctx, t.hasher, sibling, current)
}

// Insert appends leaf and returns its index. The path to the root is
// computed in full before anything is written, so a failed hash leaves the
// tree untouched.
func (t *Accumulator) Insert(ctx context.Context, leaf field.Element) (uint64, error) {
	index := t.leafCount
	if index >= t.Capacity() {
		return 0, fmt.Errorf("%w: height %d holds %d leaves", ErrTreeCapacityExceeded, t.height, t.Capacity())
	}

	path := make([]field.Element, t.height+1)
	path[0] = leaf
	current := index
	for level := 0; level < t.height; level++ {
		sibling := t.Node(level, current^1)
		parent, err := t.hashPair(ctx, current, path[level], sibling)
		if err != nil {
			return 0, fmt.Errorf("failed to insert leaf %d at level %d: %w", index, level, err)
		}
		path[level+1] = parent
		current >>= 1
	}

	for level, value := range path {
		position := index >> level
		if position < uint64(len(t.levels[level])) {
			t.levels[level][position] = value
		} else {
			t.levels[level] = append(t.levels[level], value)
		}
	}
	if _, ok := t.indices[leaf]; !ok {
		t.indices[leaf] = index
	}
	t.leafCount++
	return index, nil
}

// Initialize replaces the contents of the tree with leaves, hashing each
// level once. On error the previous contents are kept.
func (t *Accumulator) Initialize(ctx context.Context, leaves []field.Element) error {
	if uint64(len(leaves)) > t.Capacity() {
		return fmt.Errorf("%w: %d leaves exceed capacity %d", ErrTreeCapacityExceeded, len(leaves), t.Capacity())
	}

	levels := make([][]field.Element, t.height+1)
	levels[0] = append([]field.Element(nil), leaves...)
	for level := 1; level <= t.height; level++ {
		children := levels[level-1]
		nodes := make([]field.Element, (len(children)+1)/2)
		for i := range nodes {
			left := children[2*i]
			right := t.zeroValues[level-1]
			if 2*i+1 < len(children) {
				right = children[2*i+1]
			}
			val, err := hasher.Hash2(ctx, t.hasher, left, right)
			if err != nil {
				return fmt.Errorf("failed to initialize level %d: %w", level, err)
			}
			nodes[i] = val
		}
		levels[level] = nodes
	}

	indices := make(map[field.Element]uint64, len(leaves))
	for i, leaf := range leaves {
		if _, ok := indices[leaf]; !ok {
			indices[leaf] = uint64(i)
		}
	}

	t.levels = levels
	t.indices = indices
	t.leafCount = uint64(len(leaves))
	return nil
}

// Proof returns the inclusion path of the leaf at index against the
// current root.
func (t *Accumulator) Proof(index uint64) (*Proof, error) {
	if index >= t.leafCount {
		return nil, fmt.Errorf("%w: index %d, tree holds %d leaves", ErrLeafNotFound, index, t.leafCount)
	}
	proof := &Proof{
		Root:         t.Root(),
		Leaf:         t.levels[0][index],
		LeafIndex:    index,
		PathElements: make([]field.Element, t.height),
		PathIndices:  make([]uint8, t.height),
	}
	current := index
	for level := 0; level < t.height; level++ {
		proof.PathElements[level] = t.Node(level, current^1)
		proof.PathIndices[level] = uint8(current & 1)
		current >>= 1
	}
	return proof, nil
}
