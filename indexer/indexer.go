// Package indexer feeds on-chain commitment events into a Merkle accumulator
// one at a time, in emission order, while serving reads of settled state.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/logging"
	merkletree "privacyvaults/vault-core/merkle-tree"
)

var (
	ErrOutOfOrder      = errors.New("commitment event out of order")
	ErrIngestionActive = errors.New("commitment ingestion is running")
	ErrTooManyPending  = errors.New("too many pending commitment events")
)

const (
	maxPendingEvents = 1 << 16

	defaultRetryBackoff    = 500 * time.Millisecond
	defaultMaxRetryBackoff = 30 * time.Second
)

// CommitmentEvent is a single deposit as emitted by the vault contract.
type CommitmentEvent struct {
	LeafIndex  uint64        `json:"leafIndex"`
	Commitment field.Element `json:"commitment"`
}

// Source yields commitment events. Next blocks until an event is available
// or ctx is done.
type Source interface {
	Next(ctx context.Context) (CommitmentEvent, error)
}

type Indexer struct {
	mu   sync.RWMutex
	tree *merkletree.Accumulator

	running         atomic.Bool
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
}

func New(tree *merkletree.Accumulator) *Indexer {
	return &Indexer{
		tree:            tree,
		retryBackoff:    defaultRetryBackoff,
		maxRetryBackoff: defaultMaxRetryBackoff,
	}
}

// Replay bulk-loads known history, replacing the current tree contents.
func (ix *Indexer) Replay(ctx context.Context, leaves []field.Element) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Initialize(ctx, leaves)
}

// Apply inserts the event's commitment. An event for an index that is
// already present is accepted when it carries the same commitment, so
// redelivered events are harmless.
func (ix *Indexer) Apply(ctx context.Context, event CommitmentEvent) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	next := ix.tree.LeafCount()
	switch {
	case event.LeafIndex < next:
		if existing := ix.tree.Node(0, event.LeafIndex); existing != event.Commitment {
			return false, fmt.Errorf("%w: leaf %d is %s, event carries %s", ErrOutOfOrder, event.LeafIndex, existing, event.Commitment)
		}
		return false, nil
	case event.LeafIndex > next:
		return false, fmt.Errorf("%w: expected leaf %d, got %d", ErrOutOfOrder, next, event.LeafIndex)
	}

	if _, err := ix.tree.Insert(ctx, event.Commitment); err != nil {
		return false, err
	}
	return true, nil
}

// Append inserts a commitment at the next free index. It is refused while
// Run is consuming a Source, since a local leaf would take the index of the
// next chain event.
func (ix *Indexer) Append(ctx context.Context, commitment field.Element) (uint64, error) {
	if ix.running.Load() {
		return 0, ErrIngestionActive
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Insert(ctx, commitment)
}

// Ingesting reports whether Run is consuming a Source.
func (ix *Indexer) Ingesting() bool {
	return ix.running.Load()
}

// Run applies events from src in leaf index order until ctx is cancelled or
// src fails. Events ahead of the tree are held until the missing indices
// arrive, and an event whose insert fails is retried with backoff. A
// conflicting or unplaceable event stops Run with an error.
func (ix *Indexer) Run(ctx context.Context, src Source) error {
	ix.running.Store(true)
	defer ix.running.Store(false)

	pending := make(map[uint64]CommitmentEvent)
	for {
		event, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if len(pending) > 0 {
				logging.Logger().Warn().Int("pending", len(pending)).Msg("Commitment source ended with events still pending")
			}
			return fmt.Errorf("failed to read commitment event: %w", err)
		}

		if event.LeafIndex > ix.LeafCount() {
			if _, ok := pending[event.LeafIndex]; !ok && len(pending) >= maxPendingEvents {
				return fmt.Errorf("%w: %d waiting for leaf %d", ErrTooManyPending, len(pending), ix.LeafCount())
			}
			pending[event.LeafIndex] = event
			logging.Logger().Debug().
				Uint64("leaf_index", event.LeafIndex).
				Uint64("expected", ix.LeafCount()).
				Msg("Holding commitment event until earlier leaves arrive")
			continue
		}

		if err := ix.applyWithRetry(ctx, event); err != nil {
			return err
		}
		for {
			next, ok := pending[ix.LeafCount()]
			if !ok {
				break
			}
			delete(pending, next.LeafIndex)
			if err := ix.applyWithRetry(ctx, next); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// applyWithRetry applies event, retrying failures that leave the tree
// unchanged. Ordering conflicts and a full tree are returned as is. A nil
// return with ctx done means the event was not applied.
func (ix *Indexer) applyWithRetry(ctx context.Context, event CommitmentEvent) error {
	backoff := ix.retryBackoff
	for {
		applied, err := ix.Apply(ctx, event)
		if err == nil {
			if applied {
				logging.Logger().Debug().
					Uint64("leaf_index", event.LeafIndex).
					Str("root", ix.Root().Hex()).
					Msg("Applied commitment event")
			}
			return nil
		}
		if errors.Is(err, ErrOutOfOrder) || errors.Is(err, merkletree.ErrTreeCapacityExceeded) {
			return fmt.Errorf("failed to apply commitment event %d: %w", event.LeafIndex, err)
		}

		logging.Logger().Warn().
			Err(err).
			Uint64("leaf_index", event.LeafIndex).
			Dur("retry_in", backoff).
			Msg("Failed to apply commitment event, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, ix.maxRetryBackoff)
	}
}

// Leaves returns the applied commitments in index order, in the format
// accepted by Replay.
func (ix *Indexer) Leaves() []field.Element {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Leaves()
}

func (ix *Indexer) Root() field.Element {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Root()
}

func (ix *Indexer) LeafCount() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.LeafCount()
}

func (ix *Indexer) Height() int {
	return ix.tree.Height()
}

func (ix *Indexer) ZeroValues() []field.Element {
	return ix.tree.ZeroValues()
}

func (ix *Indexer) IndexOf(leaf field.Element) (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.IndexOf(leaf)
}

func (ix *Indexer) Proof(index uint64) (*merkletree.Proof, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Proof(index)
}

// ProofOf looks up leaf and returns its proof under a single read lock.
func (ix *Indexer) ProofOf(leaf field.Element) (*merkletree.Proof, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	index, err := ix.tree.IndexOf(leaf)
	if err != nil {
		return nil, err
	}
	return ix.tree.Proof(index)
}

// ChannelSource adapts a channel of events to Source.
type ChannelSource <-chan CommitmentEvent

var ErrSourceClosed = errors.New("event source closed")

func (c ChannelSource) Next(ctx context.Context) (CommitmentEvent, error) {
	select {
	case <-ctx.Done():
		return CommitmentEvent{}, ctx.Err()
	case event, ok := <-c:
		if !ok {
			return CommitmentEvent{}, ErrSourceClosed
		}
		return event, nil
	}
}
