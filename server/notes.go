package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/holiman/uint256"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
	"privacyvaults/vault-core/logging"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
	"privacyvaults/vault-core/prover"
)

type CreateNoteRequest struct {
	Format     string         `json:"format"`
	Currency   string         `json:"currency"`
	Amount     string         `json:"amount"`
	Network    string         `json:"network"`
	YieldIndex *field.Element `json:"yieldIndex"`
}

type MetadataResponse struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Network  string `json:"network"`
}

type NoteResponse struct {
	Note                    string            `json:"note,omitempty"`
	Version                 string            `json:"version"`
	Commitment              field.Element     `json:"commitment"`
	YieldIndex              *field.Element    `json:"yieldIndex,omitempty"`
	Leaf                    field.Element     `json:"leaf"`
	NullifierHash           field.Element     `json:"nullifierHash"`
	CollateralNullifierHash field.Element     `json:"collateralNullifierHash"`
	LeafIndex               *uint64           `json:"leafIndex,omitempty"`
	Metadata                *MetadataResponse `json:"metadata,omitempty"`
}

func metadataResponse(meta *note.Metadata) *MetadataResponse {
	if meta == nil {
		return nil
	}
	return &MetadataResponse{Currency: meta.Currency, Amount: meta.Amount.Dec(), Network: meta.Network}
}

// DescribeNote derives the public values of n. Secrets never leave the
// server in a response other than the encoded note itself.
func DescribeNote(ctx context.Context, scheme *commitment.Scheme, n note.Note, version note.Version) (*NoteResponse, error) {
	leaf, err := prover.Leaf(ctx, scheme, n)
	if err != nil {
		return nil, err
	}
	nullifierHash, err := scheme.FlowNullifierHash(ctx, commitment.WithdrawFlow, n.Nullifier)
	if err != nil {
		return nil, err
	}
	collateralHash, err := scheme.FlowNullifierHash(ctx, commitment.CollateralFlow, n.Nullifier)
	if err != nil {
		return nil, err
	}
	return &NoteResponse{
		Version:                 version.String(),
		Commitment:              n.Commitment,
		YieldIndex:              n.YieldIndex,
		Leaf:                    leaf,
		NullifierHash:           nullifierHash,
		CollateralNullifierHash: collateralHash,
	}, nil
}

type noteHandler struct {
	svc *Service
}

func (handler noteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateNoteRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}
	version, err := note.ParseVersion(req.Format)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}

	var meta *note.Metadata
	if version == note.Prefixed {
		amount, err := uint256.FromDecimal(req.Amount)
		if err != nil {
			malformedBodyError(fmt.Errorf("amount: %w", err)).send(w)
			return
		}
		meta = &note.Metadata{Currency: req.Currency, Amount: amount, Network: req.Network}
	}

	ctx := r.Context()
	secrets, err := handler.svc.Scheme.Generate(ctx)
	if err != nil {
		domainError(err).send(w)
		return
	}
	n := note.Note{
		Commitment: secrets.Commitment,
		Nullifier:  secrets.Nullifier,
		Secret:     secrets.Secret,
		YieldIndex: req.YieldIndex,
	}
	if version == note.Legacy {
		n.YieldIndex = nil
	}

	encoded, err := note.Encode(n, version, meta)
	if err != nil {
		domainError(err).send(w)
		return
	}
	response, err := DescribeNote(ctx, handler.svc.Scheme, n, version)
	if err != nil {
		domainError(err).send(w)
		return
	}
	response.Note = encoded
	response.Metadata = metadataResponse(meta)

	logging.Logger().Info().
		Str("version", version.String()).
		Str("leaf", response.Leaf.Hex()).
		Msg("Generated note")

	writeJSON(w, http.StatusCreated, response)
}

type DecodeNoteRequest struct {
	Note string `json:"note"`
}

type noteDecodeHandler struct {
	svc *Service
}

func (handler noteDecodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DecodeNoteRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}

	parsed, err := note.Parse(req.Note)
	if err != nil {
		NoteDecodeErrors.WithLabelValues(noteErrorKind(err)).Inc()
		invalidNoteError(err).send(w)
		return
	}

	response, err := DescribeNote(r.Context(), handler.svc.Scheme, parsed.Note, parsed.Version)
	if err != nil {
		domainError(err).send(w)
		return
	}
	response.Metadata = metadataResponse(parsed.Metadata)
	if index, err := handler.svc.Indexer.IndexOf(response.Leaf); err == nil {
		response.LeafIndex = &index
	} else if !errors.Is(err, merkletree.ErrLeafNotFound) {
		unexpectedError(err).send(w)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func noteErrorKind(err error) string {
	switch {
	case errors.Is(err, note.ErrInvalidNoteLength):
		return "invalid_length"
	case errors.Is(err, note.ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, field.ErrInvalidHexEncoding):
		return "invalid_hex"
	default:
		return "invalid_format"
	}
}

// noteMetadataHandler reads only the public prefix of a note, so it needs no
// hashing and never inspects the secrets.
type noteMetadataHandler struct{}

func (handler noteMetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DecodeNoteRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}

	meta := note.ParsePrefixMetadata(req.Note)
	if meta == nil {
		(&Error{
			StatusCode: http.StatusNotFound,
			Code:       "no_metadata",
			Message:    "note carries no readable metadata prefix",
		}).send(w)
		return
	}
	writeJSON(w, http.StatusOK, metadataResponse(meta))
}

// hashHandler exposes the configured hash oracle. It speaks the same wire
// format hasher.Remote expects, so one vault server can back another.
type hashHandler struct {
	svc *Service
}

func (handler hashHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req hasher.HashRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}

	h, err := handler.svc.Scheme.Hasher().Hash(r.Context(), req.Inputs...)
	if err != nil {
		domainError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, hasher.HashResponse{Hash: h})
}
