package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
	"privacyvaults/vault-core/indexer"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
	"privacyvaults/vault-core/prover"
)

type fakeProver struct {
	err     error
	calls   int
	onProve func()
}

func (p *fakeProver) Prove(_ context.Context, inputs *prover.WithdrawInputs) (*prover.Result, error) {
	p.calls++
	if p.onProve != nil {
		p.onProve()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &prover.Result{Proof: []byte{0xbe, 0xef}, PublicInputs: inputs.PublicInputs()}, nil
}

func newTestService(t *testing.T, height int) *Service {
	t.Helper()
	h := hasher.NewPoseidon2()
	tree, err := merkletree.New(context.Background(), height, h, field.Zero)
	require.NoError(t, err)
	return &Service{
		Scheme:  commitment.NewScheme(h),
		Indexer: indexer.New(tree),
	}
}

func do(t *testing.T, handler http.Handler, method, target string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, rec, &body)
	return body["code"]
}

func TestHealthIsPublic(t *testing.T) {
	handler := NewHandler(&Config{Keys: []string{"alpha", "beta"}}, newTestService(t, 4))

	rec := do(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/tree/root", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))

	rec = do(t, handler, http.MethodGet, "/tree/root", nil, "X-API-Key", "gamma")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodGet, "/tree/root", nil, "X-API-Key", "beta")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodGet, "/tree/root", nil, "Authorization", "Bearer alpha")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	handler := NewHandler(&Config{}, newTestService(t, 4))
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, handler, http.MethodGet, "/notes", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, handler, http.MethodPost, "/tree/root", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, handler, http.MethodGet, "/withdraw/inputs", nil).Code)
}

func TestNoteLifecycle(t *testing.T) {
	svc := newTestService(t, 4)
	handler := NewHandler(&Config{}, svc)
	ctx := context.Background()

	rec := do(t, handler, http.MethodPost, "/notes", map[string]interface{}{
		"currency":   "eth",
		"amount":     "100000000000000000",
		"network":    "sepolia",
		"yieldIndex": "0x05",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created NoteResponse
	decodeBody(t, rec, &created)
	assert.Equal(t, "prefixed", created.Version)
	assert.True(t, strings.HasPrefix(created.Note, "privacyvaults-eth-100000000000000000-sepolia-"))
	require.NotNil(t, created.YieldIndex)
	assert.Equal(t, field.FromUint64(5), *created.YieldIndex)
	assert.Nil(t, created.LeafIndex)
	wrapped, err := svc.Scheme.WrapYield(ctx, created.Commitment, field.FromUint64(5))
	require.NoError(t, err)
	assert.Equal(t, wrapped, created.Leaf)
	assert.NotEqual(t, created.NullifierHash, created.CollateralNullifierHash)

	// filler leaf so the note does not sit at index 0
	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]string{"commitment": "0x2a"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]interface{}{"commitment": created.Leaf, "leafIndex": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inserted InsertLeafResponse
	decodeBody(t, rec, &inserted)
	assert.Equal(t, uint64(1), inserted.LeafIndex)
	assert.Equal(t, svc.Indexer.Root(), inserted.Root)

	rec = do(t, handler, http.MethodPost, "/notes/decode", DecodeNoteRequest{Note: created.Note})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decoded NoteResponse
	decodeBody(t, rec, &decoded)
	require.NotNil(t, decoded.LeafIndex)
	assert.Equal(t, uint64(1), *decoded.LeafIndex)
	assert.Equal(t, created.Leaf, decoded.Leaf)
	assert.Empty(t, decoded.Note)
	require.NotNil(t, decoded.Metadata)
	assert.Equal(t, MetadataResponse{Currency: "eth", Amount: "100000000000000000", Network: "sepolia"}, *decoded.Metadata)

	rec = do(t, handler, http.MethodGet, "/tree/proof?commitment="+created.Leaf.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var proof merkletree.Proof
	decodeBody(t, rec, &proof)
	ok, err := proof.Verify(ctx, svc.Scheme.Hasher())
	require.NoError(t, err)
	assert.True(t, ok)

	recipient := field.MustDecode("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	rec = do(t, handler, http.MethodPost, "/withdraw/inputs", map[string]interface{}{
		"note":      created.Note,
		"recipient": recipient,
		"flow":      "collateral",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var inputs prover.WithdrawInputs
	decodeBody(t, rec, &inputs)
	assert.Equal(t, commitment.CollateralFlow, inputs.Flow)
	assert.Equal(t, svc.Indexer.Root(), inputs.Root)
	assert.Equal(t, created.CollateralNullifierHash, inputs.NullifierHash)
	assert.Equal(t, recipient, inputs.Recipient)
	assert.Equal(t, []bool{true, false, false, false}, inputs.PathIndices)
}

func TestCreateLegacyNote(t *testing.T) {
	handler := NewHandler(&Config{}, newTestService(t, 4))

	rec := do(t, handler, http.MethodPost, "/notes", map[string]interface{}{"format": "legacy", "yieldIndex": "0x01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created NoteResponse
	decodeBody(t, rec, &created)
	assert.Equal(t, "legacy", created.Version)
	assert.Nil(t, created.YieldIndex)
	assert.Equal(t, created.Commitment, created.Leaf)
	assert.Len(t, created.Note, len(note.LegacyPrefix)+note.LegacyPayloadLen)
}

func TestCreateNoteValidation(t *testing.T) {
	handler := NewHandler(&Config{}, newTestService(t, 4))

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"missing yield index", map[string]string{"currency": "eth", "amount": "1", "network": "mainnet"}, "invalid_note"},
		{"bad amount", map[string]string{"currency": "eth", "amount": "1.5", "network": "mainnet", "yieldIndex": "0x01"}, "malformed_body"},
		{"dash in currency", map[string]string{"currency": "e-th", "amount": "1", "network": "mainnet", "yieldIndex": "0x01"}, "invalid_note"},
		{"unknown format", map[string]string{"format": "v3"}, "malformed_body"},
		{"unknown field", map[string]string{"colour": "red"}, "malformed_body"},
		{"not json", "{", "malformed_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodPost, "/notes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestDecodeInvalidNote(t *testing.T) {
	handler := NewHandler(&Config{}, newTestService(t, 4))

	for _, s := range []string{"", "0x1234", "privacyvaults-eth-1-mainnet-zz", "tornado-eth-1-1-0x00"} {
		rec := do(t, handler, http.MethodPost, "/notes/decode", DecodeNoteRequest{Note: s})
		assert.Equal(t, http.StatusBadRequest, rec.Code, s)
		assert.Equal(t, "invalid_note", errorCode(t, rec), s)
	}
}

func TestNoteMetadata(t *testing.T) {
	handler := NewHandler(&Config{}, newTestService(t, 4))

	rec := do(t, handler, http.MethodPost, "/notes/metadata", DecodeNoteRequest{Note: "privacyvaults-usdc-2500000-base-" + strings.Repeat("0", note.PrefixedPayloadLen)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"currency":"usdc","amount":"2500000","network":"base"}`, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/notes/metadata", DecodeNoteRequest{Note: "0x" + strings.Repeat("0", note.LegacyPayloadLen)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_metadata", errorCode(t, rec))
}

func TestHashEndpoint(t *testing.T) {
	svc := newTestService(t, 4)
	handler := NewHandler(&Config{}, svc)

	rec := do(t, handler, http.MethodPost, "/hash", map[string][]string{"inputs": {"0x01", "0x02"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp hasher.HashResponse
	decodeBody(t, rec, &resp)
	want, err := hasher.Hash2(context.Background(), svc.Scheme.Hasher(), field.FromUint64(1), field.FromUint64(2))
	require.NoError(t, err)
	assert.Equal(t, want, resp.Hash)

	rec = do(t, handler, http.MethodPost, "/hash", map[string][]string{"inputs": {"0x01", "0x02", "0x03"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_body", errorCode(t, rec))

	// a remote oracle pointed at this handler reproduces the local hash
	srv := httptest.NewServer(handler)
	defer srv.Close()
	remote, err := hasher.Hash2(context.Background(), hasher.NewRemote(srv.URL, 0), field.FromUint64(1), field.FromUint64(2))
	require.NoError(t, err)
	assert.Equal(t, want, remote)
}

func TestTreeEndpoints(t *testing.T) {
	svc := newTestService(t, 1)
	handler := NewHandler(&Config{}, svc)

	rec := do(t, handler, http.MethodGet, "/tree/zero-values", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var zeros map[string][]field.Element
	decodeBody(t, rec, &zeros)
	assert.Equal(t, svc.Indexer.ZeroValues(), zeros["zeroValues"])

	rec = do(t, handler, http.MethodGet, "/tree/root", nil)
	var root TreeRootResponse
	decodeBody(t, rec, &root)
	assert.Equal(t, TreeRootResponse{Root: zeros["zeroValues"][1], LeafCount: 0, Height: 1}, root)

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]interface{}{"commitment": "0x07", "leafIndex": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "out_of_order", errorCode(t, rec))

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]interface{}{"commitment": "0x07", "leafIndex": 0})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]interface{}{"commitment": "0x07", "leafIndex": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var replayed InsertLeafResponse
	decodeBody(t, rec, &replayed)
	assert.False(t, replayed.Applied)

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]string{"commitment": "0x08"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]string{"commitment": "0x09"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "tree_full", errorCode(t, rec))

	rec = do(t, handler, http.MethodGet, "/tree/index?leaf=0x08", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"leafIndex":1}`, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/tree/index?leaf=0x09", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "leaf_not_found", errorCode(t, rec))

	rec = do(t, handler, http.MethodGet, "/tree/index?leaf=xyz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodGet, "/tree/proof?index=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proof merkletree.Proof
	decodeBody(t, rec, &proof)
	assert.Equal(t, field.FromUint64(8), proof.Leaf)
	assert.Equal(t, []field.Element{field.FromUint64(7)}, proof.PathElements)
	assert.Equal(t, []uint8{1}, proof.PathIndices)

	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/tree/proof?index=2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/tree/proof?index=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/tree/proof", nil).Code)

	rec = do(t, handler, http.MethodGet, "/tree/leaves", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var leaves []field.Element
	decodeBody(t, rec, &leaves)
	assert.Equal(t, []field.Element{field.FromUint64(7), field.FromUint64(8)}, leaves)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, handler, http.MethodDelete, "/tree/leaves", nil).Code)
}

func TestLeavesWhileIngesting(t *testing.T) {
	svc := newTestService(t, 4)
	handler := NewHandler(&Config{}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan indexer.CommitmentEvent)
	done := make(chan error, 1)
	go func() { done <- svc.Indexer.Run(ctx, indexer.ChannelSource(events)) }()
	require.Eventually(t, svc.Indexer.Ingesting, 5*time.Second, time.Millisecond)

	rec := do(t, handler, http.MethodPost, "/tree/leaves", map[string]string{"commitment": "0x08"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ingestion_active", errorCode(t, rec))

	rec = do(t, handler, http.MethodPost, "/tree/leaves", map[string]interface{}{"commitment": "0x08", "leafIndex": 0})
	assert.Equal(t, http.StatusCreated, rec.Code)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), svc.Indexer.LeafCount())
}

func depositNote(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	secrets, err := svc.Scheme.Generate(ctx)
	require.NoError(t, err)
	n := note.Note{Commitment: secrets.Commitment, Nullifier: secrets.Nullifier, Secret: secrets.Secret}
	_, err = svc.Indexer.Append(ctx, n.Commitment)
	require.NoError(t, err)
	encoded, err := note.Encode(n, note.Legacy, nil)
	require.NoError(t, err)
	return encoded
}

func TestWithdrawProveSync(t *testing.T) {
	svc := newTestService(t, 4)
	p := &fakeProver{}
	svc.Prover = p
	handler := NewHandler(&Config{}, svc)
	encoded := depositNote(t, svc)

	rec := do(t, handler, http.MethodPost, "/withdraw/prove", map[string]interface{}{"note": encoded, "recipient": "0x01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result prover.Result
	decodeBody(t, rec, &result)
	assert.Equal(t, []byte{0xbe, 0xef}, result.Proof)
	require.Len(t, result.PublicInputs, 3)
	assert.Equal(t, svc.Indexer.Root(), result.PublicInputs[0])
	assert.Equal(t, 1, p.calls)

	p.err = fmt.Errorf("%w: status 500", prover.ErrProverFailure)
	rec = do(t, handler, http.MethodPost, "/withdraw/prove", map[string]interface{}{"note": encoded, "recipient": "0x01"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "proving_error", errorCode(t, rec))
}

func TestWithdrawErrors(t *testing.T) {
	svc := newTestService(t, 4)
	handler := NewHandler(&Config{}, svc)
	encoded := depositNote(t, svc)

	rec := do(t, handler, http.MethodPost, "/withdraw/prove", map[string]interface{}{"note": encoded})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "prover_unavailable", errorCode(t, rec))

	// spendable but never deposited
	other := newTestService(t, 4)
	rec = do(t, handler, http.MethodPost, "/withdraw/inputs", map[string]interface{}{"note": depositNote(t, other)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "leaf_not_found", errorCode(t, rec))

	rec = do(t, handler, http.MethodPost, "/withdraw/inputs", map[string]interface{}{"note": encoded, "flow": "borrow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_body", errorCode(t, rec))

	// secrets that do not open the commitment
	tampered := encoded[:len(encoded)-1] + "0"
	if tampered == encoded {
		tampered = encoded[:len(encoded)-1] + "1"
	}
	rec = do(t, handler, http.MethodPost, "/withdraw/inputs", map[string]interface{}{"note": tampered})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_note", errorCode(t, rec))
}

func TestDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&note.LengthError{Expected: 192, Actual: 3}, http.StatusBadRequest, "invalid_note"},
		{fmt.Errorf("wrapped: %w", merkletree.ErrLeafNotFound), http.StatusNotFound, "leaf_not_found"},
		{merkletree.ErrTreeCapacityExceeded, http.StatusConflict, "tree_full"},
		{indexer.ErrOutOfOrder, http.StatusConflict, "out_of_order"},
		{fmt.Errorf("%w: remote: timeout", hasher.ErrHashOracleFailure), http.StatusBadGateway, "hash_oracle_failure"},
		{fmt.Errorf("%w: %w", hasher.ErrHashOracleFailure, hasher.ErrUnsupportedArity), http.StatusBadRequest, "malformed_body"},
		{field.ErrInvalidHexEncoding, http.StatusBadRequest, "malformed_body"},
		{prover.ErrProofMismatch, http.StatusBadRequest, "invalid_note"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "unexpected_error"},
	}
	for _, tt := range tests {
		apiErr := domainError(tt.err)
		assert.Equal(t, tt.status, apiErr.StatusCode, tt.err.Error())
		assert.Equal(t, tt.code, apiErr.Code, tt.err.Error())
	}
}
