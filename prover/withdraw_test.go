package prover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
)

type fixture struct {
	scheme *commitment.Scheme
	tree   *merkletree.Accumulator
	note   note.Note
	index  uint64
}

func newFixture(t *testing.T, withYield bool) fixture {
	t.Helper()
	ctx := context.Background()
	h := hasher.NewPoseidon2()
	scheme := commitment.NewScheme(h)
	tree, err := merkletree.New(ctx, 6, h, field.Zero)
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		_, err := tree.Insert(ctx, field.FromUint64(900+i))
		require.NoError(t, err)
	}

	secrets, err := scheme.Generate(ctx)
	require.NoError(t, err)
	n := note.Note{Commitment: secrets.Commitment, Nullifier: secrets.Nullifier, Secret: secrets.Secret}
	if withYield {
		yield := field.FromUint64(17)
		n.YieldIndex = &yield
	}
	leaf, err := Leaf(ctx, scheme, n)
	require.NoError(t, err)
	index, err := tree.Insert(ctx, leaf)
	require.NoError(t, err)
	_, err = tree.Insert(ctx, field.FromUint64(1))
	require.NoError(t, err)

	return fixture{scheme: scheme, tree: tree, note: n, index: index}
}

func TestBuildWithdrawInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	proof, err := f.tree.Proof(f.index)
	require.NoError(t, err)
	recipient := field.MustDecode("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	inputs, err := BuildWithdrawInputs(ctx, f.scheme, f.note, proof, recipient, commitment.WithdrawFlow)
	require.NoError(t, err)
	assert.Equal(t, f.tree.Root(), inputs.Root)
	assert.Equal(t, recipient, inputs.Recipient)
	assert.Nil(t, inputs.YieldIndex)
	assert.Equal(t, 6, inputs.TreeHeight())

	want, err := f.scheme.NullifierHash(ctx, f.note.Nullifier)
	require.NoError(t, err)
	assert.Equal(t, want, inputs.NullifierHash)

	// index 3 = 0b11
	assert.Equal(t, []bool{true, true, false, false, false, false}, inputs.PathIndices)
	assert.Equal(t, []field.Element{inputs.Root, inputs.NullifierHash, recipient}, inputs.PublicInputs())
}

func TestBuildWithdrawInputsCollateralWithYield(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	proof, err := f.tree.Proof(f.index)
	require.NoError(t, err)

	inputs, err := BuildWithdrawInputs(ctx, f.scheme, f.note, proof, field.FromUint64(1), commitment.CollateralFlow)
	require.NoError(t, err)
	want, err := f.scheme.TaggedNullifierHash(ctx, f.note.Nullifier, commitment.CollateralDomain)
	require.NoError(t, err)
	assert.Equal(t, want, inputs.NullifierHash)
	require.NotNil(t, inputs.YieldIndex)
	assert.Equal(t, field.FromUint64(17), *inputs.YieldIndex)
	assert.Len(t, inputs.PublicInputs(), 4)
}

func TestBuildWithdrawInputsRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	other, err := f.tree.Proof(0)
	require.NoError(t, err)
	_, err = BuildWithdrawInputs(ctx, f.scheme, f.note, other, field.Zero, commitment.WithdrawFlow)
	require.ErrorIs(t, err, ErrProofMismatch)

	proof, err := f.tree.Proof(f.index)
	require.NoError(t, err)
	tampered := f.note
	tampered.Secret = field.FromUint64(5)
	_, err = BuildWithdrawInputs(ctx, f.scheme, tampered, proof, field.Zero, commitment.WithdrawFlow)
	require.ErrorIs(t, err, ErrNoteMismatch)
}

func TestWithdrawInputsJSON(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	proof, err := f.tree.Proof(f.index)
	require.NoError(t, err)
	inputs, err := BuildWithdrawInputs(ctx, f.scheme, f.note, proof, field.FromUint64(3), commitment.CollateralFlow)
	require.NoError(t, err)

	data, err := json.Marshal(inputs)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "collateral", raw["flow"])
	assert.Equal(t, float64(6), raw["treeHeight"])
	assert.Equal(t, inputs.Root.Hex(), raw["root"])

	var decoded WithdrawInputs
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *inputs, decoded)

	require.Error(t, json.Unmarshal([]byte(`{"pathElements":["0x01"],"pathIndices":[]}`), &decoded))
	require.Error(t, json.Unmarshal([]byte(`{"treeHeight":2,"pathElements":["0x01"],"pathIndices":[true]}`), &decoded))
}

func TestResultJSON(t *testing.T) {
	r := &Result{Proof: []byte{0xde, 0xad}, PublicInputs: []field.Element{field.FromUint64(1)}}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"proof":"0xdead"`)

	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *r, decoded)
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prove", r.URL.Path)
		if r.Header.Get("X-API-Key") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var inputs WithdrawInputs
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(&Result{Proof: []byte{1, 2, 3}, PublicInputs: inputs.PublicInputs()})
	}))
	defer srv.Close()

	inputs := &WithdrawInputs{Root: field.FromUint64(1), NullifierHash: field.FromUint64(2), Recipient: field.FromUint64(3)}
	result, err := NewClient(srv.URL, "secret", 5*time.Second).Prove(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, result.Proof)
	assert.Equal(t, inputs.PublicInputs(), result.PublicInputs)

	_, err = NewClient(srv.URL, "wrong", 5*time.Second).Prove(context.Background(), inputs)
	require.ErrorIs(t, err, ErrProverFailure)
	assert.Contains(t, err.Error(), "401")
}
