package prover

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/field"
)

type WithdrawInputsJSON struct {
	Flow          commitment.Flow `json:"flow"`
	TreeHeight    int             `json:"treeHeight"`
	Root          field.Element   `json:"root"`
	NullifierHash field.Element   `json:"nullifierHash"`
	Recipient     field.Element   `json:"recipient"`
	YieldIndex    *field.Element  `json:"yieldIndex,omitempty"`
	Nullifier     field.Element   `json:"nullifier"`
	Secret        field.Element   `json:"secret"`
	PathElements  []field.Element `json:"pathElements"`
	PathIndices   []bool          `json:"pathIndices"`
}

func (w *WithdrawInputs) MarshalJSON() ([]byte, error) {
	return json.Marshal(WithdrawInputsJSON{
		Flow:          w.Flow,
		TreeHeight:    w.TreeHeight(),
		Root:          w.Root,
		NullifierHash: w.NullifierHash,
		Recipient:     w.Recipient,
		YieldIndex:    w.YieldIndex,
		Nullifier:     w.Nullifier,
		Secret:        w.Secret,
		PathElements:  w.PathElements,
		PathIndices:   w.PathIndices,
	})
}

func (w *WithdrawInputs) UnmarshalJSON(data []byte) error {
	var params WithdrawInputsJSON
	if err := json.Unmarshal(data, &params); err != nil {
		return err
	}
	if len(params.PathElements) != len(params.PathIndices) {
		return fmt.Errorf("path length mismatch: %d elements, %d indices", len(params.PathElements), len(params.PathIndices))
	}
	if params.TreeHeight != 0 && params.TreeHeight != len(params.PathElements) {
		return fmt.Errorf("treeHeight %d does not match path length %d", params.TreeHeight, len(params.PathElements))
	}
	*w = WithdrawInputs{
		Flow:          params.Flow,
		Root:          params.Root,
		NullifierHash: params.NullifierHash,
		Recipient:     params.Recipient,
		YieldIndex:    params.YieldIndex,
		Nullifier:     params.Nullifier,
		Secret:        params.Secret,
		PathElements:  params.PathElements,
		PathIndices:   params.PathIndices,
	}
	return nil
}

// Result is what a prover returns: an opaque proof and the public inputs it
// was generated against.
type Result struct {
	Proof        []byte
	PublicInputs []field.Element
}

type ResultJSON struct {
	Proof        string          `json:"proof"`
	PublicInputs []field.Element `json:"publicInputs"`
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(ResultJSON{
		Proof:        "0x" + hex.EncodeToString(r.Proof),
		PublicInputs: r.PublicInputs,
	})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw ResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(raw.Proof, "0x"))
	if err != nil {
		return fmt.Errorf("%w: proof: %v", field.ErrInvalidHexEncoding, err)
	}
	r.Proof = proof
	r.PublicInputs = raw.PublicInputs
	return nil
}
