package commitment

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/hasher"
)

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon2()
	s := NewScheme(h)

	secrets, err := s.Generate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, secrets.Nullifier, secrets.Secret)
	assert.Zero(t, secrets.Nullifier[0]&0xe0)
	assert.Zero(t, secrets.Secret[0]&0xe0)

	want, err := h.Hash(ctx, secrets.Nullifier, secrets.Secret)
	require.NoError(t, err)
	assert.Equal(t, want, secrets.Commitment)

	again, err := s.Commit(ctx, secrets.Nullifier, secrets.Secret)
	require.NoError(t, err)
	assert.Equal(t, secrets.Commitment, again)
}

func TestGenerateWithEntropy(t *testing.T) {
	entropy := bytes.Repeat([]byte{0xff}, 64)
	s := NewScheme(hasher.NewPoseidon2()).WithEntropy(bytes.NewReader(entropy))

	secrets, err := s.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), secrets.Nullifier[0])
	assert.Equal(t, secrets.Nullifier, secrets.Secret)
	assert.True(t, secrets.Nullifier.IsCanonical())
}

func TestGenerateShortEntropy(t *testing.T) {
	s := NewScheme(hasher.NewPoseidon2()).WithEntropy(bytes.NewReader(make([]byte, 40)))
	_, err := s.Generate(context.Background())
	require.Error(t, err)
}

func TestWrapYieldUsesTwoArguments(t *testing.T) {
	ctx := context.Background()
	var seen [][]field.Element
	h := hasher.Func(func(ctx context.Context, inputs ...field.Element) (field.Element, error) {
		seen = append(seen, inputs)
		return field.FromUint64(uint64(len(inputs))), nil
	})
	s := NewScheme(h)

	inner, yield := field.FromUint64(10), field.FromUint64(3)
	_, err := s.WrapYield(ctx, inner, yield)
	require.NoError(t, err)
	_, err = s.NullifierHash(ctx, inner)
	require.NoError(t, err)
	_, err = s.TaggedNullifierHash(ctx, inner, CollateralDomain)
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, []field.Element{inner, yield}, seen[0])
	assert.Equal(t, []field.Element{inner}, seen[1])
	assert.Equal(t, []field.Element{inner, CollateralDomain}, seen[2])
}

func TestNullifierHashDomainSeparation(t *testing.T) {
	ctx := context.Background()
	s := NewScheme(hasher.NewPoseidon2())

	seen := make(map[field.Element]struct{})
	for i := 0; i < 500; i++ {
		n, err := field.RandomElement()
		require.NoError(t, err)
		if n == CollateralDomain {
			continue
		}
		plain, err := s.NullifierHash(ctx, n)
		require.NoError(t, err)
		tagged, err := s.TaggedNullifierHash(ctx, n, CollateralDomain)
		require.NoError(t, err)
		require.NotEqual(t, plain, tagged)

		for _, v := range []field.Element{plain, tagged} {
			_, dup := seen[v]
			require.False(t, dup, "collision at sample %d", i)
			seen[v] = struct{}{}
		}
	}
}

func TestFlowNullifierHash(t *testing.T) {
	ctx := context.Background()
	s := NewScheme(hasher.NewPoseidon2())
	n := field.FromUint64(12345)

	withdraw, err := s.FlowNullifierHash(ctx, WithdrawFlow, n)
	require.NoError(t, err)
	plain, err := s.NullifierHash(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, plain, withdraw)

	collateral, err := s.FlowNullifierHash(ctx, CollateralFlow, n)
	require.NoError(t, err)
	tagged, err := s.TaggedNullifierHash(ctx, n, CollateralDomain)
	require.NoError(t, err)
	assert.Equal(t, tagged, collateral)

	_, err = s.FlowNullifierHash(ctx, Flow(9), n)
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestParseFlow(t *testing.T) {
	tests := []struct {
		in      string
		want    Flow
		wantErr bool
	}{
		{"", WithdrawFlow, false},
		{"withdraw", WithdrawFlow, false},
		{"Collateral", CollateralFlow, false},
		{"borrow", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFlow(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownFlow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	text, err := CollateralFlow.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "collateral", string(text))
	_, err = Flow(7).MarshalText()
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestHashFailurePropagates(t *testing.T) {
	boom := errors.New("wasm trap")
	s := NewScheme(hasher.Func(func(ctx context.Context, inputs ...field.Element) (field.Element, error) {
		return field.Zero, boom
	}))
	_, err := s.Generate(context.Background())
	require.ErrorIs(t, err, boom)
}
