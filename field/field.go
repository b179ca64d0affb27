// Package field implements the 32-byte big-endian encoding of BN254 scalar
// field elements shared by every other package in the vault core.
package field

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Size is the width of an encoded element in bytes.
const Size = 32

// HexLen is the number of hex digits in a canonical encoding, without the prefix.
const HexLen = 2 * Size

var ErrInvalidHexEncoding = errors.New("invalid hex encoding")

// Element is a scalar in big-endian byte order. Decoded values are taken as-is;
// only generated values are guaranteed to be below the field modulus.
type Element [Size]byte

// Zero is the all-zero element.
var Zero Element

// Decode parses a hex string with an optional 0x prefix. Input shorter than
// 32 bytes is treated as the low-order bytes of the value.
func Decode(s string) (Element, error) {
	var e Element
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return e, fmt.Errorf("%w: odd length %d", ErrInvalidHexEncoding, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidHexEncoding, err)
	}
	if len(raw) > Size {
		return e, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidHexEncoding, len(raw), Size)
	}
	copy(e[Size-len(raw):], raw)
	return e, nil
}

// MustDecode is Decode for constants and tests.
func MustDecode(s string) Element {
	e, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return e
}

// Encode renders e as 0x followed by 64 lowercase hex digits.
func Encode(e Element) string {
	return "0x" + hex.EncodeToString(e[:])
}

func (e Element) Hex() string {
	return Encode(e)
}

func (e Element) String() string {
	return Encode(e)
}

func (e Element) IsZero() bool {
	return e == Zero
}

// IsCanonical reports whether e is strictly below the BN254 scalar modulus.
func (e Element) IsCanonical() bool {
	return e.BigInt().Cmp(fr.Modulus()) < 0
}

func (e Element) BigInt() *big.Int {
	return new(big.Int).SetBytes(e[:])
}

// FromBigInt encodes a non-negative integer of at most 256 bits.
func FromBigInt(i *big.Int) (Element, error) {
	var e Element
	if i.Sign() < 0 || i.BitLen() > 8*Size {
		return e, fmt.Errorf("value out of range: %s", i.String())
	}
	i.FillBytes(e[:])
	return e, nil
}

func FromUint64(v uint64) Element {
	var e Element
	new(big.Int).SetUint64(v).FillBytes(e[:])
	return e
}

// FromFr converts a gnark-crypto element to its regular big-endian form.
func FromFr(v *fr.Element) Element {
	return Element(v.Bytes())
}

// Fr reduces e into a gnark-crypto element.
func (e Element) Fr() fr.Element {
	var v fr.Element
	v.SetBytes(e[:])
	return v
}

// Random draws 32 bytes from r and clears the top three bits so the value is
// always a valid field member.
func Random(r io.Reader) (Element, error) {
	var e Element
	if _, err := io.ReadFull(r, e[:]); err != nil {
		return e, fmt.Errorf("failed to read randomness: %w", err)
	}
	e[0] &= 0x1f
	return e, nil
}

// RandomElement is Random backed by crypto/rand.
func RandomElement() (Element, error) {
	return Random(rand.Reader)
}

func (e Element) MarshalText() ([]byte, error) {
	return []byte(Encode(e)), nil
}

func (e *Element) UnmarshalText(text []byte) error {
	v, err := Decode(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// DecodeList parses a comma separated list of hex values.
func DecodeList(input string) ([]Element, error) {
	parts := strings.Split(input, ",")
	result := make([]Element, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		e, err := Decode(part)
		if err != nil {
			return nil, fmt.Errorf("invalid list entry %q: %w", part, err)
		}
		result = append(result, e)
	}
	return result, nil
}
