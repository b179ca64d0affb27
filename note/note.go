// Package note encodes the portable note string a depositor keeps in order
// to spend later.
//
// Two wire formats co-exist:
//
//	0x{commitment}{nullifier}{secret}
//	privacyvaults-{currency}-{amount}-{network}-{commitment}{nullifier}{secret}{yieldIndex}
//
// where every field is 64 hex digits. None of the metadata tokens may contain
// a dash, so the payload always starts after the fourth one.
package note

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"privacyvaults/vault-core/field"
)

const (
	LegacyPrefix   = "0x"
	PrefixedPrefix = "privacyvaults-"

	LegacyPayloadLen   = 3 * field.HexLen
	PrefixedPayloadLen = 4 * field.HexLen

	prefixedDashes = 4
)

var (
	ErrInvalidNoteFormat = errors.New("invalid note format")
	ErrInvalidNoteLength = errors.New("invalid note length")
	ErrInvalidMetadata   = errors.New("invalid note metadata")
	ErrMissingYieldIndex = errors.New("prefixed note requires a yield index")
)

// LengthError reports a payload of the wrong size. It matches
// ErrInvalidNoteLength under errors.Is.
type LengthError struct {
	Expected int
	Actual   int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%s: expected %d hex characters, got %d", ErrInvalidNoteLength, e.Expected, e.Actual)
}

func (e *LengthError) Is(target error) bool {
	return target == ErrInvalidNoteLength
}

type Version int

const (
	Legacy Version = iota
	Prefixed
)

func (v Version) String() string {
	switch v {
	case Legacy:
		return "legacy"
	case Prefixed:
		return "prefixed"
	default:
		return fmt.Sprintf("version(%d)", int(v))
	}
}

func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(s) {
	case "legacy":
		return Legacy, nil
	case "", "prefixed":
		return Prefixed, nil
	default:
		return 0, fmt.Errorf("%w: unknown version %q", ErrInvalidNoteFormat, s)
	}
}

// Note holds the secret material behind one deposit. YieldIndex is nil for
// legacy notes.
type Note struct {
	Commitment field.Element
	Nullifier  field.Element
	Secret     field.Element
	YieldIndex *field.Element
}

type Metadata struct {
	Currency string
	Amount   *uint256.Int
	Network  string
}

// DisplayAmount renders the base-unit amount with the given number of
// decimals, e.g. 18 for wei to ether.
func (m *Metadata) DisplayAmount(decimals int32) string {
	if m.Amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(m.Amount.ToBig(), -decimals).String()
}

func (m *Metadata) validate() error {
	if m == nil {
		return fmt.Errorf("%w: prefixed note requires metadata", ErrInvalidMetadata)
	}
	if m.Amount == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidMetadata)
	}
	for _, tok := range []struct{ name, value string }{{"currency", m.Currency}, {"network", m.Network}} {
		name, token := tok.name, tok.value
		if token == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalidMetadata, name)
		}
		if strings.Contains(token, "-") {
			return fmt.Errorf("%w: %s %q contains a dash", ErrInvalidMetadata, name, token)
		}
		if sanitize(token) != token {
			return fmt.Errorf("%w: %s %q contains non-printable characters", ErrInvalidMetadata, name, token)
		}
	}
	return nil
}

// Encode serializes n in the requested format. Metadata is required for
// Prefixed and ignored for Legacy.
func Encode(n Note, version Version, meta *Metadata) (string, error) {
	switch version {
	case Legacy:
		return LegacyPrefix + hexPayload(n.Commitment, n.Nullifier, n.Secret), nil
	case Prefixed:
		if n.YieldIndex == nil {
			return "", ErrMissingYieldIndex
		}
		if err := meta.validate(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s%s-%s-%s-%s",
			PrefixedPrefix, meta.Currency, meta.Amount.Dec(), meta.Network,
			hexPayload(n.Commitment, n.Nullifier, n.Secret, *n.YieldIndex)), nil
	default:
		return "", fmt.Errorf("%w: unknown version %d", ErrInvalidNoteFormat, int(version))
	}
}

func hexPayload(elems ...field.Element) string {
	var sb strings.Builder
	sb.Grow(len(elems) * field.HexLen)
	for _, e := range elems {
		sb.WriteString(strings.TrimPrefix(e.Hex(), "0x"))
	}
	return sb.String()
}

// Parsed is a decoded note string.
type Parsed struct {
	Note     Note
	Version  Version
	Metadata *Metadata
}

// Decode parses s, which may carry stray non-printable characters from
// copy and paste.
func Decode(s string) (Note, error) {
	p, err := Parse(s)
	if err != nil {
		return Note{}, err
	}
	return p.Note, nil
}

func Parse(s string) (*Parsed, error) {
	s = sanitize(s)
	version, err := detect(s)
	if err != nil {
		return nil, err
	}

	switch version {
	case Legacy:
		elems, err := decodePayload(s[len(LegacyPrefix):], LegacyPayloadLen)
		if err != nil {
			return nil, err
		}
		return &Parsed{
			Note:    Note{Commitment: elems[0], Nullifier: elems[1], Secret: elems[2]},
			Version: Legacy,
		}, nil
	case Prefixed:
		meta, payload, err := splitPrefixed(s)
		if err != nil {
			return nil, err
		}
		elems, err := decodePayload(payload, PrefixedPayloadLen)
		if err != nil {
			return nil, err
		}
		yield := elems[3]
		return &Parsed{
			Note:     Note{Commitment: elems[0], Nullifier: elems[1], Secret: elems[2], YieldIndex: &yield},
			Version:  Prefixed,
			Metadata: meta,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown version %d", ErrInvalidNoteFormat, int(version))
	}
}

// ParsePrefixMetadata extracts the metadata of a prefixed note without
// touching the secret payload. It returns nil for legacy or malformed input.
func ParsePrefixMetadata(s string) *Metadata {
	s = sanitize(s)
	if !strings.HasPrefix(s, PrefixedPrefix) {
		return nil
	}
	meta, _, err := splitPrefixed(s)
	if err != nil {
		return nil
	}
	return meta
}

func detect(s string) (Version, error) {
	switch {
	case strings.HasPrefix(s, PrefixedPrefix):
		return Prefixed, nil
	case strings.HasPrefix(s, LegacyPrefix):
		return Legacy, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized prefix", ErrInvalidNoteFormat)
	}
}

// splitPrefixed locates the first four dashes and returns the metadata
// between them and everything after the last one.
func splitPrefixed(s string) (*Metadata, string, error) {
	var dashes [prefixedDashes]int
	found := 0
	for i := 0; i < len(s) && found < prefixedDashes; i++ {
		if s[i] == '-' {
			dashes[found] = i
			found++
		}
	}
	if found < prefixedDashes {
		return nil, "", fmt.Errorf("%w: expected %d dashes, found %d", ErrInvalidNoteFormat, prefixedDashes, found)
	}

	currency := s[dashes[0]+1 : dashes[1]]
	amountText := s[dashes[1]+1 : dashes[2]]
	network := s[dashes[2]+1 : dashes[3]]
	if currency == "" || network == "" {
		return nil, "", fmt.Errorf("%w: empty currency or network", ErrInvalidMetadata)
	}
	amount, err := uint256.FromDecimal(amountText)
	if err != nil {
		return nil, "", fmt.Errorf("%w: amount %q: %v", ErrInvalidMetadata, amountText, err)
	}
	return &Metadata{Currency: currency, Amount: amount, Network: network}, s[dashes[3]+1:], nil
}

func decodePayload(payload string, expected int) ([]field.Element, error) {
	if len(payload) != expected {
		return nil, &LengthError{Expected: expected, Actual: len(payload)}
	}
	elems := make([]field.Element, expected/field.HexLen)
	for i := range elems {
		chunk := payload[i*field.HexLen : (i+1)*field.HexLen]
		if _, err := hex.Decode(elems[i][:], []byte(chunk)); err != nil {
			return nil, fmt.Errorf("%w: note field %d: %v", field.ErrInvalidHexEncoding, i, err)
		}
	}
	return elems, nil
}

// sanitize keeps printable ASCII only. Multi-byte UTF-8 sequences such as
// zero-width spaces or a BOM are dropped byte by byte.
func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x20 && c <= 0x7e {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
