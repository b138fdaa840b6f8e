// Package pointerrecord implements the wire format for mutable-pointer
// records (spec.md §4.1): a protobuf-like envelope with Value, Sequence,
// Validity/ValidityType, a V2 signature, a CBOR-encoded Data
// blob of the signed fields, and an optionally-wrapped Ed25519 public key,
// matching the shape of the IPNS record used by the content network.
//
// The envelope is hand-encoded with google.golang.org/protobuf's protowire
// helpers rather than a generated message type, because CipherBox never
// needs the full descriptor/reflection machinery the teacher's protobuf
// dependency exists for — only a stable, length-delimited wire encoding,
// which protowire provides directly. The Data field uses
// github.com/fxamacker/cbor/v2, the CBOR library the broader example pack
// (content-addressed-storage adjacent repos) depends on for this exact
// "signed field bundle" pattern.
package pointerrecord

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/errs"
)

// Wire field numbers for the record envelope.
const (
	fieldValue        = 1
	fieldSignatureV2  = 2
	fieldValidityType = 3
	fieldValidity     = 4
	fieldSequence     = 5
	fieldData         = 6
	fieldPubKey       = 7
)

// ValidityType enumerates how Validity should be interpreted. CipherBox
// only ever uses EOL (expiration time), matching the content network's
// convention.
const ValidityTypeEOL = 0

// libp2pEd25519Prefix is the canonical protobuf wrapping of a raw
// Ed25519 public key: {Type: Ed25519 (1), Data: key} encoded as a
// PublicKey protobuf message, per spec.md §4.1.
var libp2pEd25519Prefix = []byte{0x08, 0x01, 0x12, 0x20}

// SignedFields is the CBOR payload carried in the Data field; it mirrors
// the other envelope fields so a verifier can check the signature covers
// exactly what it claims to.
type SignedFields struct {
	Value        []byte `cbor:"Value"`
	Validity     []byte `cbor:"Validity"`
	ValidityType uint64 `cbor:"ValidityType"`
	Sequence     uint64 `cbor:"Sequence"`
}

// Fields are the logical contents of a pointer record.
type Fields struct {
	Value        string // expected shape "/content/<content_id>"
	Sequence     uint64
	Validity     time.Time
	ValidityType uint64
	PubKey       []byte // raw 32-byte Ed25519 public key
}

// Sign constructs and signs a pointer record for fields using the
// Ed25519 seed in signingKey, returning the marshaled bytes.
func Sign(signingKey []byte, fields Fields) ([]byte, error) {
	const op = "pointerrecord.Sign"

	validityStr := []byte(fields.Validity.UTC().Format(time.RFC3339Nano))
	sf := SignedFields{
		Value:        []byte(fields.Value),
		Validity:     validityStr,
		ValidityType: fields.ValidityType,
		Sequence:     fields.Sequence,
	}
	data, err := cbor.Marshal(sf)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	sig, err := crypto.SignWithSeed(signingKey, data)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	pub, err := crypto.PublicKeyFromSeed(signingKey)
	if err != nil {
		return nil, errs.E(op, err)
	}
	wrappedPub := append(append([]byte(nil), libp2pEd25519Prefix...), pub...)

	var b []byte
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(fields.Value))
	b = protowire.AppendTag(b, fieldSignatureV2, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	b = protowire.AppendTag(b, fieldValidityType, protowire.VarintType)
	b = protowire.AppendVarint(b, fields.ValidityType)
	b = protowire.AppendTag(b, fieldValidity, protowire.BytesType)
	b = protowire.AppendBytes(b, validityStr)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, fields.Sequence)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	b = protowire.AppendTag(b, fieldPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, wrappedPub)
	return b, nil
}

// Parsed is the result of Parse. Signature, Data, and PubKey are either
// all set or all nil/empty — never partially populated, per spec.md
// §4.1's all-or-nothing contract.
type Parsed struct {
	Value        string
	Sequence     uint64
	Signature    []byte
	Data         []byte
	PubKey       []byte // raw 32-byte Ed25519 key, only if wrapping matched the canonical prefix
}

// Parse decodes record bytes produced by Sign (or by the content
// network). Value and Sequence are always returned if present; the
// verification bundle {Signature, Data, PubKey} is populated only when
// all three fields are fully recoverable, and the PubKey is extracted
// from its wrapping only when that wrapping matches the canonical
// libp2p prefix.
func Parse(record []byte) (*Parsed, error) {
	const op = "pointerrecord.Parse"
	p := &Parsed{}

	var rawSig, rawData, rawWrappedPub []byte
	haveSig, haveData, havePub := false, false, false

	b := record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errs.E(op, errs.InvalidRecord, errs.Str("bad tag"))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.E(op, errs.InvalidRecord, errs.Str("bad bytes field"))
			}
			b = b[n:]
			switch num {
			case fieldValue:
				p.Value = string(v)
			case fieldSignatureV2:
				rawSig = v
				haveSig = true
			case fieldValidity:
				// Not surfaced directly; validity enforcement happens
				// at the content network, not by this parser.
			case fieldData:
				rawData = v
				haveData = true
			case fieldPubKey:
				rawWrappedPub = v
				havePub = true
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.E(op, errs.InvalidRecord, errs.Str("bad varint field"))
			}
			b = b[n:]
			switch num {
			case fieldSequence:
				p.Sequence = v
			case fieldValidityType:
				// Informational only for the parser's caller.
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errs.E(op, errs.InvalidRecord, errs.Str("bad field"))
			}
			b = b[n:]
		}
	}

	if haveSig && haveData && havePub {
		if len(rawWrappedPub) == len(libp2pEd25519Prefix)+32 && hasPrefix(rawWrappedPub, libp2pEd25519Prefix) {
			p.Signature = rawSig
			p.Data = rawData
			p.PubKey = rawWrappedPub[len(libp2pEd25519Prefix):]
		}
	}
	return p, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
