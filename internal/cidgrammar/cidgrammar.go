// Package cidgrammar validates the two identifier grammars spec.md §6
// names: content IDs (CIDv0/CIDv1, addressing an immutable blob) and
// mutable-pointer IDs (the hash-of-public-key form of a pointer's
// signing key, base36-encoded with the libp2p-key prefix).
//
// Both validations are built on the real content-addressing libraries
// the broader example pack depends on (github.com/ipfs/go-cid,
// github.com/multiformats/go-multibase) rather than a hand-rolled
// base58/base36 decoder, since the content network's own identifier
// format is exactly what these libraries parse.
package cidgrammar

import (
	"regexp"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"

	"github.com/cipherbox/cipherbox/internal/errs"
)

// pointerIDPattern matches the bounded base36 alphabet and length range
// spec.md §6 describes (50-62 chars) with the well-known pointer prefix.
var pointerIDPattern = regexp.MustCompile(`^k51[a-z0-9]{47,59}$`)

// contentIDPattern is a coarse pre-filter before the real CID decode:
// CIDv0 (Qm + 44 base58 chars) or CIDv1 (baf... multibase-encoded).
var contentIDPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[a-z2-7]{10,})$`)

// ValidatePointerID checks id against the mutable-pointer identifier
// grammar and confirms it decodes as base36; the decoded bytes are not
// re-encoded or compared.
func ValidatePointerID(id string) error {
	const op = "cidgrammar.ValidatePointerID"
	if len(id) < 50 || len(id) > 62 {
		return errs.E(op, errs.InvalidInput, errs.Errorf("pointer_id length %d out of range [50,62]", len(id)))
	}
	if !pointerIDPattern.MatchString(id) {
		return errs.E(op, errs.InvalidInput, errs.Str("pointer_id fails base36/prefix grammar"))
	}
	// The leading "k" is multibase's own base36 prefix byte, so id
	// decodes directly without any prefix substitution.
	_, _, err := multibase.Decode(id)
	if err != nil {
		return errs.E(op, errs.InvalidInput, errs.Errorf("pointer_id is not valid base36: %v", err))
	}
	return nil
}

// ValidateContentID checks id against the broader CIDv0/CIDv1 grammar
// and confirms it parses as a real content ID.
func ValidateContentID(id string) error {
	const op = "cidgrammar.ValidateContentID"
	if !contentIDPattern.MatchString(id) {
		return errs.E(op, errs.InvalidInput, errs.Str("referenced_content_id fails CID grammar"))
	}
	if _, err := cid.Decode(id); err != nil {
		return errs.E(op, errs.InvalidInput, errs.Errorf("referenced_content_id does not parse: %v", err))
	}
	return nil
}

// contentValuePattern matches a pointer record's Value field, which has
// the shape "/content/<content_id>", and captures the content-ID
// substring (spec.md §4.4 step 3).
var contentValuePattern = regexp.MustCompile(`^/content/([A-Za-z0-9]+)$`)

// ExtractContentID returns the content-ID substring of value, or an
// InvalidRecord error if it does not match the expected path shape.
func ExtractContentID(value string) (string, error) {
	const op = "cidgrammar.ExtractContentID"
	m := contentValuePattern.FindStringSubmatch(value)
	if m == nil {
		return "", errs.E(op, errs.InvalidRecord, errs.Errorf("value %q does not match /content/<id>", value))
	}
	return m[1], nil
}
