package snode

import (
	"bytes"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/crypto"
	"github.com/mazanetwork/maza/errors"
)

// messageMagic prefixes every legacy printable signature payload.
const messageMagic = "Maza Signed Message:\n"

// SigMode selects how a signature payload is derived.
type SigMode int

const (
	// SigModern signs the 32-byte hash computed per message type.
	SigModern SigMode = iota

	// SigLegacy signs the double-SHA256 of the magic-prefixed printable
	// form of the message. Accepted until the network-wide new-signatures
	// flag activates.
	SigLegacy
)

// SignHash produces a compact signature over a precomputed 32-byte hash.
func SignHash(key *bec.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := bec.SignCompact(bec.S256(), key, hash, true)
	if err != nil {
		return nil, errors.NewSignatureError("compact signing failed", err)
	}
	return sig, nil
}

// VerifyHash checks a compact signature over a 32-byte hash against the
// serialized public key. Both compressed and uncompressed encodings of the
// recovered key are accepted.
func VerifyHash(pubKey []byte, hash, sig []byte) bool {
	recovered, _, err := bec.RecoverCompact(bec.S256(), sig, hash)
	if err != nil {
		return false
	}

	return bytes.Equal(recovered.SerialiseCompressed(), pubKey) ||
		bytes.Equal(recovered.SerialiseUncompressed(), pubKey)
}

// legacyMessageHash maps a printable message to the digest that is actually
// signed in legacy mode.
func legacyMessageHash(message string) []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, messageMagic)
	_ = writeString(&buf, message)
	return crypto.Sha256d(buf.Bytes())
}

// SignMessage produces a legacy compact signature over the printable form.
func SignMessage(key *bec.PrivateKey, message string) ([]byte, error) {
	return SignHash(key, legacyMessageHash(message))
}

// VerifyMessage checks a legacy signature over the printable form.
func VerifyMessage(pubKey []byte, message string, sig []byte) bool {
	return VerifyHash(pubKey, legacyMessageHash(message), sig)
}

// VerifyEither accepts the modern hash first and falls back to the legacy
// printable form, per the migration rules.
func VerifyEither(pubKey []byte, hash []byte, message string, sig []byte) bool {
	if VerifyHash(pubKey, hash, sig) {
		return true
	}
	return VerifyMessage(pubKey, message, sig)
}
