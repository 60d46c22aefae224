package snode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/crypto"
	"github.com/libsv/go-bt/v2/chainhash"
)

// Verification is the proof-of-service challenge message. It travels in
// three shapes distinguished by which signatures are present:
//
//   - request: no signatures; the verifier asks addr to prove itself
//   - reply: Sig1 present; the responder signed the nonce
//   - testimony: both signatures; the verifier vouches for the responder
type Verification struct {
	// Addr is the verifier's own endpoint in requests and testimonies.
	Addr string

	Nonce       uint32
	BlockHeight uint32

	// ResponderOutpoint and VerifierOutpoint are only set on testimonies.
	ResponderOutpoint Outpoint
	VerifierOutpoint  Outpoint

	// Sig1 is the responder's operator signature, Sig2 the verifier's.
	Sig1 []byte
	Sig2 []byte
}

func (v *Verification) Serialize(w io.Writer) error {
	if err := writeString(w, v.Addr); err != nil {
		return err
	}
	if err := writeUint32(w, v.Nonce); err != nil {
		return err
	}
	if err := writeUint32(w, v.BlockHeight); err != nil {
		return err
	}
	if err := v.ResponderOutpoint.serialize(w); err != nil {
		return err
	}
	if err := v.VerifierOutpoint.serialize(w); err != nil {
		return err
	}
	if err := writeVarBytes(w, v.Sig1); err != nil {
		return err
	}
	return writeVarBytes(w, v.Sig2)
}

func (v *Verification) Deserialize(r io.Reader) error {
	var err error
	if v.Addr, err = readString(r); err != nil {
		return err
	}
	if v.Nonce, err = readUint32(r); err != nil {
		return err
	}
	if v.BlockHeight, err = readUint32(r); err != nil {
		return err
	}
	if err = v.ResponderOutpoint.deserialize(r); err != nil {
		return err
	}
	if err = v.VerifierOutpoint.deserialize(r); err != nil {
		return err
	}
	if v.Sig1, err = readVarBytes(r); err != nil {
		return err
	}
	v.Sig2, err = readVarBytes(r)
	return err
}

// Bytes returns the full wire encoding.
func (v *Verification) Bytes() []byte {
	var buf bytes.Buffer
	_ = v.Serialize(&buf)
	return buf.Bytes()
}

// IsRequest reports the request shape.
func (v *Verification) IsRequest() bool { return len(v.Sig1) == 0 && len(v.Sig2) == 0 }

// IsReply reports the reply shape.
func (v *Verification) IsReply() bool { return len(v.Sig1) > 0 && len(v.Sig2) == 0 }

// IsTestimony reports the double-signed testimony shape.
func (v *Verification) IsTestimony() bool { return len(v.Sig1) > 0 && len(v.Sig2) > 0 }

// Hash identifies the verification for dedup and inventory purposes.
func (v *Verification) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeString(&buf, v.Addr)
	_ = writeUint32(&buf, v.Nonce)
	_ = writeUint32(&buf, v.BlockHeight)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignatureHash1 is the digest the responder signs (modern mode).
func (v *Verification) SignatureHash1(blockHash chainhash.Hash) []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, v.Addr)
	_ = writeUint32(&buf, v.Nonce)
	_ = writeHash(&buf, &blockHash)
	return crypto.Sha256d(buf.Bytes())
}

// SignatureHash2 is the digest the verifier signs over the full testimony
// (modern mode).
func (v *Verification) SignatureHash2(blockHash chainhash.Hash) []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, v.Addr)
	_ = writeUint32(&buf, v.Nonce)
	_ = writeHash(&buf, &blockHash)
	_ = v.ResponderOutpoint.serialize(&buf)
	_ = v.VerifierOutpoint.serialize(&buf)
	return crypto.Sha256d(buf.Bytes())
}

// legacyMessage1 is the printable form of the reply signature.
func (v *Verification) legacyMessage1(blockHash chainhash.Hash) string {
	return fmt.Sprintf("%s%d%s", v.Addr, v.Nonce, blockHash.String())
}

// legacyMessage2 is the printable form of the testimony signature.
func (v *Verification) legacyMessage2(blockHash chainhash.Hash) string {
	return fmt.Sprintf("%s%d%s%s%s", v.Addr, v.Nonce, blockHash.String(),
		v.ResponderOutpoint.String(), v.VerifierOutpoint.String())
}

// SignReply signs the responder side.
func (v *Verification) SignReply(operatorKey *bec.PrivateKey, blockHash chainhash.Hash, flags FeatureFlags) error {
	var err error
	if flags.NewSignaturesActive() {
		v.Sig1, err = SignHash(operatorKey, v.SignatureHash1(blockHash))
	} else {
		v.Sig1, err = SignMessage(operatorKey, v.legacyMessage1(blockHash))
	}
	return err
}

// SignTestimony signs the verifier side.
func (v *Verification) SignTestimony(operatorKey *bec.PrivateKey, blockHash chainhash.Hash, flags FeatureFlags) error {
	var err error
	if flags.NewSignaturesActive() {
		v.Sig2, err = SignHash(operatorKey, v.SignatureHash2(blockHash))
	} else {
		v.Sig2, err = SignMessage(operatorKey, v.legacyMessage2(blockHash))
	}
	return err
}

// CheckReplySignature verifies Sig1 against an operator public key.
func (v *Verification) CheckReplySignature(operatorPubKey []byte, blockHash chainhash.Hash) bool {
	return VerifyEither(operatorPubKey, v.SignatureHash1(blockHash), v.legacyMessage1(blockHash), v.Sig1)
}

// CheckTestimonySignature verifies Sig2 against an operator public key.
func (v *Verification) CheckTestimonySignature(operatorPubKey []byte, blockHash chainhash.Hash) bool {
	return VerifyEither(operatorPubKey, v.SignatureHash2(blockHash), v.legacyMessage2(blockHash), v.Sig2)
}
