package snode

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/crypto"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/errors"
)

// maxFutureSigTime is how far into the future a signed timestamp may lie
// before the message is rejected outright.
const maxFutureSigTime = time.Hour

// PingBlockDepth is how many blocks behind the tip the block hash embedded
// in a ping is taken from.
const PingBlockDepth = 12

// MaxPingBlockAge is the maximum distance behind the tip the embedded block
// hash may be before the ping is considered stale.
const MaxPingBlockAge = 24

// Ping is the periodic liveness attestation of a service node, signed by the
// operator key.
type Ping struct {
	Outpoint Outpoint

	// BlockHash is the hash of the block PingBlockDepth behind the tip at
	// signing time, so peers can reject pings tied to unknown or stale chain
	// state.
	BlockHash chainhash.Hash

	SigTime int64

	SentinelIsCurrent bool
	SentinelVersion   uint32
	DaemonVersion     uint32

	Signature []byte
}

func (p *Ping) Serialize(w io.Writer) error {
	if err := p.serializeUnsigned(w); err != nil {
		return err
	}
	return writeVarBytes(w, p.Signature)
}

func (p *Ping) serializeUnsigned(w io.Writer) error {
	if err := p.Outpoint.serialize(w); err != nil {
		return err
	}
	if err := writeHash(w, &p.BlockHash); err != nil {
		return err
	}
	if err := writeInt64(w, p.SigTime); err != nil {
		return err
	}
	if err := writeBool(w, p.SentinelIsCurrent); err != nil {
		return err
	}
	if err := writeUint32(w, p.SentinelVersion); err != nil {
		return err
	}
	return writeUint32(w, p.DaemonVersion)
}

func (p *Ping) Deserialize(r io.Reader) error {
	if err := p.Outpoint.deserialize(r); err != nil {
		return err
	}

	var err error
	if p.BlockHash, err = readHash(r); err != nil {
		return err
	}
	if p.SigTime, err = readInt64(r); err != nil {
		return err
	}
	if p.SentinelIsCurrent, err = readBool(r); err != nil {
		return err
	}
	if p.SentinelVersion, err = readUint32(r); err != nil {
		return err
	}
	if p.DaemonVersion, err = readUint32(r); err != nil {
		return err
	}

	p.Signature, err = readVarBytes(r)
	return err
}

// Bytes returns the full wire encoding.
func (p *Ping) Bytes() []byte {
	var buf bytes.Buffer
	_ = p.Serialize(&buf)
	return buf.Bytes()
}

// Hash identifies the ping for dedup and inventory purposes.
func (p *Ping) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = p.Outpoint.serialize(&buf)
	_ = writeInt64(&buf, p.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignatureHash is the digest signed in modern mode.
func (p *Ping) SignatureHash() []byte {
	var buf bytes.Buffer
	_ = p.serializeUnsigned(&buf)
	return crypto.Sha256d(buf.Bytes())
}

// legacyMessage is the printable form signed in legacy mode.
func (p *Ping) legacyMessage() string {
	return fmt.Sprintf("CTxIn(COutPoint(%s, %d), scriptSig=)%s%d",
		p.Outpoint.TxID.String(), p.Outpoint.Vout, p.BlockHash.String(), p.SigTime)
}

// Sign stamps the ping with now and signs it with the operator key.
func (p *Ping) Sign(operatorKey *bec.PrivateKey, flags FeatureFlags, now time.Time) error {
	p.SigTime = now.Unix()

	var err error
	if flags.NewSignaturesActive() {
		p.Signature, err = SignHash(operatorKey, p.SignatureHash())
	} else {
		p.Signature, err = SignMessage(operatorKey, p.legacyMessage())
	}
	return err
}

// CheckSignature verifies the ping against the operator public key, modern
// mode first.
func (p *Ping) CheckSignature(operatorPubKey []byte) bool {
	return VerifyEither(operatorPubKey, p.SignatureHash(), p.legacyMessage(), p.Signature)
}

// SimpleCheck performs the stateless validity checks.
func (p *Ping) SimpleCheck(now time.Time) error {
	if p.SigTime > now.Add(maxFutureSigTime).Unix() {
		return errors.NewInvalidArgumentError("ping signature time %d too far in the future, snode=%s",
			p.SigTime, p.Outpoint.ShortString())
	}
	return nil
}

// IsExpired reports whether the ping is older than the given number of
// seconds at time now.
func (p *Ping) IsExpired(seconds int64, now int64) bool {
	return now-p.SigTime > seconds
}
