package snode

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/crypto"
	"github.com/libsv/go-bt/v2/bscript"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/util"
)

// p2pkhScriptLen is the exact length of a pay-to-pubkey-hash locking script.
const p2pkhScriptLen = 25

// Broadcast is the self-signed registration/refresh announcement of a
// service node. The collateral key signs it; the inlined ping is signed by
// the operator key.
type Broadcast struct {
	Outpoint         Outpoint
	Addr             string // "host:port"
	CollateralPubKey []byte
	OperatorPubKey   []byte
	SigTime          int64
	ProtocolVersion  uint32
	Signature        []byte
	LastPing         Ping
}

func (b *Broadcast) Serialize(w io.Writer) error {
	if err := b.serializeUnsigned(w); err != nil {
		return err
	}
	if err := writeVarBytes(w, b.Signature); err != nil {
		return err
	}
	return b.LastPing.Serialize(w)
}

func (b *Broadcast) serializeUnsigned(w io.Writer) error {
	if err := b.Outpoint.serialize(w); err != nil {
		return err
	}
	if err := writeString(w, b.Addr); err != nil {
		return err
	}
	if err := writeVarBytes(w, b.CollateralPubKey); err != nil {
		return err
	}
	if err := writeVarBytes(w, b.OperatorPubKey); err != nil {
		return err
	}
	if err := writeInt64(w, b.SigTime); err != nil {
		return err
	}
	return writeUint32(w, b.ProtocolVersion)
}

func (b *Broadcast) Deserialize(r io.Reader) error {
	if err := b.Outpoint.deserialize(r); err != nil {
		return err
	}

	var err error
	if b.Addr, err = readString(r); err != nil {
		return err
	}
	if b.CollateralPubKey, err = readVarBytes(r); err != nil {
		return err
	}
	if b.OperatorPubKey, err = readVarBytes(r); err != nil {
		return err
	}
	if b.SigTime, err = readInt64(r); err != nil {
		return err
	}
	if b.ProtocolVersion, err = readUint32(r); err != nil {
		return err
	}
	if b.Signature, err = readVarBytes(r); err != nil {
		return err
	}

	return b.LastPing.Deserialize(r)
}

// Bytes returns the full wire encoding.
func (b *Broadcast) Bytes() []byte {
	var buf bytes.Buffer
	_ = b.Serialize(&buf)
	return buf.Bytes()
}

// Hash identifies the broadcast for dedup, recovery and inventory purposes.
func (b *Broadcast) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = b.Outpoint.serialize(&buf)
	_ = writeVarBytes(&buf, b.CollateralPubKey)
	_ = writeInt64(&buf, b.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignatureHash is the digest signed in modern mode.
func (b *Broadcast) SignatureHash() []byte {
	var buf bytes.Buffer
	_ = b.serializeUnsigned(&buf)
	return crypto.Sha256d(buf.Bytes())
}

// legacyMessage is the printable form signed in legacy mode.
func (b *Broadcast) legacyMessage() string {
	return b.Addr + fmt.Sprintf("%d", b.SigTime) +
		hex.EncodeToString(crypto.Hash160(b.CollateralPubKey)) +
		hex.EncodeToString(crypto.Hash160(b.OperatorPubKey)) +
		fmt.Sprintf("%d", b.ProtocolVersion)
}

// Sign stamps the broadcast with now and signs it with the collateral key.
func (b *Broadcast) Sign(collateralKey *bec.PrivateKey, flags FeatureFlags, now time.Time) error {
	b.SigTime = now.Unix()

	var err error
	if flags.NewSignaturesActive() {
		b.Signature, err = SignHash(collateralKey, b.SignatureHash())
	} else {
		b.Signature, err = SignMessage(collateralKey, b.legacyMessage())
	}
	return err
}

// CheckSignature verifies the broadcast against its collateral public key,
// modern mode first with the legacy fallback.
func (b *Broadcast) CheckSignature() bool {
	return VerifyEither(b.CollateralPubKey, b.SignatureHash(), b.legacyMessage(), b.Signature)
}

// PayeeScript derives the P2PKH locking script the collateral key is paid
// to.
func (b *Broadcast) PayeeScript() ([]byte, error) {
	s, err := bscript.NewP2PKHFromPubKeyBytes(b.CollateralPubKey)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("invalid collateral pubkey, snode=%s", b.Outpoint.ShortString(), err)
	}
	return []byte(*s), nil
}

// SimpleCheck performs all stateless validity checks. The returned ban score
// is 0 for invalid-but-possibly-fresh conditions and 100 for malformed
// messages.
func (b *Broadcast) SimpleCheck(params *chaincfg.Params, now time.Time) (banScore int, err error) {
	if b.SigTime > now.Add(maxFutureSigTime).Unix() {
		return 100, errors.NewInvalidArgumentError("broadcast signature time %d too far in the future, snode=%s",
			b.SigTime, b.Outpoint.ShortString())
	}

	if err := b.LastPing.SimpleCheck(now); err != nil {
		// A broadcast whose inlined ping fails its own simple check (signed
		// too far in the future) is rejected outright rather than half-applied.
		return 0, errors.NewInvalidArgumentError("broadcast carries invalid ping, snode=%s", b.Outpoint.ShortString(), err)
	}

	if b.ProtocolVersion < chaincfg.MinSnodePaymentProtoVersion {
		return 0, errors.NewInvalidArgumentError("outdated broadcast proto %d, snode=%s",
			b.ProtocolVersion, b.Outpoint.ShortString())
	}

	collateralScript, err := bscript.NewP2PKHFromPubKeyBytes(b.CollateralPubKey)
	if err != nil || len(*collateralScript) != p2pkhScriptLen {
		return 100, errors.NewInvalidArgumentError("collateral pubkey has invalid script size, snode=%s", b.Outpoint.ShortString())
	}

	operatorScript, err := bscript.NewP2PKHFromPubKeyBytes(b.OperatorPubKey)
	if err != nil || len(*operatorScript) != p2pkhScriptLen {
		return 100, errors.NewInvalidArgumentError("operator pubkey has invalid script size, snode=%s", b.Outpoint.ShortString())
	}

	host, port, err := util.SplitHostPort(b.Addr)
	if err != nil {
		return 100, errors.NewInvalidArgumentError("unparsable address %q, snode=%s", b.Addr, b.Outpoint.ShortString())
	}

	if !params.AllowUnroutableAddrs && !util.IsRoutableIPv4(host) {
		return 0, errors.NewInvalidArgumentError("address %q not routable, snode=%s", b.Addr, b.Outpoint.ShortString())
	}

	mainnetPort := chaincfg.MainNetParams.DefaultPort
	if params.IsMainNet() {
		if port != mainnetPort {
			return 0, errors.NewInvalidArgumentError("port %d is not the mainnet port, snode=%s", port, b.Outpoint.ShortString())
		}
	} else if port == mainnetPort {
		return 0, errors.NewInvalidArgumentError("mainnet port %d used off-mainnet, snode=%s", port, b.Outpoint.ShortString())
	}

	return 0, nil
}
