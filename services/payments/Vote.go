package payments

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/crypto"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/snode"
)

// Vote is one quorum member's payment vote for a target block height,
// signed by the voter's operator key.
type Vote struct {
	VoterOutpoint snode.Outpoint
	BlockHeight   uint32
	PayeeScript   []byte
	Signature     []byte
}

func (v *Vote) Serialize(w io.Writer) error {
	if err := v.VoterOutpoint.Serialize(w); err != nil {
		return err
	}
	if err := snode.WriteUint32(w, v.BlockHeight); err != nil {
		return err
	}
	if err := snode.WriteVarBytes(w, v.PayeeScript); err != nil {
		return err
	}
	return snode.WriteVarBytes(w, v.Signature)
}

func (v *Vote) Deserialize(r io.Reader) error {
	if err := v.VoterOutpoint.Deserialize(r); err != nil {
		return err
	}

	var err error
	if v.BlockHeight, err = snode.ReadUint32(r); err != nil {
		return err
	}
	if v.PayeeScript, err = snode.ReadVarBytes(r); err != nil {
		return err
	}
	v.Signature, err = snode.ReadVarBytes(r)
	return err
}

// Bytes returns the full wire encoding.
func (v *Vote) Bytes() []byte {
	var buf bytes.Buffer
	_ = v.Serialize(&buf)
	return buf.Bytes()
}

// Hash is the canonical vote hash: double-SHA256 over the payee script,
// the block height and the voter outpoint.
func (v *Vote) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = snode.WriteVarBytes(&buf, v.PayeeScript)
	_ = snode.WriteUint32(&buf, v.BlockHeight)
	_ = v.VoterOutpoint.Serialize(&buf)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignatureHash is the digest signed in modern mode; it coincides with the
// canonical hash.
func (v *Vote) SignatureHash() []byte {
	var buf bytes.Buffer
	_ = snode.WriteVarBytes(&buf, v.PayeeScript)
	_ = snode.WriteUint32(&buf, v.BlockHeight)
	_ = v.VoterOutpoint.Serialize(&buf)
	return crypto.Sha256d(buf.Bytes())
}

// legacyMessage is the printable form signed in legacy mode.
func (v *Vote) legacyMessage() string {
	return fmt.Sprintf("%s%d%s", v.VoterOutpoint.String(), v.BlockHeight, hex.EncodeToString(v.PayeeScript))
}

// Sign signs the vote with the operator key.
func (v *Vote) Sign(operatorKey *bec.PrivateKey, flags snode.FeatureFlags) error {
	var err error
	if flags.NewSignaturesActive() {
		v.Signature, err = snode.SignHash(operatorKey, v.SignatureHash())
	} else {
		v.Signature, err = snode.SignMessage(operatorKey, v.legacyMessage())
	}
	return err
}

// CheckSignature verifies the vote against the voter's operator key, modern
// mode first.
func (v *Vote) CheckSignature(operatorPubKey []byte) bool {
	return snode.VerifyEither(operatorPubKey, v.SignatureHash(), v.legacyMessage(), v.Signature)
}

// SimpleCheck performs the stateless checks.
func (v *Vote) SimpleCheck(now time.Time) bool {
	return len(v.PayeeScript) > 0 && len(v.PayeeScript) <= 10000 && len(v.Signature) > 0
}

// BlockPayee is one payee row of a tally, with the hashes of the votes
// backing it.
type BlockPayee struct {
	Script     []byte
	VoteHashes []chainhash.Hash
}

// BlockPayees tallies the votes for one target block height.
type BlockPayees struct {
	BlockHeight uint32
	Payees      []*BlockPayee
}

// AddVote appends the vote hash to the matching payee row, creating the row
// when the payee is new. Rows never duplicate a script.
func (bp *BlockPayees) AddVote(v *Vote) {
	hash := v.Hash()

	for _, payee := range bp.Payees {
		if bytes.Equal(payee.Script, v.PayeeScript) {
			for _, existing := range payee.VoteHashes {
				if existing == hash {
					return
				}
			}
			payee.VoteHashes = append(payee.VoteHashes, hash)
			return
		}
	}

	bp.Payees = append(bp.Payees, &BlockPayee{
		Script:     append([]byte(nil), v.PayeeScript...),
		VoteHashes: []chainhash.Hash{hash},
	})
}

// Best returns the payee with the most votes and its vote count. Ties break
// by insertion order.
func (bp *BlockPayees) Best() (*BlockPayee, int) {
	var best *BlockPayee
	bestVotes := 0

	for _, payee := range bp.Payees {
		if len(payee.VoteHashes) > bestVotes {
			best = payee
			bestVotes = len(payee.VoteHashes)
		}
	}

	return best, bestVotes
}

// TotalVotes counts all vote hashes across payees.
func (bp *BlockPayees) TotalVotes() int {
	n := 0
	for _, payee := range bp.Payees {
		n += len(payee.VoteHashes)
	}
	return n
}

// HasQuorum reports whether any payee reached the required signature count.
func (bp *BlockPayees) HasQuorum() bool {
	_, votes := bp.Best()
	return votes >= chaincfg.PaymentsSignaturesRequired
}
