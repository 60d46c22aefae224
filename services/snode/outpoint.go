package snode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/libsv/go-bt/v2/chainhash"
)

// Outpoint identifies the collateral output that defines a service node.
type Outpoint struct {
	TxID chainhash.Hash
	Vout uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s-%d", o.TxID.String(), o.Vout)
}

// ShortString returns the abbreviated form used in log lines.
func (o Outpoint) ShortString() string {
	s := o.TxID.String()
	return fmt.Sprintf("%s-%d", s[:16], o.Vout)
}

// Serialize writes the canonical 36-byte encoding.
func (o Outpoint) Serialize(w io.Writer) error {
	return o.serialize(w)
}

// Deserialize reads the canonical encoding. Trailing bytes (the legacy
// transaction-input wrapper carries a script and sequence after the
// outpoint) are left unread.
func (o *Outpoint) Deserialize(r io.Reader) error {
	return o.deserialize(r)
}

func (o Outpoint) serialize(w io.Writer) error {
	if err := writeHash(w, &o.TxID); err != nil {
		return err
	}
	return writeUint32(w, o.Vout)
}

func (o *Outpoint) deserialize(r io.Reader) error {
	h, err := readHash(r)
	if err != nil {
		return err
	}
	o.TxID = h

	o.Vout, err = readUint32(r)
	return err
}

// Bytes returns the canonical 36-byte encoding.
func (o Outpoint) Bytes() []byte {
	var buf bytes.Buffer
	_ = o.serialize(&buf)
	return buf.Bytes()
}

// Less imposes the lexical order used for deterministic tie-breaking.
func (o Outpoint) Less(other Outpoint) bool {
	if c := bytes.Compare(o.TxID[:], other.TxID[:]); c != 0 {
		return c < 0
	}
	return o.Vout < other.Vout
}
