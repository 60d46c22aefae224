package payments

import (
	"github.com/libsv/go-bt/v2/bscript"
	"github.com/mazanetwork/maza/services/snode"
)

// payeeScriptOf derives the P2PKH payee script of an entry's collateral key.
func payeeScriptOf(info snode.Info) []byte {
	s, err := bscript.NewP2PKHFromPubKeyBytes(info.CollateralPubKey)
	if err != nil {
		return nil
	}
	return []byte(*s)
}

func bscriptFromBytes(b []byte) *bscript.Script {
	s := bscript.Script(b)
	return &s
}
