package settings

import (
	"net/url"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bk/wif"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/errors"
	"github.com/ordishs/gocore"
)

// SnodeSettings holds everything needed to run this process as a service
// node.
type SnodeSettings struct {
	// Enabled is true when the process was started in service node mode.
	Enabled bool

	// PrivateKey is the operator key used to sign pings, payment votes and
	// proof-of-service messages. Required when Enabled.
	PrivateKey *bec.PrivateKey

	// ExternalIP is the configured external endpoint ("host:port"), empty to
	// autodetect from an outbound peer's view of us.
	ExternalIP string
}

// Settings is the one-shot snapshot of the process configuration.
type Settings struct {
	ChainParams *chaincfg.Params

	// LiteMode disables the whole coordination layer.
	LiteMode bool

	Snode SnodeSettings

	// StoreURL points at the persisted snode cache (sqlite:// file,
	// sqlitememory:// or postgres://).
	StoreURL *url.URL

	// AdminHTTPListenAddress is the listen address of the echo admin API,
	// empty to disable.
	AdminHTTPListenAddress string
}

// NewSettings reads the process configuration from gocore.
func NewSettings() (*Settings, error) {
	network, _ := gocore.Config().Get("network", "mainnet")

	params, err := chaincfg.GetChainParams(network)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		ChainParams: params,
		LiteMode:    gocore.Config().GetBool("litemode", false),
	}

	s.Snode.Enabled = gocore.Config().GetBool("snode_enabled", false)
	s.Snode.ExternalIP, _ = gocore.Config().Get("externalip", "")

	if s.Snode.Enabled {
		privKeyWIF, ok := gocore.Config().Get("snode_privkey")
		if !ok || privKeyWIF == "" {
			return nil, errors.NewConfigurationError("snode_enabled is set but snode_privkey is missing")
		}

		w, err := wif.DecodeWIF(privKeyWIF)
		if err != nil {
			return nil, errors.NewConfigurationError("can't decode snode_privkey", err)
		}

		s.Snode.PrivateKey = w.PrivKey
	}

	storeURL, err, ok := gocore.Config().GetURL("snodestore")
	if err != nil {
		return nil, errors.NewConfigurationError("invalid snodestore url", err)
	}
	if !ok {
		storeURL, _ = url.Parse("sqlitememory:///snodes")
	}
	s.StoreURL = storeURL

	s.AdminHTTPListenAddress, _ = gocore.Config().Get("admin_httpListenAddress", ":13336")

	return s, nil
}
