package snode

// FeatureFlags exposes the network-wide sporks this layer consults. The
// spork subsystem itself lives outside the module; a static implementation
// backs tests and standalone runs.
type FeatureFlags interface {
	// NewSignaturesActive gates the modern hash-based signature mode. While
	// inactive, verifiers accept the legacy printable form as a fallback and
	// local signing uses it.
	NewSignaturesActive() bool

	// PaymentEnforcementActive gates coinbase payee enforcement in block
	// validation.
	PaymentEnforcementActive() bool
}

// StaticFlags is a FeatureFlags with fixed values.
type StaticFlags struct {
	NewSignatures      bool
	PaymentEnforcement bool
}

func (f StaticFlags) NewSignaturesActive() bool      { return f.NewSignatures }
func (f StaticFlags) PaymentEnforcementActive() bool { return f.PaymentEnforcement }
