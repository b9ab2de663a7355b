package vault

import (
	"fmt"
	"log/slog"
)

const (
	StrategyAuto    = "auto"
	StrategyCipher  = "cipher"
	StrategyKeyring = "keyring"
	StrategyNone    = "none"
)

type Options struct {
	Strategy   string
	Service    string
	Salt       string
	Iterations int
	// Secrets overrides the OS credential store, mostly for tests
	Secrets SecretStore
}

// Select builds the strategy named in opts. "auto" uses the credential
// store when it passes a round trip probe and the cipher otherwise.
func Select(opts Options, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Strategy {
	case StrategyCipher:
		return NewCipherStrategy(opts.Salt, opts.Iterations, logger), nil
	case StrategyKeyring:
		return NewKeyringStrategy(opts.Service, opts.Secrets, logger), nil
	case StrategyNone:
		logger.Warn("Sensitive payload protection disabled")
		return Passthrough{}, nil
	case StrategyAuto, "":
		k := NewKeyringStrategy(opts.Service, opts.Secrets, logger)
		if err := k.Probe(); err != nil {
			logger.Info("Credential store not usable, using cipher vault", "reason", err)
			return NewCipherStrategy(opts.Salt, opts.Iterations, logger), nil
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unknown vault strategy %q", opts.Strategy)
	}
}
