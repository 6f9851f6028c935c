package factory

import (
	"fmt"

	"bookrelay/internal/config"
	"bookrelay/internal/exchange"
	"bookrelay/internal/exchange/polymarket"

	"github.com/rs/zerolog/log"
)

// NewFeed creates the upstream feed named in the configuration
func NewFeed(cfg config.UpstreamConfig) (exchange.Feed, error) {
	switch cfg.Exchange {
	case exchange.Polymarket:
		return polymarket.NewFeed(polymarket.Config{
			WSURL: cfg.WSURL,
		}), nil

	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Exchange)
	}
}

// NewSnapshotSource creates the REST fallback for the configured feed.
// It returns nil, nil when the fallback is disabled.
func NewSnapshotSource(upstream config.UpstreamConfig, fallback config.FallbackConfig) (exchange.SnapshotSource, error) {
	if !fallback.Enabled {
		return nil, nil
	}

	switch upstream.Exchange {
	case exchange.Polymarket:
		return polymarket.NewClient(polymarket.ClientConfig{
			RESTURL:       upstream.RESTURL,
			Timeout:       fallback.Timeout,
			RatePerSecond: fallback.RatePerSecond,
			Burst:         fallback.Burst,
			OnBreakerChange: func(name, from, to string) {
				log.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("snapshot breaker state changed")
			},
		}), nil

	default:
		return nil, fmt.Errorf("no snapshot source for exchange: %s", upstream.Exchange)
	}
}

// ValidateExchangeName checks if the exchange name is supported
func ValidateExchangeName(name string) bool {
	for _, supported := range GetSupportedExchanges() {
		if string(supported) == name {
			return true
		}
	}
	return false
}

// GetSupportedExchanges returns a list of all supported exchanges
func GetSupportedExchanges() []exchange.ExchangeName {
	return []exchange.ExchangeName{exchange.Polymarket}
}
