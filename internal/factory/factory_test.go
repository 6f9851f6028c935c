package factory

import (
	"testing"

	"bookrelay/internal/config"
	"bookrelay/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeed(t *testing.T) {
	cfg := config.Default()

	feed, err := NewFeed(cfg.Upstream)
	require.NoError(t, err)
	assert.Equal(t, exchange.Polymarket, feed.GetName())

	cfg.Upstream.Exchange = "binance"
	_, err = NewFeed(cfg.Upstream)
	assert.EqualError(t, err, "unknown exchange: binance")
}

func TestNewSnapshotSource(t *testing.T) {
	cfg := config.Default()

	src, err := NewSnapshotSource(cfg.Upstream, cfg.Fallback)
	require.NoError(t, err)
	assert.NotNil(t, src)

	cfg.Fallback.Enabled = false
	src, err = NewSnapshotSource(cfg.Upstream, cfg.Fallback)
	require.NoError(t, err)
	assert.Nil(t, src)
}

func TestValidateExchangeName(t *testing.T) {
	assert.True(t, ValidateExchangeName("polymarket"))
	assert.False(t, ValidateExchangeName("kraken"))
	assert.Equal(t, []exchange.ExchangeName{exchange.Polymarket}, GetSupportedExchanges())
}
