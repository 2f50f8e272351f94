// Package exchanges wires exchange names to gateway constructors.
package exchanges

import (
	"fmt"
	"strings"

	"tradedesk/pkg/exchanges/binance"
	"tradedesk/pkg/exchanges/common"
)

// Credentials are the decrypted API keys for one exchange account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// NewGateway builds a gateway for the named exchange.
func NewGateway(exchange string, creds Credentials, testnet bool) (common.Gateway, error) {
	switch strings.ToLower(exchange) {
	case binance.Name:
		return binance.New(binance.Config{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			Testnet:   testnet,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}

// NewMarketData builds a market data client for the named exchange. No
// credentials are required.
func NewMarketData(exchange string, testnet bool) (common.MarketData, error) {
	switch strings.ToLower(exchange) {
	case binance.Name:
		return binance.New(binance.Config{Testnet: testnet}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}
