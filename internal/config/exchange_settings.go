// Package config centralises runtime configuration helpers for Meltica services.
package config

// NewExchangeSettings constructs an empty exchange configuration with safe defaults.
func NewExchangeSettings() ExchangeSettings {
	return ExchangeSettings{
		REST: make(map[string]string),
		Websocket: WebsocketSettings{
			PublicURL:  "",
			PrivateURL: "",
		},
		Credentials: Credentials{
			APIKey:    "",
			APISecret: "",
		},
		HTTPTimeout:           0,
		HandshakeTimeout:      0,
		SymbolRefreshInterval: 0,
	}
}

// CloneExchangeSettings performs a deep copy of the exchange configuration.
func CloneExchangeSettings(src ExchangeSettings) ExchangeSettings {
	clone := src
	if src.REST != nil {
		clone.REST = make(map[string]string, len(src.REST))
		for k, v := range src.REST {
			clone.REST[k] = v
		}
	} else {
		clone.REST = make(map[string]string)
	}
	return clone
}
