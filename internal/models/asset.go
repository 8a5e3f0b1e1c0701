package models

// Asset describes a tradable instrument as reported by the trading API's
// assets listing. Assets are transient: they drive which symbols get ingested
// but are never persisted themselves.
type Asset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Status   string `json:"status"`
	Tradable bool   `json:"tradable"`
}

// AssetStatusActive is the status value the remote API uses for listed,
// actively trading instruments.
const AssetStatusActive = "active"

// IsActive reports whether the asset is listed and actively trading.
func (a *Asset) IsActive() bool {
	return a.Status == AssetStatusActive
}
