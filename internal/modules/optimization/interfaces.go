package optimization

import "time"

// PriceSource provides stored close prices when a request carries none.
// Used to avoid a dependency on the universe module.
type PriceSource interface {
	LoadPrices(symbols []string, since time.Time) (PriceSeries, error)
}

// MarketCapSource provides stored market capitalisations for the
// market_cap prior.
type MarketCapSource interface {
	LoadMarketCaps(symbols []string) (map[string]float64, error)
}
