package kraken

import (
	"strings"
	"time"

	"venue-connector/internal/dispatcher"
)

const (
	TierStarter      = "starter"
	TierIntermediate = "intermediate"
	TierPro          = "pro"
)

// Endpoint identifiers used for per-endpoint rate limiting.
const (
	EndpointAddOrder     = "AddOrder"
	EndpointCancelOrder  = "CancelOrder"
	EndpointQueryOrders  = "QueryOrders"
	EndpointQueryTrades  = "QueryTrades"
	EndpointOpenOrders   = "OpenOrders"
	EndpointClosedOrders = "ClosedOrders"
	EndpointBalance      = "Balance"
	EndpointWSToken      = "GetWebSocketsToken"
	EndpointServerTime   = "Time"
	EndpointAssetPairs   = "AssetPairs"
)

type tierLimits struct {
	private dispatcher.EndpointLimit
	trading dispatcher.EndpointLimit
	ledger  dispatcher.EndpointLimit
	public  dispatcher.EndpointLimit
}

// Private call counters per tier; query endpoints that cost two counter points get half the budget.
var tiers = map[string]tierLimits{
	TierStarter: {
		private: dispatcher.EndpointLimit{Requests: 15, Window: 45 * time.Second},
		trading: dispatcher.EndpointLimit{Requests: 60, Window: time.Minute},
		ledger:  dispatcher.EndpointLimit{Requests: 7, Window: 45 * time.Second},
		public:  dispatcher.EndpointLimit{Requests: 1, Window: time.Second},
	},
	TierIntermediate: {
		private: dispatcher.EndpointLimit{Requests: 20, Window: 40 * time.Second},
		trading: dispatcher.EndpointLimit{Requests: 125, Window: time.Minute},
		ledger:  dispatcher.EndpointLimit{Requests: 10, Window: 40 * time.Second},
		public:  dispatcher.EndpointLimit{Requests: 1, Window: time.Second},
	},
	TierPro: {
		private: dispatcher.EndpointLimit{Requests: 20, Window: 20 * time.Second},
		trading: dispatcher.EndpointLimit{Requests: 180, Window: time.Minute},
		ledger:  dispatcher.EndpointLimit{Requests: 10, Window: 20 * time.Second},
		public:  dispatcher.EndpointLimit{Requests: 1, Window: time.Second},
	},
}

func ValidTier(tier string) bool {
	_, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	return ok
}

// RateLimits returns the per-endpoint limits of an API tier, starter when unknown.
func RateLimits(tier string) map[string]dispatcher.EndpointLimit {
	t, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		t = tiers[TierStarter]
	}
	return map[string]dispatcher.EndpointLimit{
		EndpointAddOrder:     t.trading,
		EndpointCancelOrder:  t.trading,
		EndpointQueryOrders:  t.private,
		EndpointQueryTrades:  t.ledger,
		EndpointOpenOrders:   t.private,
		EndpointClosedOrders: t.private,
		EndpointBalance:      t.private,
		EndpointWSToken:      t.private,
		EndpointServerTime:   t.public,
		EndpointAssetPairs:   t.public,
	}
}
