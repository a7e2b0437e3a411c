package domain

// Health classifies a fee payer by its native balance.
type Health int32

const (
	HealthHealthy Health = iota
	HealthWarning
	HealthCritical
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// FeePayerStatus is a point-in-time view of one fee payer, safe to expose.
type FeePayerStatus struct {
	PublicKey    string `json:"publicKey"`
	Balance      uint64 `json:"balance"` // lamports
	Health       string `json:"health"`
	Reservations int    `json:"reservations"`
	ForeignAsset bool   `json:"foreignAsset,omitempty"` // holds a non-native asset
}

// EndpointStatus is a point-in-time view of one RPC endpoint.
type EndpointStatus struct {
	URL                 string `json:"url"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LatencyMs           int64  `json:"latencyMs"`
}
