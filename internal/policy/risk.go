package policy

import "time"

// Risk score weights and penalties. The score is a deterministic function
// of the request and the evaluation time — no shared state, no history.
const (
	weightDeviceTrust = 0.3
	weightContextRisk = 0.3

	offHoursPenalty = 20 // outside 06:00-22:00 local time

	penaltyNonCompliant      = 25
	penaltyComplianceUnknown = 15
)

const (
	businessHoursStart = 6
	businessHoursEnd   = 22
)

var networkPenalties = map[string]float64{
	"corporate": 0,
	"vpn":       10,
	"public":    30,
	"unknown":   40,
}

// RiskScore computes the 0-100 risk score for a request at the given
// evaluation time. Higher is riskier.
func RiskScore(req *AccessRequest, now time.Time) float64 {
	risk := weightDeviceTrust*float64(100-req.Device.TrustScore) +
		weightContextRisk*req.Context.RiskScore

	if h := now.Hour(); h < businessHoursStart || h >= businessHoursEnd {
		risk += offHoursPenalty
	}

	if penalty, ok := networkPenalties[req.Context.NetworkType]; ok {
		risk += penalty
	} else {
		risk += networkPenalties["unknown"]
	}

	switch req.Device.Compliance {
	case "compliant":
	case "non_compliant":
		risk += penaltyNonCompliant
	default:
		risk += penaltyComplianceUnknown
	}

	if risk < 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}
	return risk
}
