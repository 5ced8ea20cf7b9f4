package model

// Fixed probability bands (percent) for risk classification and strike
// table coloring. Danger is the terminal band that triggers a protective
// close in the supervisor.
const (
	UltraSafeFloor = 95.0
	SafeFloor      = 85.0
	CautionFloor   = 70.0
	HighRiskFloor  = 55.0
)

// TierForProbability maps a probability-within percentage onto its band.
func TierForProbability(p float64) RiskTier {
	switch {
	case p >= UltraSafeFloor:
		return TierUltraSafe
	case p >= SafeFloor:
		return TierSafe
	case p >= CautionFloor:
		return TierCaution
	case p >= HighRiskFloor:
		return TierHighRisk
	default:
		return TierDanger
	}
}

// Degrade returns the next band toward danger. Used when a position's
// sign-normalized buffer has gone negative.
func (t RiskTier) Degrade() RiskTier {
	switch t {
	case TierUltraSafe:
		return TierSafe
	case TierSafe:
		return TierCaution
	case TierCaution:
		return TierHighRisk
	case TierHighRisk, TierDanger:
		return TierDanger
	}
	return t
}
