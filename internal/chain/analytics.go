package chain

import "chainview/internal/models"

// Compute derives analytics from one snapshot. It is a pure function:
// the same snapshot always yields the same result. An empty chain
// yields zero volumes and a PCR of 0; both ratios are defined as 0
// when their denominator is 0.
func Compute(snap models.ChainSnapshot) models.Analytics {
	var a models.Analytics

	for _, row := range snap.Rows {
		a.CallVolume += row.Call.Volume
		a.PutVolume += row.Put.Volume
		a.CallOI += row.Call.OI
		a.PutOI += row.Put.OI
		a.TotalSpread += row.Call.Spread + row.Put.Spread
	}

	a.TotalVolume = a.CallVolume + a.PutVolume
	if a.CallVolume > 0 {
		a.PCR = float64(a.PutVolume) / float64(a.CallVolume)
	}
	if a.CallOI > 0 {
		a.PCROI = float64(a.PutOI) / float64(a.CallOI)
	}

	return a
}
