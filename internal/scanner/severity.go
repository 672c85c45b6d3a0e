package scanner

import (
	"math"
	"strconv"
)

// maxSeverity keeps CVSS-derived severities inside [0, 1).
const maxSeverity = 0.999

// severityFromCVSS maps a 0-10 CVSS score onto [0, 0.999] as
// min(0.999, round(cvss/10*0.99, 3)).
func severityFromCVSS(cvss float64) float64 {
	if math.IsNaN(cvss) || cvss < 0 {
		cvss = 0
	}
	return math.Min(maxSeverity, round3(cvss/10*0.99))
}

// round3 rounds half-to-even on the exact binary value, so 0.7425 (stored
// just below) becomes 0.742.
func round3(x float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 3, 64), 64)
	return r
}
