package validator

import "fmt"

// Severity ranks a finding. Ordering matters: higher values dominate when
// two findings are compared.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one issue a validation tier raised against an update. The set
// of implementations is closed; consumers can type switch exhaustively.
type Finding interface {
	Severity() Severity
	Describe() string

	finding()
}

type (
	// FormatFinding flags a structurally unusable update.
	FormatFinding struct {
		Reason string
	}

	// RangeFinding flags a price outside the plausible band.
	RangeFinding struct {
		Price float64
		Min   float64
		Max   float64
	}

	// StaleFinding flags an update older than the freshness bounds.
	StaleFinding struct {
		AgeMs    int64
		MaxAgeMs int64
	}

	// OutlierFinding flags a price that disagrees with its own history,
	// either by z-score or by deviation from the recent mean.
	OutlierFinding struct {
		ZScore    float64
		Deviation float64
		Threshold float64
	}

	// CrossSourceFinding flags a price that disagrees with what other
	// sources reported around the same time.
	CrossSourceFinding struct {
		Deviation float64
		Peers     int
	}

	// ConsensusFinding flags a price drifting from the last consensus.
	ConsensusFinding struct {
		Deviation float64
	}
)

func (f FormatFinding) Severity() Severity { return SeverityCritical }
func (f FormatFinding) Describe() string   { return "format: " + f.Reason }
func (f FormatFinding) finding()           {}

func (f RangeFinding) Severity() Severity {
	if f.Price <= 0 {
		return SeverityCritical
	}
	return SeverityHigh
}

func (f RangeFinding) Describe() string {
	return fmt.Sprintf("range: price %g outside [%g, %g]", f.Price, f.Min, f.Max)
}
func (f RangeFinding) finding() {}

// Severity is critical once the age reaches the maximum; anything younger
// inside the warning band is low.
func (f StaleFinding) Severity() Severity {
	if f.AgeMs >= f.MaxAgeMs {
		return SeverityCritical
	}
	return SeverityLow
}

func (f StaleFinding) Describe() string {
	return fmt.Sprintf("staleness: age %dms against max %dms", f.AgeMs, f.MaxAgeMs)
}
func (f StaleFinding) finding() {}

func (f OutlierFinding) Severity() Severity {
	if f.Deviation > 2*f.Threshold {
		return SeverityHigh
	}
	return SeverityMedium
}

func (f OutlierFinding) Describe() string {
	return fmt.Sprintf("outlier: z %.2f deviation %.4f threshold %.4f", f.ZScore, f.Deviation, f.Threshold)
}
func (f OutlierFinding) finding() {}

func (f CrossSourceFinding) Severity() Severity {
	if f.Deviation > crossSourceHighDeviation {
		return SeverityHigh
	}
	return SeverityMedium
}

func (f CrossSourceFinding) Describe() string {
	return fmt.Sprintf("cross source: deviation %.4f against %d peers", f.Deviation, f.Peers)
}
func (f CrossSourceFinding) finding() {}

func (f ConsensusFinding) Severity() Severity {
	if f.Deviation > consensusHighDeviation {
		return SeverityHigh
	}
	return SeverityMedium
}

func (f ConsensusFinding) Describe() string {
	return fmt.Sprintf("consensus: deviation %.4f from last consensus", f.Deviation)
}
func (f ConsensusFinding) finding() {}

// penalty returns the multiplicative confidence penalty for one severity.
func (s Severity) penalty() float64 {
	switch s {
	case SeverityCritical:
		return 0.1
	case SeverityHigh:
		return 0.5
	case SeverityMedium:
		return 0.8
	default:
		return 0.95
	}
}
