// Package trust derives a composite 0-100 trust score per user from a
// row of behavioral signals. The score is recomputed in batches, never
// synchronously on read, and its simplified 0-1 mirror feeds the
// reconciliation sweeps' timing decisions.
package trust

import (
	"errors"
	"math"
	"time"
)

var (
	ErrSnapshotNotFound = errors.New("trust snapshot not found")
	ErrSignalsNotFound  = errors.New("trust signals not found")
)

// Tier is the account verification tier.
type Tier string

const (
	TierNone   Tier = "none"
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Band buckets the composite score.
type Band string

const (
	BandExcellent  Band = "excellent"  // >= 80
	BandGood       Band = "good"       // >= 60
	BandWatch      Band = "watch"      // >= 40
	BandRestricted Band = "restricted" // below 40
)

// BandFor returns the band for a composite score.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandExcellent
	case score >= 60:
		return BandGood
	case score >= 40:
		return BandWatch
	default:
		return BandRestricted
	}
}

// Signals is one user's raw trust inputs.
type Signals struct {
	UserID        string     `json:"userId"`
	IDVerified    bool       `json:"idVerified"`
	Tier          Tier       `json:"tier"`
	PhoneVerified bool       `json:"phoneVerified"`
	HasLocation   bool       `json:"hasLocation"`
	CompletedJobs int        `json:"completedJobs"`
	NoShows       int        `json:"noShows"`
	Cancellations int        `json:"cancellations"`
	RatingAvg     float64    `json:"ratingAvg"` // 0-5
	RatingCount   int        `json:"ratingCount"`
	PolicyFlags   int        `json:"policyFlags"` // phone-leak / off-platform events
	LastActiveAt  *time.Time `json:"lastActiveAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Components is the weighted sub-score breakdown. Each value is already
// scaled to its weight; the composite is their sum.
type Components struct {
	Identity       float64 `json:"identity"`       // of 20
	Reliability    float64 `json:"reliability"`    // of 25
	Quality        float64 `json:"quality"`        // of 25
	Integrity      float64 `json:"integrity"`      // of 15
	Responsiveness float64 `json:"responsiveness"` // of 10
	Tenure         float64 `json:"tenure"`         // of 5
}

// Snapshot is a persisted trust computation for one user.
type Snapshot struct {
	UserID      string     `json:"userId"`
	Score       float64    `json:"score"` // 0-100
	Band        Band       `json:"band"`
	SimpleScore float64    `json:"simpleScore"` // 0-1 mirror for reconciliation
	Tier        Tier       `json:"tier"`
	Components  Components `json:"components"`
	ComputedAt  time.Time  `json:"computedAt"`
}

// HighTrust reports whether the snapshot qualifies for shortened
// reconciliation thresholds: simple score at least 0.8 on a silver or
// gold tier account.
func (s *Snapshot) HighTrust() bool {
	if s == nil {
		return false
	}
	return s.SimpleScore >= 0.8 && (s.Tier == TierSilver || s.Tier == TierGold)
}

// Compute is the pure scoring function: signals in, snapshot out.
func Compute(sig Signals, now time.Time) Snapshot {
	c := Components{
		Identity:       identityScore(sig),
		Reliability:    reliabilityScore(sig),
		Quality:        qualityScore(sig),
		Integrity:      integrityScore(sig),
		Responsiveness: responsivenessScore(sig, now),
		Tenure:         tenureScore(sig, now),
	}
	score := c.Identity + c.Reliability + c.Quality + c.Integrity + c.Responsiveness + c.Tenure
	score = clamp(score, 0, 100)

	return Snapshot{
		UserID:      sig.UserID,
		Score:       round1(score),
		Band:        BandFor(score),
		SimpleScore: round3(score / 100),
		Tier:        sig.Tier,
		Components:  c,
		ComputedAt:  now,
	}
}

// identityScore: ID verification 8, tier up to 6, phone 4, location 2.
func identityScore(sig Signals) float64 {
	var score float64
	if sig.IDVerified {
		score += 8
	}
	switch sig.Tier {
	case TierBronze:
		score += 2
	case TierSilver:
		score += 4
	case TierGold:
		score += 6
	}
	if sig.PhoneVerified {
		score += 4
	}
	if sig.HasLocation {
		score += 2
	}
	return score
}

// reliabilityScore: sigmoid of completions with heavy no-show and
// cancellation penalties. Zero history scores zero, not half marks.
func reliabilityScore(sig Signals) float64 {
	effective := float64(sig.CompletedJobs) - 3*float64(sig.NoShows) - 2*float64(sig.Cancellations)
	s := 1 / (1 + math.Exp(-effective/5))
	return clamp(25*(2*s-1), 0, 25)
}

// qualityScore: rating-derived with a floor so users without a rating
// history aren't zeroed out.
func qualityScore(sig Signals) float64 {
	const newUserFloor = 10
	if sig.RatingCount == 0 {
		return newUserFloor
	}
	score := 25 * sig.RatingAvg / 5
	if sig.RatingCount < 3 && score < newUserFloor {
		score = newUserFloor
	}
	return clamp(score, 0, 25)
}

// integrityScore: starts full, 5 off per policy event.
func integrityScore(sig Signals) float64 {
	return clamp(15-5*float64(sig.PolicyFlags), 0, 15)
}

// responsivenessScore decays with days since last activity, halving
// roughly every ten days.
func responsivenessScore(sig Signals, now time.Time) float64 {
	if sig.LastActiveAt == nil {
		return 0
	}
	days := now.Sub(*sig.LastActiveAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp(10*math.Exp(-days/14), 0, 10)
}

// tenureScore: step function of account age.
func tenureScore(sig Signals, now time.Time) float64 {
	age := now.Sub(sig.CreatedAt)
	switch {
	case age >= 2*365*24*time.Hour:
		return 5
	case age >= 365*24*time.Hour:
		return 4
	case age >= 182*24*time.Hour:
		return 3
	case age >= 91*24*time.Hour:
		return 2
	case age >= 30*24*time.Hour:
		return 1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
