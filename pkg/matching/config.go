package matching

import (
	"fmt"

	"github.com/Ramsey-B/fern/pkg/similarity"
)

// Weights are the per-component contributions to the heuristic score.
type Weights struct {
	Name       float64 `json:"name"`
	Email      float64 `json:"email"`
	Phone      float64 `json:"phone"`
	Address    float64 `json:"address"`
	DOB        float64 `json:"dob"`
	SameDomain float64 `json:"same_domain"`
	CosEmb     float64 `json:"cos_emb"`
	Gender     float64 `json:"gender"`
}

func (w Weights) Sum() float64 {
	return w.Name + w.Email + w.Phone + w.Address + w.DOB + w.SameDomain + w.CosEmb + w.Gender
}

func (w Weights) asMap() map[string]float64 {
	return map[string]float64{
		"name":        w.Name,
		"email":       w.Email,
		"phone":       w.Phone,
		"address":     w.Address,
		"dob":         w.DOB,
		"same_domain": w.SameDomain,
		"cos_emb":     w.CosEmb,
		"gender":      w.Gender,
	}
}

// Config contains the decision thresholds and scoring weights
type Config struct {
	LinkThreshold    float64 // score >= LinkThreshold is a match (default: 0.85)
	ReviewThreshold  float64 // score >= ReviewThreshold is a review (default: 0.70)
	SynergyBonus     float64 // added when domains agree and names are close (default: 0.02)
	SynergyNameMin   float64 // name similarity needed for the bonus (default: 0.90)
	PhoneMatchDigits int     // trailing digits compared by the phone component (default: 4)
	Workers          int     // scoring goroutines, GOMAXPROCS when <= 0
	ModelVersion     string
	Weights          Weights
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		LinkThreshold:    0.85,
		ReviewThreshold:  0.70,
		SynergyBonus:     0.02,
		SynergyNameMin:   0.90,
		PhoneMatchDigits: similarity.DefaultPhoneDigits,
		ModelVersion:     "heuristic-v1",
		Weights: Weights{
			Name:       0.28,
			Email:      0.24,
			Phone:      0.10,
			Address:    0.14,
			DOB:        0.12,
			SameDomain: 0.02,
			CosEmb:     0.08,
			Gender:     0.02,
		},
	}
}

// Validate rejects configurations that cannot produce scores in [0,1].
func (c Config) Validate() error {
	if c.ReviewThreshold < 0 || c.LinkThreshold > 1 || c.ReviewThreshold > c.LinkThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= review (%.4f) <= link (%.4f) <= 1", c.ReviewThreshold, c.LinkThreshold)
	}
	for name, w := range c.Weights.asMap() {
		if w < 0 {
			return fmt.Errorf("weight %s must not be negative, got %.4f", name, w)
		}
	}
	// small epsilon: the defaults are written as decimals that do not sum exactly
	if sum := c.Weights.Sum(); sum > 1+1e-9 {
		return fmt.Errorf("weights must sum to at most 1, got %.4f", sum)
	}
	if c.SynergyBonus < 0 || c.SynergyBonus > 1 {
		return fmt.Errorf("synergy bonus must be in [0,1], got %.4f", c.SynergyBonus)
	}
	if c.SynergyNameMin < 0 || c.SynergyNameMin > 1 {
		return fmt.Errorf("synergy name minimum must be in [0,1], got %.4f", c.SynergyNameMin)
	}
	if c.PhoneMatchDigits <= 0 {
		return fmt.Errorf("phone match digits must be positive, got %d", c.PhoneMatchDigits)
	}
	return nil
}
