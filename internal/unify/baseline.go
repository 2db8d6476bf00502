package unify

import (
	"strings"
	"time"

	"homepulse/core-go/internal/device"
)

// Baseline is the structural health score of a device before any metrics
// have been observed.
func Baseline(d device.Device, now time.Time) float64 {
	score := 100.0
	if d.Disabled {
		score -= 20
	}
	if n := len(d.Entities); n > 0 {
		disabled := 0
		for _, e := range d.Entities {
			if e.Disabled {
				disabled++
			}
		}
		score -= float64(disabled) * 30 / float64(n)
	}
	if d.LastSeen != nil {
		age := now.Sub(*d.LastSeen)
		switch {
		case age <= 24*time.Hour:
		case age <= 72*time.Hour:
			score -= 10
		case age <= 7*24*time.Hour:
			score -= 20
		default:
			score -= 30
		}
	}
	if strings.TrimSpace(d.Manufacturer) == "" {
		score -= 10
	}
	if strings.TrimSpace(d.Model) == "" {
		score -= 10
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
