package naming

import (
	"strings"
)

// Source identifies where a device name candidate came from.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceBridge   Source = "bridge"
	SourceModel    Source = "model"
)

// minScore is the quality bar a candidate must reach to be used.
const minScore = 30

type Candidate struct {
	Name   string
	Source Source
}

type normalizedCandidate struct {
	Source  Source
	Display string
	Score   int
}

// Normalize cleans a raw name and scores it. ok is false for names that
// should never be shown.
func Normalize(source Source, raw string) (display string, score int, ok bool) {
	display = strings.Join(strings.Fields(raw), " ")
	if display == "" {
		return "", 0, false
	}
	// Bridge names may carry a topic hierarchy ("kitchen/ceiling").
	if source == SourceBridge {
		if i := strings.LastIndex(display, "/"); i >= 0 && i < len(display)-1 {
			display = strings.TrimSpace(display[i+1:])
		}
		display = strings.ReplaceAll(display, "_", " ")
	}

	s := scoreCandidate(source, display)
	if s < 0 {
		return display, s, false
	}
	return display, s, true
}

// Choose returns the best display name among candidates.
func Choose(candidates []Candidate) (string, bool) {
	best := normalizedCandidate{Score: -1_000_000}

	for _, c := range candidates {
		display, score, ok := Normalize(c.Source, c.Name)
		if !ok || score < minScore {
			continue
		}
		next := normalizedCandidate{Source: c.Source, Display: display, Score: score}
		if betterCandidate(next, best) {
			best = next
		}
	}

	if best.Score < minScore {
		return "", false
	}
	return best.Display, true
}

func betterCandidate(a, b normalizedCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if len(a.Display) != len(b.Display) {
		return len(a.Display) < len(b.Display)
	}
	return a.Display < b.Display
}

func scoreCandidate(source Source, display string) int {
	if looksGarbage(strings.ToLower(display)) {
		return -1
	}

	base := 20
	switch source {
	case SourceRegistry:
		base = 90
	case SourceBridge:
		base = 80
	case SourceModel:
		base = 40
	}

	if len(display) < 2 {
		base -= 50
	}
	// Bridges default the friendly name to a hex address.
	if looksHexAddress(display) {
		base -= 60
	}
	return base
}

func looksHexAddress(value string) bool {
	v := strings.ToLower(value)
	if !strings.HasPrefix(v, "0x") || len(v) < 6 {
		return false
	}
	for _, r := range v[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

func looksGarbage(normalized string) bool {
	switch normalized {
	case "", "unknown", "none", "null", "unnamed", "unnamed device":
		return true
	}
	return false
}
