// Package suggest proposes catalog voice names for user input that does
// not name a known voice, e.g. a typo ("af_bela") or a bare name part
// ("bella" for "af_bella").
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed
//     for each token of the input and of each known voice (tokens split
//     on underscores, which separate the accent/gender code from the
//     name). A voice whose codes overlap the input's becomes a
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the voice with
//     the highest similarity wins, provided it clears the phonetic
//     threshold. When no candidate overlaps phonetically, a fallback
//     pass accepts pure string similarity above a stricter fuzzy
//     threshold.
package suggest

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minPairwiseTokenLen keeps the two-letter accent/gender codes out
	// of the pairwise pass: "af" appears in dozens of catalog entries
	// and a perfect score on it would outrank the actual name part.
	minPairwiseTokenLen = 3
)

// Option is a functional option for configuring a [Suggester].
type Option func(*Suggester)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required
// for a phonetically-matched voice to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(s *Suggester) {
		s.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when
// no phonetic candidate exists and the suggester falls back to pure
// string similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(s *Suggester) {
		s.fuzzyThreshold = threshold
	}
}

// Suggester proposes voice names. Safe for concurrent use; it is
// read-only after construction.
type Suggester struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Suggester] with the supplied options applied.
func New(opts ...Option) *Suggester {
	s := &Suggester{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Suggest returns the known voice closest to input. When ok is false,
// name equals input unchanged and confidence is 0. Ties keep the first
// of the known voices, so a sorted catalog gives deterministic output.
func (s *Suggester) Suggest(input string, known []string) (name string, confidence float64, ok bool) {
	if len(known) == 0 || strings.TrimSpace(input) == "" {
		return input, 0, false
	}

	inputLower := strings.ToLower(strings.TrimSpace(input))
	inputTokens := tokenize(inputLower)
	inputCodes := codesForTokens(inputTokens)

	type candidate struct {
		voice    string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, voice := range known {
		voiceLower := strings.ToLower(strings.TrimSpace(voice))
		if voiceLower == "" {
			continue
		}
		voiceTokens := tokenize(voiceLower)

		voiceCodes := codesForTokens(voiceTokens)
		phoneticMatch := codesOverlap(inputCodes, voiceCodes)

		score := bestScore(inputTokens, voiceTokens, inputLower, voiceLower)

		if phoneticMatch {
			if score >= s.phoneticThreshold {
				if !best.phonetic || score > best.score {
					best = candidate{voice: voice, score: score, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if score >= s.fuzzyThreshold && score > best.score {
				best = candidate{voice: voice, score: score, phonetic: false}
			}
		}
	}

	if best.voice != "" {
		return best.voice, best.score, true
	}
	return input, 0, false
}

// tokenize splits a voice name into its parts. Underscores separate the
// accent/gender code from the name proper; spaces handle free-form
// input.
func tokenize(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == ' '
	})
}

// codesForTokens returns the union of all Double Metaphone codes for
// the given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestScore computes the highest Jaro-Winkler similarity between the
// input and a voice using three strategies: the full strings, the
// strings with separators stripped, and the best pairwise token score.
// The pairwise pass is what lets a bare name part ("bella") line up
// with its catalog entry ("af_bella").
func bestScore(inputTokens, voiceTokens []string, inputFull, voiceFull string) float64 {
	score := matchr.JaroWinkler(inputFull, voiceFull, false)

	if len(inputTokens) > 1 || len(voiceTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatVoice := strings.Join(voiceTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatVoice, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		if len(it) < minPairwiseTokenLen {
			continue
		}
		for _, vt := range voiceTokens {
			if len(vt) < minPairwiseTokenLen {
				continue
			}
			if s := matchr.JaroWinkler(it, vt, false); s > score {
				score = s
			}
		}
	}

	return score
}
