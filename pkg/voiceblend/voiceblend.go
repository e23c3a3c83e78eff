// Package voiceblend parses and serializes the compact voice-blend
// grammar understood by Kokoro-compatible synthesis backends.
//
// A blend is a '+'-separated sequence of terms, each either a bare
// voice name or name(weight) with a positive decimal weight:
//
//	af_bella
//	af_bella(2)+af_sky(1)
//	af_nicole(0.5)+am_adam(1.5)
//
// A bare name carries an implicit weight of 1. Component order is
// preserved through parsing and re-serialization because backends may
// interpret it when mixing. Names are not checked against any voice
// catalog here; catalog validity is owned by the backend and verified
// at synthesis time.
package voiceblend

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SyntaxHelp documents the blend grammar for tool callers that discover
// capabilities at runtime.
const SyntaxHelp = "Blend voices using syntax: 'voice1(weight1)+voice2(weight2)'. " +
	"Example: 'af_bella(2)+af_sky(1)' creates a voice that is " +
	"2 parts af_bella and 1 part af_sky."

// ErrorKind classifies blend-string parse failures.
type ErrorKind string

const (
	// KindMalformed covers structural rejections: empty input, empty
	// terms, missing names, unterminated or non-positive weights.
	KindMalformed ErrorKind = "malformed"
	// KindDuplicateVoice marks a voice name appearing more than once in
	// a single blend, which would make the mixing ratio ambiguous.
	KindDuplicateVoice ErrorKind = "duplicate_voice"
)

// ParseError reports why a blend string was rejected. Callers branch on
// Kind; Detail is human-readable.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("voiceblend: %s: %s", e.Kind, e.Detail)
}

// Component is one weighted voice within a blend.
type Component struct {
	Name   string
	Weight float64
}

// Spec is an ordered, non-empty voice blend. The zero value is not a
// valid Spec; obtain one from [Parse].
type Spec []Component

// Parse converts a raw blend string into a [Spec]. Failures are always
// of type [*ParseError].
func Parse(raw string) (Spec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Kind: KindMalformed, Detail: "empty voice specification"}
	}

	// Splitting on '+' happens before term parsing, so weights can never
	// carry an explicit sign.
	terms := strings.Split(trimmed, "+")
	spec := make(Spec, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))

	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, &ParseError{Kind: KindMalformed, Detail: "empty term in blend"}
		}
		comp, err := parseTerm(term)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[comp.Name]; dup {
			return nil, &ParseError{
				Kind:   KindDuplicateVoice,
				Detail: fmt.Sprintf("voice %q appears more than once", comp.Name),
			}
		}
		seen[comp.Name] = struct{}{}
		spec = append(spec, comp)
	}
	return spec, nil
}

// parseTerm parses a single blend term: either "name" or "name(weight)".
func parseTerm(term string) (Component, error) {
	open := strings.IndexByte(term, '(')
	if open < 0 {
		if strings.IndexByte(term, ')') >= 0 {
			return Component{}, &ParseError{
				Kind:   KindMalformed,
				Detail: fmt.Sprintf("term %q has ')' without '('", term),
			}
		}
		return Component{Name: term, Weight: 1}, nil
	}

	name := strings.TrimSpace(term[:open])
	if name == "" {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has a weight but no voice name", term),
		}
	}

	rest := term[open+1:]
	closing := strings.IndexByte(rest, ')')
	if closing < 0 {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has an unterminated weight", term),
		}
	}
	if tail := strings.TrimSpace(rest[closing+1:]); tail != "" {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has trailing input after ')'", term),
		}
	}

	weightStr := strings.TrimSpace(rest[:closing])
	if weightStr == "" {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has an empty weight", term),
		}
	}
	weight, err := strconv.ParseFloat(weightStr, 64)
	if err != nil {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has a non-numeric weight", term),
		}
	}
	// ParseFloat accepts "NaN" and "Inf" spellings, so check explicitly.
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return Component{}, &ParseError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("term %q has a non-positive weight", term),
		}
	}
	return Component{Name: name, Weight: weight}, nil
}

// String serializes the spec back into the backend wire syntax. A
// single component with weight 1 renders as the bare voice name.
func (s Spec) String() string {
	if len(s) == 1 && s[0].Weight == 1 {
		return s[0].Name
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 {
			b.WriteByte('+')
		}
		b.WriteString(c.Name)
		b.WriteByte('(')
		b.WriteString(strconv.FormatFloat(c.Weight, 'g', -1, 64))
		b.WriteByte(')')
	}
	return b.String()
}

// Names returns the component voice names in blend order.
func (s Spec) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}
