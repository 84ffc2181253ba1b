package model

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const answerTolerance = 1e-6

// AnswersMatch compares a participant's answer with the expected one.
// Numeric answers (integers, decimals, fractions like "3/4", percentages) match within a small
// relative tolerance; anything else is compared after Unicode normalization and case folding.
func AnswersMatch(given, expected string) bool {
	g := normalizeAnswer(given)
	e := normalizeAnswer(expected)
	if g == "" || e == "" {
		return false
	}
	gv, gok := parseNumber(g)
	ev, eok := parseNumber(e)
	if gok && eok {
		return math.Abs(gv-ev) <= answerTolerance*math.Max(1, math.Abs(ev))
	}
	return g == e
}

func normalizeAnswer(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSuffix(s, ".")
	return s
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, false
		}
		return v / 100, true
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
