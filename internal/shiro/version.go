package shiro

import (
	"fmt"
	"strings"
)

// Version comparison compatible with apk-tools. A version is a sequence of
// dot-separated numeric segments, optionally followed by letter and suffix
// tokens (_alpha, _beta, _pre, _rc before release; _cvs, _svn, _git, _hg,
// _p after release, each with an optional numeric counter) and a trailing
// package revision (-rN).

const (
	tokenInvalid = iota - 1
	tokenDigitOrZero
	tokenDigit
	tokenLetter
	tokenSuffix
	tokenSuffixNo
	tokenRevisionNo
	tokenEnd
)

var preSuffixes = []string{"alpha", "beta", "pre", "rc"}
var postSuffixes = []string{"cvs", "svn", "git", "hg", "p"}

func isLowerByte(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigitByte(c byte) bool { return c >= '0' && c <= '9' }

// nextToken determines the upcoming token type without consuming its value.
// Separators ('.', '_', '-') are stripped from rest here.
func nextToken(previous int, rest string) (int, string) {
	next := tokenInvalid
	var char byte
	if len(rest) > 0 {
		char = rest[0]
	}

	switch {
	// Tokens which do not change rest
	case len(rest) == 0:
		next = tokenEnd
	case (previous == tokenDigit || previous == tokenDigitOrZero) && isLowerByte(char):
		next = tokenLetter
	case previous == tokenLetter && isDigitByte(char):
		next = tokenDigit
	case previous == tokenSuffix && isDigitByte(char):
		next = tokenSuffixNo

	// Tokens which remove the first character of rest
	default:
		switch {
		case char == '.':
			next = tokenDigitOrZero
		case char == '_':
			next = tokenSuffix
		case strings.HasPrefix(rest, "-r"):
			next = tokenRevisionNo
			rest = rest[1:]
		case char == '-':
			next = tokenInvalid
		}
		rest = rest[1:]
	}

	// A transition to a lower-ranked token is only valid for a handful of
	// backward moves (new numeric segment, chained suffixes, digit after
	// letter).
	if next < previous {
		if !((next == tokenDigitOrZero && previous == tokenDigit) ||
			(next == tokenSuffix && previous == tokenSuffixNo) ||
			(next == tokenDigit && previous == tokenLetter)) {
			next = tokenInvalid
		}
	}
	return next, rest
}

// parseSuffix cuts a suffix word off the front of rest and returns its rank:
// negative for pre-release suffixes, non-negative for post-release ones.
func parseSuffix(rest string) (string, int64, bool) {
	for i, suffix := range preSuffixes {
		if strings.HasPrefix(rest, suffix) {
			return rest[len(suffix):], int64(i - len(preSuffixes)), false
		}
	}
	for i, suffix := range postSuffixes {
		if strings.HasPrefix(rest, suffix) {
			return rest[len(suffix):], int64(i), false
		}
	}
	return rest, 0, true
}

// getToken consumes the value of the current token from rest and determines
// the following token type.
func getToken(previous int, rest string) (int, int64, string) {
	var value int64
	next := tokenInvalid
	invalidSuffix := false

	if len(rest) == 0 {
		return tokenEnd, 0, rest
	}

	switch {
	// Leading zeros sort before shorter segments ("0001" < "1")
	case previous == tokenDigitOrZero && rest[0] == '0':
		for len(rest) > 0 && rest[0] == '0' {
			rest = rest[1:]
			value--
		}
		next = tokenDigit

	case previous == tokenDigitOrZero || previous == tokenDigit ||
		previous == tokenSuffixNo || previous == tokenRevisionNo:
		for len(rest) > 0 && isDigitByte(rest[0]) {
			value = value*10 + int64(rest[0]-'0')
			rest = rest[1:]
		}

	case previous == tokenLetter:
		value = int64(rest[0])
		rest = rest[1:]

	case previous == tokenSuffix:
		rest, value, invalidSuffix = parseSuffix(rest)

	default:
		value = -1
	}

	if len(rest) == 0 {
		next = tokenEnd
	} else if next == tokenInvalid && !invalidSuffix {
		next, rest = nextToken(previous, rest)
	}

	return next, value, rest
}

// validVersion checks whether a version string conforms to the grammar.
func validVersion(version string) bool {
	current := tokenDigit
	rest := version
	for current != tokenEnd {
		current, _, rest = getToken(current, rest)
		if current == tokenInvalid {
			return false
		}
	}
	return true
}

// compareVersions compares two version strings.
// Returns -1 when a < b, 0 when equal, 1 when a > b.
func compareVersions(a, b string) int {
	return compareVersionsFuzzy(a, b, false)
}

// compareVersionsFuzzy is compareVersions with an option to treat versions
// that merely end in different token types as equal.
func compareVersionsFuzzy(a, b string, fuzzy bool) int {
	aToken, bToken := tokenDigit, tokenDigit
	var aValue, bValue int64
	aRest, bRest := a, b

	// Walk both strings one token at a time until one ends or the current
	// token differs in type or value
	for aToken == bToken && aToken != tokenEnd && aToken != tokenInvalid && aValue == bValue {
		aToken, aValue, aRest = getToken(aToken, aRest)
		bToken, bValue, bRest = getToken(bToken, bRest)
	}

	if aValue < bValue {
		return -1
	}
	if aValue > bValue {
		return 1
	}

	if aToken == bToken || fuzzy {
		return 0
	}

	// Leading components are equal; the non-terminating version is greater
	// unless its next token is a pre-release suffix
	if aToken == tokenSuffix {
		if _, aValue, _ = getToken(aToken, aRest); aValue < 0 {
			return -1
		}
	}
	if bToken == tokenSuffix {
		if _, bValue, _ = getToken(bToken, bRest); bValue < 0 {
			return 1
		}
	}

	if aToken > bToken {
		return -1
	}
	if aToken < bToken {
		return 1
	}
	return 0
}

// checkVersionRule compares a version against a constraint like ">=1.2.0"
// or "<5.2.0".
func checkVersionRule(version, rule string) (bool, error) {
	operators := []struct {
		op      string
		results []int
	}{
		{">=", []int{1, 0}},
		{"<", []int{-1}},
	}

	for _, o := range operators {
		if !strings.HasPrefix(rule, o.op) {
			continue
		}
		result := compareVersions(version, rule[len(o.op):])
		for _, want := range o.results {
			if result == want {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("could not find operator in version rule '%s'", rule)
}
