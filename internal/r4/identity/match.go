package identity

import "strings"

// nameMatchThreshold is the Jaro-Winkler similarity above which two surnames
// are treated as the same demographic signal.
const nameMatchThreshold = 0.92

// normalizePhone strips everything but digits so "07700 900123" and
// "+44 7700 900123" compare on their tails.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// phoneLast4Equal compares the last four digits of two phone numbers, the
// only stable part across legacy formatting and country-code drift.
func phoneLast4Equal(a, b string) bool {
	a, b = normalizePhone(a), normalizePhone(b)
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return a[len(a)-4:] == b[len(b)-4:]
}

// normalizePostcode uppercases and removes whitespace.
func normalizePostcode(pc string) string {
	return strings.ToUpper(strings.Join(strings.Fields(pc), ""))
}

// jaroWinklerSimilarity computes the Jaro-Winkler similarity between two
// strings (case-insensitive). Returns a value between 0.0 and 1.0.
func jaroWinklerSimilarity(s1, s2 string) float64 {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)

	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}

	if s1 == s2 {
		return 1.0
	}

	s1Len := len(s1)
	s2Len := len(s2)

	maxDist := s1Len
	if s2Len > maxDist {
		maxDist = s2Len
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	s1Matches := make([]bool, s1Len)
	s2Matches := make([]bool, s2Len)

	matches := 0
	transpositions := 0

	for i := 0; i < s1Len; i++ {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > s2Len {
			end = s2Len
		}

		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	k := 0
	for i := 0; i < s1Len; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	jaro := (float64(matches)/float64(s1Len) +
		float64(matches)/float64(s2Len) +
		float64(matches-transpositions/2)/float64(matches)) / 3.0

	// Winkler adjustment: boost for common prefix (up to 4 chars).
	prefixLen := 0
	maxPrefix := 4
	if s1Len < maxPrefix {
		maxPrefix = s1Len
	}
	if s2Len < maxPrefix {
		maxPrefix = s2Len
	}
	for i := 0; i < maxPrefix; i++ {
		if s1[i] == s2[i] {
			prefixLen++
		} else {
			break
		}
	}

	return jaro + float64(prefixLen)*0.1*(1.0-jaro)
}
