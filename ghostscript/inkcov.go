// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package ghostscript

import (
	"strconv"
	"strings"
)

// combineStreams merges the inkcov stdout and stderr streams. Depending
// on the Ghostscript build the coverage table lands on either stream.
func combineStreams(stdout, stderr string) string {
	switch {
	case strings.TrimSpace(stderr) == "":
		return stdout
	case strings.TrimSpace(stdout) == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}

// parseInkcovProfiles extracts one ColorProfile per parsable line,
// numbering pages sequentially from 1 and stopping once pageCount
// profiles have been collected.
func parseInkcovProfiles(output string, pageCount int64) []ColorProfile {
	profiles := []ColorProfile{}
	for _, line := range strings.Split(output, "\n") {
		c, m, y, k, inkType, ok := parseInkcovLine(strings.TrimSuffix(line, "\r"))
		if !ok {
			continue
		}
		page := int64(len(profiles)) + 1
		if page > pageCount {
			break
		}
		profiles = append(profiles, ColorProfile{
			Page: page, C: c, M: m, Y: y, K: k, InkType: inkType,
		})
	}
	return profiles
}

// parseInkcovLine looks for four consecutive numeric tokens in the
// line. The last such window wins, so leading page indices or other
// counters are skipped; everything after the window becomes the ink
// type.
func parseInkcovLine(line string) (c, m, y, k float64, inkType string, ok bool) {
	tokens := strings.Fields(line)
	if len(tokens) < 4 {
		return 0, 0, 0, 0, "", false
	}

	matched := -1
	for i := 0; i+4 <= len(tokens); i++ {
		ci, ok1 := parseFloatToken(tokens[i])
		mi, ok2 := parseFloatToken(tokens[i+1])
		yi, ok3 := parseFloatToken(tokens[i+2])
		ki, ok4 := parseFloatToken(tokens[i+3])
		if ok1 && ok2 && ok3 && ok4 {
			matched, c, m, y, k = i, ci, mi, yi, ki
		}
	}
	if matched < 0 {
		return 0, 0, 0, 0, "", false
	}
	if matched+4 < len(tokens) {
		inkType = strings.Join(tokens[matched+4:], " ")
	}
	return c, m, y, k, inkType, true
}

// parseFloatToken parses a coverage value. Some Ghostscript builds emit
// comma decimal separators; those are accepted only when the token
// carries no dot.
func parseFloatToken(token string) (float64, bool) {
	if value, err := strconv.ParseFloat(token, 64); err == nil {
		return value, true
	}
	if strings.Contains(token, ",") && !strings.Contains(token, ".") {
		if value, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", "."), 64); err == nil {
			return value, true
		}
	}
	return 0, false
}

// normalizeProfiles forces the profile list to exactly pageCount
// entries: extras are dropped, pages are renumbered from 1, and missing
// pages are padded with zero coverage.
func normalizeProfiles(profiles []ColorProfile, pageCount int64) []ColorProfile {
	expected := int(pageCount)
	if expected < 0 {
		expected = 0
	}
	if len(profiles) > expected {
		profiles = profiles[:expected]
	}
	for i := range profiles {
		profiles[i].Page = int64(i) + 1
	}
	for len(profiles) < expected {
		profiles = append(profiles, ColorProfile{Page: int64(len(profiles)) + 1})
	}
	return profiles
}

func truncateSample(output string, limit int) string {
	runes := []rune(output)
	if len(runes) <= limit {
		return output
	}
	return string(runes[:limit])
}
