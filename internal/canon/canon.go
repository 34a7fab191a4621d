// Package canon normalizes captured command output into a stable form and
// fingerprints it, so re-runs of the same action collapse to one identity
// regardless of volatile numeric data (addresses, counters, timings).
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	// CSI sequences plus OSC titles. Covers what interactive tools emit.
	ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

	// Dotted quad not followed by a prefix length. CIDR ranges stay
	// intact: they name scan scope, not volatile per-run data.
	ipv4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b(?:/\d{1,2})?`)

	// Digit runs of 4+ that are not a port/proto token or a CVE id.
	digitRunRe = regexp.MustCompile(`(?:CVE-\d{4}-\d{4,})|\d{4,}(?:/(?:tcp|udp))?`)

	hspaceRe     = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Canonicalize normalizes a command and its output and returns the content
// fingerprint over both. It is total: empty input yields a deterministic
// degenerate fingerprint.
func Canonicalize(command, output string) (canonCmd, canonOut, fingerprint string) {
	canonCmd = strings.TrimSpace(command)
	canonOut = Output(output)
	return canonCmd, canonOut, Fingerprint(canonCmd, canonOut)
}

// Output applies the output normalization rules: ANSI escapes stripped,
// IPv4 addresses masked, long digit runs masked, whitespace collapsed.
func Output(output string) string {
	s := ansiRe.ReplaceAllString(output, "")
	s = ipv4Re.ReplaceAllStringFunc(s, maskAddr)
	s = digitRunRe.ReplaceAllStringFunc(s, maskDigits)
	s = hspaceRe.ReplaceAllString(s, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Fingerprint is a deterministic digest over the canonical command and
// output only. Session and timestamp never contribute.
func Fingerprint(canonCmd, canonOut string) string {
	h := sha256.New()
	h.Write([]byte(canonCmd))
	h.Write([]byte{0})
	h.Write([]byte(canonOut))
	return hex.EncodeToString(h.Sum(nil))
}

func maskAddr(m string) string {
	if strings.Contains(m, "/") {
		return m
	}
	return "<ip>"
}

func maskDigits(m string) string {
	if strings.HasSuffix(m, "/tcp") || strings.HasSuffix(m, "/udp") || strings.HasPrefix(m, "CVE-") {
		return m
	}
	return "<n>"
}
