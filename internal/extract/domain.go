package extract

import (
	"regexp"
	"strings"
)

// Candidate host strings come out of free-form tool output, so the
// validator has to reject the things that merely look like hostnames:
// file names, git config keys, version numbers, package identifiers.

// nonHostSuffixes are file-extension endings that disqualify a candidate.
var nonHostSuffixes = []string{
	".txt", ".log", ".json", ".xml", ".html", ".js", ".css", ".py", ".sh",
	".md", ".rst", ".yaml", ".yml", ".toml", ".ini", ".conf", ".cfg",
	".jpg", ".png", ".gif", ".svg", ".ico", ".pdf", ".zip", ".tar", ".gz",
	".exe", ".dll", ".so", ".dylib", ".bin", ".dat", ".db", ".sql",
	".c", ".cpp", ".h", ".java", ".go", ".rs", ".rb", ".php", ".pl",
	".egg", ".whl", ".pyc", ".pyo", ".class", ".jar", ".war",
	".bak", ".tmp", ".swp", ".lock", ".cache", ".old", ".orig",
}

// gitConfigKeys are dotted git configuration keys that match the domain
// shape exactly.
var gitConfigKeys = map[string]struct{}{
	"user.name": {}, "user.email": {}, "core.editor": {}, "credential.helper": {},
	"remote.origin": {}, "branch.main": {}, "branch.master": {}, "init.defaultbranch": {},
	"core.autocrlf": {}, "core.filemode": {}, "merge.tool": {}, "diff.tool": {},
	"pull.rebase": {}, "push.default": {}, "color.ui": {},
}

// knownTLDs whitelists common top-level labels plus the lab-style ones
// seen on pentest and CTF targets.
var knownTLDs = map[string]struct{}{
	"com": {}, "org": {}, "net": {}, "edu": {}, "gov": {}, "mil": {}, "int": {},
	"io": {}, "co": {}, "us": {}, "uk": {}, "de": {}, "fr": {}, "jp": {}, "cn": {},
	"au": {}, "ca": {}, "local": {}, "localhost": {}, "lan": {}, "htb": {},
	"thm": {}, "ctf": {}, "box": {}, "app": {}, "dev": {}, "test": {},
	"example": {}, "invalid": {}, "xyz": {}, "tech": {}, "online": {}, "site": {},
	"website": {}, "space": {}, "ru": {}, "br": {}, "in": {}, "nl": {}, "ch": {},
	"se": {}, "no": {}, "dk": {}, "fi": {},
}

var labelRe = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// IsValidHost reports whether a candidate string is plausibly a hostname
// rather than a file name, config key, or version number.
func IsValidHost(candidate string) bool {
	if len(candidate) < 4 || len(candidate) > 253 {
		return false
	}
	lower := strings.ToLower(candidate)

	for _, suffix := range nonHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	if _, ok := gitConfigKeys[lower]; ok {
		return false
	}
	for _, pat := range []string{"config.", "settings.", "package."} {
		if strings.Contains(lower, pat) {
			return false
		}
	}

	labels := strings.Split(candidate, ".")
	if len(labels) < 2 {
		return false
	}

	tld := labels[len(labels)-1]
	if len(tld) < 2 || !isAlpha(tld) {
		return false
	}
	if _, ok := knownTLDs[strings.ToLower(tld)]; !ok {
		// Unknown top-level label: require at least three labels
		// (api.custom.tld) before trusting it.
		if len(labels) < 3 {
			return false
		}
	}

	allShortOrNumeric := true
	for _, label := range labels[:len(labels)-1] {
		if label == "" || len(label) > 63 {
			return false
		}
		if !labelRe.MatchString(label) {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		if !isDigits(strings.ReplaceAll(label, "-", "")) && len(label) > 2 {
			allShortOrNumeric = false
		}
	}
	// Version-number shapes: every leading label numeric or trivially
	// short ("1.2.3", "v1.2.x").
	if allShortOrNumeric {
		return false
	}

	return true
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) > 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
