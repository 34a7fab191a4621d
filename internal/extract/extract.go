// Package extract scans canonicalized command activity for typed facts:
// hosts, ports, networks, services, vulnerabilities, web paths,
// credentials, and tools. Recognizers are a fixed, ordered table;
// anything that fails to match is skipped silently.
package extract

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/huntlog/huntlog/pkg/types"
)

// Finding is one extracted (type, canonical value) pair.
type Finding struct {
	Type  types.FactType
	Value string
}

var (
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re   = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){4,7}[0-9a-fA-F]{1,4}\b|\b(?:[0-9a-fA-F]{1,4}:)+:(?:[0-9a-fA-F]{1,4}:?)*\b`)
	domainRe = regexp.MustCompile(`\b(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}\b`)
	cidrRe   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}/\d{1,2}\b`)

	portLineRe    = regexp.MustCompile(`\b(\d+)/(tcp|udp)\b`)
	portServiceRe = regexp.MustCompile(`\b\d+/(?:tcp|udp)\s+open\s+(\S+)`)

	cveRe        = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)
	osvdbRe      = regexp.MustCompile(`\bOSVDB-\d+\b`)
	serverHdrRe  = regexp.MustCompile(`(?i)^server:\s*(\S+)`)
	ftpBannerRe  = regexp.MustCompile(`^220[ -].*\(([^)]+)\)`)
	osDetailRe   = regexp.MustCompile(`(?i)^(?:os details|running):\s*(.+)`)
	gobusterRe   = regexp.MustCompile(`(/\S+)\s+\(Status:\s*(\d+)\)`)
	urlPathRe    = regexp.MustCompile(`https?://[^\s/"']+(/[^\s"'<>]*)`)
	flagTokenRe  = regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9_]*\{[^{}\s]{1,100}\}`)
	credTokenRe  = regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9_.-]{1,31}):([A-Za-z0-9!@#$%^&*()_+=,.?-]{4,64})\b`)
	credHintRe   = regexp.MustCompile(`(?i)password|credential|creds|login`)
	vulnHintRe   = regexp.MustCompile(`(?i)\bvulnerable\b|\bexploit\b|\binjectable\b`)
	sqlmapVulnRe = regexp.MustCompile(`(?i)is vulnerable|parameter.*injectable`)
)

// knownTools are the recon/exploitation tools recognized from the first
// word of a command.
var knownTools = map[string]struct{}{
	"nmap": {}, "masscan": {}, "rustscan": {}, "gobuster": {}, "dirb": {},
	"dirbuster": {}, "ffuf": {}, "feroxbuster": {}, "nikto": {}, "wpscan": {},
	"whatweb": {}, "sqlmap": {}, "msfconsole": {}, "msfvenom": {}, "hydra": {},
	"medusa": {}, "john": {}, "hashcat": {}, "nc": {}, "netcat": {}, "ncat": {},
	"smbclient": {}, "smbmap": {}, "enum4linux": {}, "crackmapexec": {},
	"netexec": {}, "responder": {}, "impacket-secretsdump": {}, "searchsploit": {},
}

// Extract scans a canonical command and output and returns the facts they
// mention, deduplicated within the event. It never fails; worst case the
// result is empty.
func Extract(canonCmd, canonOut string) []Finding {
	text := canonCmd + "\n" + canonOut
	seen := make(map[Finding]struct{})
	var out []Finding
	add := func(t types.FactType, v string) {
		if v == "" {
			return
		}
		f := Finding{Type: t, Value: v}
		if _, dup := seen[f]; dup {
			return
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}

	extractHosts(text, add)
	extractNetworks(text, add)
	extractPorts(canonOut, add)
	extractServices(canonOut, add)
	extractVulnerabilities(canonCmd, canonOut, add)
	extractWebPaths(canonCmd, canonOut, add)
	extractCredentials(canonOut, add)
	extractTools(canonCmd, add)

	return out
}

func extractHosts(text string, add func(types.FactType, string)) {
	for _, m := range ipv4Re.FindAllString(text, -1) {
		if validIPv4(m) {
			add(types.FactHost, m)
		}
	}
	for _, m := range ipv6Re.FindAllString(text, -1) {
		addr, err := netip.ParseAddr(m)
		if err != nil || !addr.Is6() {
			continue
		}
		add(types.FactHost, addr.String())
	}
	for _, m := range domainRe.FindAllString(text, -1) {
		if IsValidHost(m) {
			add(types.FactHost, strings.ToLower(m))
		}
	}
}

// validIPv4 filters parse failures and dotted version numbers
// (1.2.3.4-style strings where every octet is a single digit run < 10).
func validIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return false
	}
	allSmall := true
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
		if n >= 10 {
			allSmall = false
		}
	}
	return !allSmall
}

func extractNetworks(text string, add func(types.FactType, string)) {
	for _, m := range cidrRe.FindAllString(text, -1) {
		if p, err := netip.ParsePrefix(m); err == nil {
			add(types.FactNetwork, p.String())
		}
	}
}

// extractPorts finds open-port lines in scanner output. Each line yields a
// single port fact whose value carries the service name when one is
// present ("22/ssh", "80/http").
func extractPorts(output string, add func(types.FactType, string)) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(strings.ToLower(line), "open") {
			continue
		}
		pm := portLineRe.FindStringSubmatch(line)
		if pm == nil {
			continue
		}
		service := "unknown"
		if sm := portServiceRe.FindStringSubmatch(line); sm != nil {
			service = strings.ToLower(sm[1])
		}
		add(types.FactPort, pm[1]+"/"+service)
	}
}

// extractServices picks up service identification that is not tied to a
// scanner port table: HTTP Server headers, FTP greeting banners, and
// scanner OS fingerprint lines.
func extractServices(output string, add func(types.FactType, string)) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := serverHdrRe.FindStringSubmatch(trimmed); m != nil {
			add(types.FactService, strings.ToLower(m[1]))
		}
		if m := ftpBannerRe.FindStringSubmatch(trimmed); m != nil {
			add(types.FactService, "ftp "+strings.ToLower(strings.TrimSpace(m[1])))
		}
		if m := osDetailRe.FindStringSubmatch(trimmed); m != nil {
			add(types.FactService, "os "+summarizeLine(m[1]))
		}
	}
}

func extractVulnerabilities(cmd, output string, add func(types.FactType, string)) {
	for _, m := range cveRe.FindAllString(output, -1) {
		add(types.FactVulnerability, strings.ToUpper(m))
	}
	lowerCmd := strings.ToLower(cmd)
	if strings.Contains(lowerCmd, "sqlmap") && sqlmapVulnRe.MatchString(output) {
		add(types.FactVulnerability, "sql-injection")
	}
	if strings.Contains(lowerCmd, "nikto") && osvdbRe.MatchString(output) {
		add(types.FactVulnerability, "nikto-findings")
	}
	for _, line := range strings.Split(output, "\n") {
		if cveRe.MatchString(line) || !vulnHintRe.MatchString(line) {
			continue
		}
		add(types.FactVulnerability, summarizeLine(line))
	}
}

func extractWebPaths(cmd, output string, add func(types.FactType, string)) {
	for _, m := range gobusterRe.FindAllStringSubmatch(output, -1) {
		status, err := strconv.Atoi(m[2])
		if err != nil || status >= 500 {
			continue
		}
		add(types.FactWebPath, m[1])
	}
	for _, m := range urlPathRe.FindAllStringSubmatch(cmd+"\n"+output, -1) {
		path := m[1]
		if path == "/" || path == "" {
			continue
		}
		add(types.FactWebPath, path)
	}
}

func extractCredentials(output string, add func(types.FactType, string)) {
	for _, m := range flagTokenRe.FindAllString(output, -1) {
		add(types.FactCredential, m)
	}
	for _, line := range strings.Split(output, "\n") {
		if !credHintRe.MatchString(line) {
			continue
		}
		for _, m := range credTokenRe.FindAllStringSubmatch(line, -1) {
			// Skip URL scheme shapes and port/service pairs.
			if strings.HasPrefix(m[2], "//") || isDigits(m[2]) {
				continue
			}
			add(types.FactCredential, m[1]+":"+m[2])
		}
	}
}

func extractTools(cmd string, add func(types.FactType, string)) {
	for _, f := range strings.Fields(strings.ToLower(cmd)) {
		base := f
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if _, ok := knownTools[base]; ok {
			add(types.FactTool, base)
		}
	}
}

// summarizeLine reduces a vulnerability-signaling line to a stable,
// bounded canonical value.
func summarizeLine(line string) string {
	s := strings.ToLower(strings.TrimSpace(line))
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
