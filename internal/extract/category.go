package extract

import "strings"

// categoryRules map tool mentions in a command to a phase:purpose
// category. Checked in order; first match wins.
var categoryRules = []struct {
	tools    []string
	category string
}{
	{[]string{"nmap", "masscan", "rustscan"}, "reconnaissance:port_scan"},
	{[]string{"gobuster", "dirb", "dirbuster", "ffuf", "feroxbuster"}, "reconnaissance:web_enumeration"},
	{[]string{"nikto", "wpscan", "whatweb"}, "reconnaissance:web_scan"},
	{[]string{"sqlmap"}, "exploitation:sql_injection"},
	{[]string{"metasploit", "msfconsole", "msfvenom"}, "exploitation:metasploit"},
	{[]string{"hydra", "medusa", "john", "hashcat"}, "exploitation:password_attack"},
	{[]string{"curl", "wget"}, "reconnaissance:web_request"},
	{[]string{"nc ", "netcat", "ncat"}, "post_exploitation:network"},
	{[]string{"ssh ", "scp ", "sftp "}, "access:ssh"},
}

// Categorize labels a command by its primary purpose.
func Categorize(command string) string {
	lower := strings.ToLower(command)
	for _, rule := range categoryRules {
		for _, tool := range rule.tools {
			if strings.Contains(lower, tool) {
				return rule.category
			}
		}
	}
	return "general"
}
