package threat

import "strings"

// Pattern lists are matched case-insensitively as substrings against query
// parameter values, form field values, the path, and the user agent.
var (
	sqlInjectionPatterns = []string{
		"union select", "drop table", "insert into", "delete from",
		"update set", "exec(", "script>", "javascript:",
		"1=1", "1 = 1", "or 1=1", "and 1=1", "'1'='1", "' or '",
	}

	xssPatterns = []string{
		"<script", "</script>", "javascript:", "onerror=", "onload=",
		"alert(", "document.cookie", "window.location", "eval(",
	}

	pathTraversalPatterns = []string{
		"../", "..\\", "%2e%2e%2f", "%2e%2e\\", "..%2f", "..%5c",
	}

	commandInjectionPatterns = []string{
		";", "|", "&", "&&", "`", "$(", "${", "nc ", "netcat",
		"wget ", "curl ", "ping ", "whoami",
	}

	suspiciousUserAgents = []string{
		"sqlmap", "nikto", "dirb", "nmap", "masscan", "zap",
		"burp", "acunetix", "appscan", "arachni",
	}
)

// containsPattern reports whether the lowercased text contains any pattern.
func containsPattern(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// matchedUserAgent returns the first suspicious scanner signature found in
// the user agent, or "" when it looks clean.
func matchedUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	for _, p := range suspiciousUserAgents {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}
