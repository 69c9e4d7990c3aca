package features

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// suspiciousPatterns is the fixed catalog whose summed (not maxed) match
// counts form suspicious_pattern_count. All case-insensitive.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)curl.*-X\s*POST`),
	regexp.MustCompile(`(?i)wget.*--post`),
	regexp.MustCompile(`(?i)nc\s+(-e|-c)`),
	regexp.MustCompile(`(?i)bash\s+-i`),
	regexp.MustCompile(`(?i)/dev/tcp/`),
	regexp.MustCompile(`(?i)mkfifo`),
	regexp.MustCompile(`(?i)xmrig|minerd|cryptonight`),
	regexp.MustCompile(`(?i)stratum\+tcp://`),
	regexp.MustCompile(`(?i)hashrate`),
	regexp.MustCompile(`(?i)cat\s+/etc/(passwd|shadow)`),
	regexp.MustCompile(`(?i)\$\([^)]+\)`),
}

func countSuspiciousPatterns(text string) int {
	count := 0
	for _, p := range suspiciousPatterns {
		count += len(p.FindAllString(text, -1))
	}
	return count
}

var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// countExternalIPs returns the number of distinct IPv4 addresses in text
// that do not fall in a private range (10/8, 172.16/12, 192.168/16,
// 127/8). A malformed match (shouldn't happen given the regex, but kept
// defensive per the original's try/except) is treated as private.
func countExternalIPs(text string) int {
	seen := map[string]bool{}
	for _, ip := range ipPattern.FindAllString(text, -1) {
		seen[ip] = true
	}
	count := 0
	for ip := range seen {
		if !isPrivateIP(ip) {
			count++
		}
	}
	return count
}

func isPrivateIP(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return true
	}
	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return true
	}
	second, err := strconv.Atoi(parts[1])
	if err != nil {
		return true
	}
	if net.ParseIP(ip) == nil {
		return true
	}
	switch {
	case first == 10:
		return true
	case first == 172 && second >= 16 && second <= 31:
		return true
	case first == 192 && second == 168:
		return true
	case first == 127:
		return true
	default:
		return false
	}
}

var urlPattern = regexp.MustCompile(`https?://([^\s<>"']+)`)

// countExternalURLs extracts the domain from each URL match, strips the
// port, and keeps only those not covered by the trusted-domain allowlist,
// returning the count of distinct surviving URLs.
func countExternalURLs(text string) int {
	matches := urlPattern.FindAllStringSubmatch(text, -1)
	seen := map[string]bool{}
	count := 0
	for _, m := range matches {
		rest := m[1]
		url := "https://" + rest // reconstructed for de-dup identity only
		if seen[url] {
			continue
		}
		host := rest
		if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
			host = host[:idx]
		}
		host = strings.ToLower(host)
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		if trustedDomains.isTrusted(host) {
			seen[url] = true
			continue
		}
		seen[url] = true
		count++
	}
	return count
}

// base64DecodeCommand matches explicit decode invocations: base64 -d,
// base64 -decode, base64 --decode.
var base64DecodeCommand = regexp.MustCompile(`(?i)base64\s+(-d|-decode|--decode)\b`)

// base64EchoToken matches an echo of a long base64-looking token followed
// by optional padding, e.g. echo "<token>" or echo '<token>'.
var base64EchoToken = regexp.MustCompile(`(?i)echo\s+["']?[A-Za-z0-9+/]{50,}={0,2}["']?`)

// base64Pipe matches a shell pipe into the base64 command.
var base64Pipe = regexp.MustCompile(`(?i)\|\s*base64\b`)

// broadBase64 is the unrestricted pattern from the original extractor,
// kept for opt-in use only: it flags any long base64-alphabet run
// regardless of surrounding context, which produces false positives on
// ordinary hex/build-hash output.
var broadBase64 = regexp.MustCompile(`base64\s*(-d|-decode)?|[A-Za-z0-9+/]{40,}={0,2}`)

// countBase64Patterns counts context-gated base64 usage: an explicit
// decode command, an echoed token with padding, or a pipe into base64. A
// bare long base64-alphabet string with no such context does not count.
// When broad is true, the original's context-free pattern is used instead.
func countBase64Patterns(text string, broad bool) int {
	if broad {
		return len(broadBase64.FindAllString(text, -1))
	}
	count := len(base64DecodeCommand.FindAllString(text, -1))
	count += len(base64EchoToken.FindAllString(text, -1))
	count += len(base64Pipe.FindAllString(text, -1))
	return count
}
