package threat

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shizukutanaka/Banken/internal/event"
)

// agentAnalyzer inspects the User-Agent header for automation tooling,
// empty or implausible strings and browsers old enough to indicate a
// spoofed or compromised client.
type agentAnalyzer struct{}

var (
	botSignatures = []string{
		"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
		"hydra", "metasploit", "burp", "zgrab", "python-requests",
		"curl/", "wget/", "scrapy", "go-http-client",
	}

	chromeVersionRe  = regexp.MustCompile(`(?i)chrome/(\d+)`)
	firefoxVersionRe = regexp.MustCompile(`(?i)firefox/(\d+)`)
	msieRe           = regexp.MustCompile(`(?i)msie\s+(\d+)`)
)

const (
	minChromeMajor  = 90
	minFirefoxMajor = 85
)

func newAgentAnalyzer() *agentAnalyzer { return &agentAnalyzer{} }

func (a *agentAnalyzer) analyze(e *event.SecurityEvent) []contribution {
	var contributions []contribution
	agent := strings.TrimSpace(e.Source.UserAgent)
	lower := strings.ToLower(agent)

	switch {
	case agent == "":
		contributions = append(contributions, contribution{
			category:   CategorySuspiciousAgent,
			severity:   event.SeverityLow,
			confidence: 0.2,
			evidence:   map[string]interface{}{"reason": "missing user agent"},
		})
	case matchesBotSignature(lower):
		contributions = append(contributions, contribution{
			category:   CategorySuspiciousAgent,
			severity:   event.SeverityMedium,
			confidence: 0.4,
			evidence:   map[string]interface{}{"userAgent": agent},
		})
	case implausibleAgent(lower):
		contributions = append(contributions, contribution{
			category:   CategorySuspiciousAgent,
			severity:   event.SeverityLow,
			confidence: 0.25,
			evidence:   map[string]interface{}{"userAgent": agent, "reason": "implausible platform mix"},
		})
	}

	if outdatedBrowser(agent) {
		contributions = append(contributions, contribution{
			category:   CategoryOutdatedBrowser,
			severity:   event.SeverityLow,
			confidence: 0.15,
			evidence:   map[string]interface{}{"userAgent": agent},
		})
	}

	return contributions
}

func matchesBotSignature(lowerAgent string) bool {
	for _, sig := range botSignatures {
		if strings.Contains(lowerAgent, sig) {
			return true
		}
	}
	return false
}

// implausibleAgent catches platform combinations no real browser emits,
// the usual tell of a naive spoofed header.
func implausibleAgent(lowerAgent string) bool {
	if strings.Contains(lowerAgent, "iphone") && strings.Contains(lowerAgent, "windows nt") {
		return true
	}
	if strings.Contains(lowerAgent, "android") && strings.Contains(lowerAgent, "macintosh") {
		return true
	}
	return false
}

func outdatedBrowser(agent string) bool {
	if m := msieRe.FindStringSubmatch(agent); m != nil {
		return true
	}
	if m := chromeVersionRe.FindStringSubmatch(agent); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil && major < minChromeMajor {
			return true
		}
	}
	if m := firefoxVersionRe.FindStringSubmatch(agent); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil && major < minFirefoxMajor {
			return true
		}
	}
	return false
}
