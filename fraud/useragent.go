// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fraud

import (
	"fmt"
	"regexp"
)

// botUserAgents match anywhere in the user agent and indicate automated
// clients. Matches block.
var botUserAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python-requests`),
	regexp.MustCompile(`(?i)go-http-client`),
	regexp.MustCompile(`(?i)java/`),
	regexp.MustCompile(`(?i)apache-httpclient`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)insomnia`),
	regexp.MustCompile(`(?i)httpie`),
}

// suspiciousUserAgents match from the start of the user agent and
// indicate scripted or overly generic clients. Matches score but do not
// block.
var suspiciousUserAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Mozilla$`),
	regexp.MustCompile(`(?i)^curl`),
	regexp.MustCompile(`(?i)^wget`),
	regexp.MustCompile(`(?i)^python`),
	regexp.MustCompile(`(?i)^go-http`),
	regexp.MustCompile(`(?i)^java`),
}

// checkUserAgent classifies a user agent string. An empty user agent is
// treated as bot traffic.
func checkUserAgent(userAgent string) result {
	if userAgent == "" {
		return result{
			Suspicious: true,
			Reasons:    []string{"missing user agent"},
			Score:      40,
			Block:      true,
		}
	}

	for _, re := range botUserAgents {
		if re.MatchString(userAgent) {
			return result{
				Suspicious: true,
				Reasons: []string{fmt.Sprintf("bot user agent "+
					"detected: %v", truncate(userAgent, 50))},
				Score: 60,
				Block: true,
			}
		}
	}

	for _, re := range suspiciousUserAgents {
		if re.MatchString(userAgent) {
			return result{
				Suspicious: true,
				Reasons: []string{fmt.Sprintf("suspicious user "+
					"agent: %v", truncate(userAgent, 50))},
				Score: 30,
			}
		}
	}

	return resultOK
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
