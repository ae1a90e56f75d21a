package retriever

import (
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// cleanText strips markup from provider snippets such as SearXNG's <span class="highlight">.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.ContainsAny(s, "<&") {
		return s
	}
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

// canonicalURL normalises raw for duplicate detection. It lowercases the host,
// drops default ports, fragments and tracking parameters, and sorts the query.
// Unparseable input is returned unchanged.
func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(port == "80" && u.Scheme == "http") && !(port == "443" && u.Scheme == "https") {
		host += ":" + port
	}
	u.Host = strings.TrimPrefix(host, "www.")
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// dedupeHits keeps the first hit for each canonical URL.
func dedupeHits(hits []research.SearchHit) []research.SearchHit {
	seen := make(map[string]struct{}, len(hits))
	out := hits[:0]
	for _, h := range hits {
		key := canonicalURL(h.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}
