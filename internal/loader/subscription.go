package loader

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"cdnscout/internal/shared/logger"
)

const subscriptionFetchTimeout = 15 * time.Second

// fetchSubscription retrieves a subscription URL's body using a
// colly.Collector, following the teacher's proxypool/scraper idiom of
// a bounded, single-purpose collector rather than a bare http.Client.
func fetchSubscription(url string) (string, error) {
	l := logger.WithComponent("loader")

	var body string
	var fetchErr error

	c := colly.NewCollector(
		colly.UserAgent("cdnscout/1.0 (+subscription-fetch)"),
	)
	c.SetRequestTimeout(subscriptionFetchTimeout)

	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(url); err != nil {
		return "", fmt.Errorf("fetch subscription %s: %w", url, err)
	}
	if fetchErr != nil {
		return "", fmt.Errorf("fetch subscription %s: %w", url, fetchErr)
	}

	l.Info().Str("url", url).Int("bytes", len(body)).Msg("subscription fetched")
	return unwrapHTMLSubscription(body), nil
}

// unwrapHTMLSubscription handles mirrors that wrap a plain-text or
// base64 subscription payload in an HTML page (typically inside a
// <pre> or the bare <body>) instead of serving it as text/plain.
func unwrapHTMLSubscription(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "<") {
		return body
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	if pre := doc.Find("pre").First(); pre.Length() > 0 {
		if text := strings.TrimSpace(pre.Text()); text != "" {
			return text
		}
	}
	if text := strings.TrimSpace(doc.Find("body").Text()); text != "" {
		return text
	}
	return body
}

// decodeSubscriptionBody implements SPEC_FULL §5.2's detection rule:
// attempt a padding-tolerant base64 decode of the whole body; accept
// it if the decoded bytes, after leading whitespace, begin with
// "vless://" or "vmess://". Otherwise treat the body as plain text.
func decodeSubscriptionBody(body string) (string, error) {
	candidate := strings.TrimSpace(body)
	if candidate == "" {
		return "", fmt.Errorf("empty subscription body")
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		decoded, err := enc.DecodeString(candidate)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(decoded))
		if strings.HasPrefix(text, "vless://") || strings.HasPrefix(text, "vmess://") {
			return text, nil
		}
	}
	return body, nil
}
