package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Page is the readable text extracted from a fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Fetcher retrieves and extracts a page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// HTTPFetcher downloads pages with a plain HTTP GET and extracts them with readability.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	MaxChars  int
	Limiter   *rate.Limiter // optional; bounds outbound page requests
}

// NewHTTPFetcher builds a fetcher; a non-nil proxy routes every page request through it.
func NewHTTPFetcher(timeout time.Duration, userAgent string, maxChars int, perSecond float64, proxy *url.URL) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if proxy != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = http.ProxyURL(proxy)
		client.Transport = tr
	}
	f := &HTTPFetcher{
		Client:    client,
		UserAgent: userAgent,
		MaxChars:  maxChars,
	}
	if perSecond > 0 {
		f.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return Page{}, err
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := f.Client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	html, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return extract(string(html), u, f.MaxChars)
}

// BrowserFetcher renders pages in headless Chrome before extraction.
type BrowserFetcher struct {
	Timeout   time.Duration
	UserAgent string
	MaxChars  int
	Proxy     *url.URL // optional; user info is answered to the proxy's auth challenge
}

func (f BrowserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return Page{}, err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(ua),
	)
	if f.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxyServer(f.Proxy)))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var actions []chromedp.Action
	if f.Proxy != nil && f.Proxy.User != nil {
		answerProxyAuth(bctx, f.Proxy.User)
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	var html string
	actions = append(actions,
		chromedp.Navigate(u.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(bctx, actions...); err != nil {
		return Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}
	return extract(html, u, f.MaxChars)
}

// proxyServer renders the proxy without credentials, the form --proxy-server accepts.
func proxyServer(p *url.URL) string {
	return (&url.URL{Scheme: p.Scheme, Host: p.Host}).String()
}

// answerProxyAuth replies to proxy auth challenges with the configured credentials and
// resumes every request paused by the fetch domain.
func answerProxyAuth(ctx context.Context, user *url.Userinfo) {
	password, _ := user.Password()
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(ctx)
				_ = fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: user.Username(),
					Password: password,
				}).Do(cdp.WithExecutor(ctx, c.Target))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(ctx)
				_ = fetch.ContinueRequest(ev.RequestID).Do(cdp.WithExecutor(ctx, c.Target))
			}()
		}
	})
}

// Router picks the plain or browser fetcher per URL. Hosts listed in BrowserDomains always
// go to the browser; other hosts fall back to it when the plain fetch fails and Fallback is set.
type Router struct {
	Direct         Fetcher
	Browser        Fetcher
	BrowserDomains []string
	Fallback       bool
}

func (r Router) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return Page{}, err
	}
	if r.Browser != nil && hostMatches(u.Hostname(), r.BrowserDomains) {
		return r.Browser.Fetch(ctx, rawURL)
	}
	page, err := r.Direct.Fetch(ctx, rawURL)
	if err == nil && strings.TrimSpace(page.Text) != "" {
		return page, nil
	}
	if !r.Fallback || r.Browser == nil || ctx.Err() != nil {
		if err == nil {
			err = errEmptyPage
		}
		return Page{}, err
	}
	return r.Browser.Fetch(ctx, rawURL)
}

var errEmptyPage = errors.New("page has no readable text")

// hostMatches reports whether any dot-separated label of host equals one of domains,
// so "x" matches x.com and mobile.x.com but not example.com.
func hostMatches(host string, domains []string) bool {
	host = strings.ToLower(host)
	labels := strings.Split(host, ".")
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.Contains(d, ".") {
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
			continue
		}
		for _, l := range labels {
			if l == d {
				return true
			}
		}
	}
	return false
}

func extract(html string, u *url.URL, maxChars int) (Page, error) {
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return Page{}, fmt.Errorf("extract %s: %w", u, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if maxChars > 0 {
		if r := []rune(text); len(r) > maxChars {
			text = string(r[:maxChars])
		}
	}
	return Page{URL: u.String(), Title: strings.TrimSpace(article.Title), Text: text}, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u, nil
}
