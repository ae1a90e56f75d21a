package retriever

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/autoresearch/internal/guard"
	"github.com/mohammad-safakhou/autoresearch/internal/httpclient"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, u string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, u)
	text, ok := s.pages[u]
	if !ok {
		return Page{}, errors.New("404 Not Found")
	}
	return Page{URL: u, Text: text}, nil
}

func searxServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		body, ok := bodies[r.URL.Query().Get("categories")]
		if !ok {
			http.Error(w, "unknown category", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func newTestClient(srv *httptest.Server, f Fetcher) *Client {
	return NewClient(httpclient.New(time.Second, 0, time.Millisecond), Options{BaseURL: srv.URL + "/", FetchPages: f != nil, Fetcher: f})
}

func TestSearchFetchesPagesAndKeepsSnippetOnFailure(t *testing.T) {
	srv := searxServer(t, map[string]string{"general": `{"results":[
		{"url":"https://a.example/1","title":"A","content":"snippet a"},
		{"url":"","title":"no url"},
		{"url":"https://b.example/2","title":"B","content":"snippet b"},
		{"url":"https://c.example/3","title":"C","content":""},
		{"url":"https://d.example/4","title":"D","content":"snippet d"}
	]}`})
	defer srv.Close()

	f := &stubFetcher{pages: map[string]string{"https://a.example/1": "full page a"}}
	hits, err := newTestClient(srv, f).Search(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected fetch limited to n=3 hits, got %d", len(f.calls))
	}
	if len(hits) != 2 {
		t.Fatalf("expected hit without any content to be dropped, got %+v", hits)
	}
	if hits[0].Content != "full page a" || hits[1].Content != "snippet b" {
		t.Fatalf("unexpected contents %+v", hits)
	}
}

func TestVideosParsesDescriptorsAndLimits(t *testing.T) {
	srv := searxServer(t, map[string]string{"videos": `{"results":[
		{"url":"https://yt/1","title":"one","length":"12:01","author":"gopher","publishedDate":"2024-01-01T00:00:00"},
		{"url":"https://yt/2","title":"two","length":95.5,"publishedDate":null},
		{"url":"https://yt/3","title":"three"},
		{"url":"https://yt/4","title":"four"}
	]}`})
	defer srv.Close()

	hits, err := newTestClient(srv, nil).Videos(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("videos: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 videos, got %d", len(hits))
	}
	if hits[0].Duration != "12:01" || hits[0].Author != "gopher" {
		t.Fatalf("unexpected first video %+v", hits[0])
	}
	if hits[1].Duration != "95.5" || hits[1].PublishedDate != "" {
		t.Fatalf("unexpected second video %+v", hits[1])
	}
}

func TestVideosSurfaceBlockingProviderError(t *testing.T) {
	srv := searxServer(t, map[string]string{"videos": `{"results":[],"unresponsive_engines":[["youtube","Suspended: too many requests"]]}`})
	defer srv.Close()

	_, err := newTestClient(srv, nil).Videos(context.Background(), "q", 3)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Engines[0].Engine != "youtube" {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !guard.New(time.Hour).Matches(err) {
		t.Fatalf("expected guard to recognise %q", err)
	}
}

func TestImagesFallbackToThumbnail(t *testing.T) {
	srv := searxServer(t, map[string]string{"images": `{"results":[
		{"url":"https://p/1","title":"cat","img_src":"https://i/1.png","engine":"bing images"},
		{"url":"https://p/2","title":"dog","thumbnail_src":"https://i/2-thumb.png","source":"flickr"},
		{"url":"https://p/3","title":"none"}
	]}`})
	defer srv.Close()

	hits, err := newTestClient(srv, nil).Images(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	want := []research.ImageHit{
		{Title: "cat", URL: "https://p/1", ImgSrc: "https://i/1.png", Source: "bing images"},
		{Title: "dog", URL: "https://p/2", ImgSrc: "https://i/2-thumb.png", Source: "flickr"},
	}
	if len(hits) != len(want) || hits[0] != want[0] || hits[1] != want[1] {
		t.Fatalf("unexpected images %+v", hits)
	}
}

func TestSearchHTTPErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, nil).Search(context.Background(), "q", 5)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestRouterBrowserDomainsAndFallback(t *testing.T) {
	direct := &stubFetcher{pages: map[string]string{"https://ok.example/": "direct"}}
	browser := &stubFetcher{pages: map[string]string{
		"https://x.com/post":         "rendered x",
		"https://broken.example/":    "rendered broken",
		"https://www.example.com/ex": "rendered",
	}}
	r := Router{Direct: direct, Browser: browser, BrowserDomains: []string{"x", "facebook"}, Fallback: true}

	if p, err := r.Fetch(context.Background(), "https://x.com/post"); err != nil || p.Text != "rendered x" {
		t.Fatalf("expected browser for x.com, got %+v %v", p, err)
	}
	if len(direct.calls) != 0 {
		t.Fatalf("browser-only domain must skip direct fetch")
	}
	if p, err := r.Fetch(context.Background(), "https://ok.example/"); err != nil || p.Text != "direct" {
		t.Fatalf("expected direct fetch, got %+v %v", p, err)
	}
	if p, err := r.Fetch(context.Background(), "https://broken.example/"); err != nil || p.Text != "rendered broken" {
		t.Fatalf("expected browser fallback, got %+v %v", p, err)
	}

	r.Fallback = false
	if _, err := r.Fetch(context.Background(), "https://broken.example/"); err == nil {
		t.Fatalf("expected error without fallback")
	}
	if _, err := r.Fetch(context.Background(), "ftp://x.com/file"); err == nil {
		t.Fatalf("expected invalid scheme error")
	}
}

func TestHostMatches(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"x.com", true},
		{"mobile.twitter.com", true},
		{"example.com", false},
		{"www.facebook.com", true},
		{"ucarspro.example", false},
	}
	for _, c := range cases {
		if got := hostMatches(c.host, []string{"twitter", "x", "facebook"}); got != c.want {
			t.Fatalf("hostMatches(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestRerankPrefersMatchingHits(t *testing.T) {
	hits := []research.SearchHit{
		{Title: "Cooking pasta", URL: "https://a", Content: "boil water and add salt"},
		{Title: "Goroutines explained", URL: "https://b", Content: "goroutines are lightweight threads in go"},
		{Title: "Gardening", URL: "https://c", Content: "plant tomatoes in spring"},
	}
	out := NewReranker(nil).Rerank("goroutines", hits)
	if len(out) != 3 {
		t.Fatalf("expected all hits kept, got %d", len(out))
	}
	if out[0].URL != "https://b" {
		t.Fatalf("expected goroutines hit first, got %s", out[0].URL)
	}
	if out[1].URL != "https://a" || out[2].URL != "https://c" {
		t.Fatalf("expected non-matching hits in original order, got %s %s", out[1].URL, out[2].URL)
	}
}
