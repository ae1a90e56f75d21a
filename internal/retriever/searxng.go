package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/autoresearch/internal/httpclient"
	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	categoryGeneral = "general"
	categoryVideos  = "videos"
	categoryImages  = "images"

	fetchConcurrency = 4
)

// EngineError is one engine SearXNG reported as unresponsive.
type EngineError struct {
	Engine string
	Reason string
}

// ProviderError surfaces upstream engine failures when a query produced no results.
type ProviderError struct {
	Category string
	Engines  []EngineError
}

func (e *ProviderError) Error() string {
	parts := make([]string, 0, len(e.Engines))
	for _, en := range e.Engines {
		parts = append(parts, fmt.Sprintf("%s (%s)", en.Engine, en.Reason))
	}
	return fmt.Sprintf("searxng %s: no results; unresponsive engines: %s", e.Category, strings.Join(parts, ", "))
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

type searxResult struct {
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Engine        string     `json:"engine"`
	ImgSrc        string     `json:"img_src"`
	ThumbnailSrc  string     `json:"thumbnail_src"`
	Thumbnail     string     `json:"thumbnail"`
	Source        string     `json:"source"`
	Author        string     `json:"author"`
	Length        flexString `json:"length"`
	PublishedDate flexString `json:"publishedDate"`
}

type searxResponse struct {
	Query               string          `json:"query"`
	Results             []searxResult   `json:"results"`
	UnresponsiveEngines [][]interface{} `json:"unresponsive_engines"`
}

func (r searxResponse) engineErrors() []EngineError {
	out := make([]EngineError, 0, len(r.UnresponsiveEngines))
	for _, pair := range r.UnresponsiveEngines {
		var e EngineError
		if len(pair) > 0 {
			e.Engine = fmt.Sprint(pair[0])
		}
		if len(pair) > 1 {
			e.Reason = fmt.Sprint(pair[1])
		}
		out = append(out, e)
	}
	return out
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	FetchPages bool
	Fetcher    Fetcher   // used when FetchPages is set
	Reranker   *Reranker // optional
	Logger     *zerolog.Logger
}

// Client implements research.Retriever against a SearXNG instance.
type Client struct {
	http       *httpclient.Client
	baseURL    string
	fetchPages bool
	fetcher    Fetcher
	reranker   *Reranker
	logger     *zerolog.Logger
}

var _ research.Retriever = (*Client)(nil)

func NewClient(hc *httpclient.Client, opts Options) *Client {
	return &Client{
		http:       hc,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		fetchPages: opts.FetchPages && opts.Fetcher != nil,
		fetcher:    opts.Fetcher,
		reranker:   opts.Reranker,
		logger:     logging.Component(opts.Logger, "retriever"),
	}
}

func (c *Client) query(ctx context.Context, q, category string) (searxResponse, error) {
	v := url.Values{}
	v.Set("q", q)
	v.Set("categories", category)
	v.Set("format", "json")
	var out searxResponse
	if err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/search?"+v.Encode(), nil, nil, &out); err != nil {
		return searxResponse{}, fmt.Errorf("searxng %s: %w", category, err)
	}
	if engines := out.engineErrors(); len(engines) > 0 {
		if len(out.Results) == 0 {
			return out, &ProviderError{Category: category, Engines: engines}
		}
		c.logger.Debug().Str("category", category).Interface("engines", engines).Msg("some engines unresponsive")
	}
	return out, nil
}

// Search returns up to n general results with page text fetched when enabled.
func (c *Client) Search(ctx context.Context, q string, n int) ([]research.SearchHit, error) {
	resp, err := c.query(ctx, q, categoryGeneral)
	if err != nil {
		return nil, err
	}
	hits := make([]research.SearchHit, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		hits = append(hits, research.SearchHit{Title: cleanText(r.Title), URL: r.URL, Content: cleanText(r.Content)})
	}
	hits = dedupeHits(hits)
	if c.reranker != nil {
		hits = c.reranker.Rerank(q, hits)
	}
	if n > 0 && len(hits) > n {
		hits = hits[:n]
	}
	if c.fetchPages {
		c.fillContent(ctx, hits)
	}

	out := hits[:0]
	for _, h := range hits {
		if h.Content != "" {
			out = append(out, h)
		}
	}
	return out, nil
}

// fillContent replaces snippets with extracted page text; failures keep the snippet.
func (c *Client) fillContent(ctx context.Context, hits []research.SearchHit) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i := range hits {
		g.Go(func() error {
			page, err := c.fetcher.Fetch(gctx, hits[i].URL)
			if err != nil {
				c.logger.Debug().Err(err).Str("url", hits[i].URL).Msg("page fetch failed; keeping snippet")
				return nil
			}
			if page.Text != "" {
				hits[i].Content = page.Text
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Videos returns up to n video results.
func (c *Client) Videos(ctx context.Context, q string, n int) ([]research.VideoHit, error) {
	resp, err := c.query(ctx, q, categoryVideos)
	if err != nil {
		return nil, err
	}
	hits := make([]research.VideoHit, 0, n)
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		thumb := r.Thumbnail
		if thumb == "" {
			thumb = r.ThumbnailSrc
		}
		hits = append(hits, research.VideoHit{
			Title:         cleanText(r.Title),
			URL:           r.URL,
			Content:       cleanText(r.Content),
			Duration:      string(r.Length),
			Author:        r.Author,
			PublishedDate: string(r.PublishedDate),
			Thumbnail:     thumb,
		})
		if n > 0 && len(hits) == n {
			break
		}
	}
	return hits, nil
}

// Images returns up to n image results.
func (c *Client) Images(ctx context.Context, q string, n int) ([]research.ImageHit, error) {
	resp, err := c.query(ctx, q, categoryImages)
	if err != nil {
		return nil, err
	}
	hits := make([]research.ImageHit, 0, n)
	for _, r := range resp.Results {
		src := r.ImgSrc
		if src == "" {
			src = r.ThumbnailSrc
		}
		if src == "" {
			continue
		}
		source := r.Source
		if source == "" {
			source = r.Engine
		}
		hits = append(hits, research.ImageHit{Title: cleanText(r.Title), URL: r.URL, ImgSrc: src, Source: source})
		if n > 0 && len(hits) == n {
			break
		}
	}
	return hits, nil
}
