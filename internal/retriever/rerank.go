package retriever

import (
	"strconv"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
	"github.com/rs/zerolog"
)

// Reranker orders search hits by BM25 relevance to the query using a throwaway in-memory index.
// Hits that do not match the query keep their original relative order after the matching ones.
type Reranker struct {
	logger *zerolog.Logger
}

func NewReranker(logger *zerolog.Logger) *Reranker {
	return &Reranker{logger: logger}
}

type rerankDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func (r *Reranker) Rerank(query string, hits []research.SearchHit) []research.SearchHit {
	if len(hits) < 2 {
		return hits
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		r.warn(err)
		return hits
	}
	defer index.Close()

	batch := index.NewBatch()
	for i, h := range hits {
		if err := batch.Index(strconv.Itoa(i), rerankDoc{Title: h.Title, Content: h.Content, URL: h.URL}); err != nil {
			r.warn(err)
			return hits
		}
	}
	if err := index.Batch(batch); err != nil {
		r.warn(err)
		return hits
	}

	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, len(hits), 0, false)
	res, err := index.Search(req)
	if err != nil {
		r.warn(err)
		return hits
	}

	out := make([]research.SearchHit, 0, len(hits))
	seen := make(map[int]bool, len(hits))
	for _, m := range res.Hits {
		i, err := strconv.Atoi(m.ID)
		if err != nil || i < 0 || i >= len(hits) || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, hits[i])
	}
	for i, h := range hits {
		if !seen[i] {
			out = append(out, h)
		}
	}
	return out
}

func (r *Reranker) warn(err error) {
	if r.logger != nil {
		r.logger.Warn().Err(err).Msg("rerank skipped")
	}
}
