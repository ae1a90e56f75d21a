package research

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// summaryContentRunes bounds how much page text a single hit contributes to a step summary.
const summaryContentRunes = 1500

// Summarize renders a human-readable digest of a payload for oracle prompts.
func Summarize(p Payload) string {
	var b strings.Builder
	switch v := p.(type) {
	case SearchPayload:
		for i, h := range v {
			fmt.Fprintf(&b, "[%d] %s\nURL: %s\n", i+1, h.Title, h.URL)
			if c := clip(h.Content, summaryContentRunes); c != "" {
				b.WriteString(c)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	case VideoPayload:
		for i, h := range v {
			fmt.Fprintf(&b, "[%d] Video: %s\nURL: %s\n", i+1, h.Title, h.URL)
			var meta []string
			if h.Author != "" {
				meta = append(meta, "author: "+h.Author)
			}
			if h.Duration != "" {
				meta = append(meta, "duration: "+h.Duration)
			}
			if h.PublishedDate != "" {
				meta = append(meta, "published: "+h.PublishedDate)
			}
			if len(meta) > 0 {
				b.WriteString(strings.Join(meta, ", "))
				b.WriteString("\n")
			}
			if c := clip(h.Content, summaryContentRunes); c != "" {
				b.WriteString(c)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	case ImagePayload:
		for i, h := range v {
			fmt.Fprintf(&b, "[%d] Image: %s\nPage: %s\nImage URL: %s\n", i+1, h.Title, h.URL, h.ImgSrc)
			if h.Source != "" {
				fmt.Fprintf(&b, "Source: %s\n", h.Source)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// MediaRefs collects video and image references across steps in step order.
func MediaRefs(steps []Step) []MediaRef {
	var out []MediaRef
	for _, s := range steps {
		switch v := s.Response.(type) {
		case VideoPayload:
			for _, h := range v {
				out = append(out, MediaRef{
					Kind:          ActionVideos,
					URL:           h.URL,
					Title:         h.Title,
					Duration:      h.Duration,
					Author:        h.Author,
					PublishedDate: h.PublishedDate,
				})
			}
		case ImagePayload:
			for _, h := range v {
				out = append(out, MediaRef{
					Kind:   ActionImages,
					URL:    h.URL,
					Title:  h.Title,
					ImgSrc: h.ImgSrc,
					Source: h.Source,
				})
			}
		}
	}
	return out
}

// FallbackAnswer is used when synthesis is unavailable.
func FallbackAnswer(query string, steps []StepSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research results: %s\n\n", query)
	b.WriteString("_Automatic synthesis was unavailable; collected findings are listed per step._\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "\n## Step %d: %s\n\n**Query:** %s\n\n%s\n", s.Number, s.Action, s.Query, s.Summary)
	}
	return b.String()
}
