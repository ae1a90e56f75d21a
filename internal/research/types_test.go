package research

import (
	"strings"
	"testing"
)

func TestPayloadEnvelopeKeepsVariant(t *testing.T) {
	in := VideoPayload{{Title: "talk", URL: "https://v/1", Duration: "3:10"}}
	b, err := MarshalPayload(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"kind":"videos"`) {
		t.Fatalf("expected kind in envelope, got %s", b)
	}
	out, err := UnmarshalPayload(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := out.(VideoPayload)
	if !ok || len(v) != 1 || v[0].Duration != "3:10" {
		t.Fatalf("unexpected payload %#v", out)
	}
}

func TestUnmarshalPayloadRejectsUnknownKind(t *testing.T) {
	if _, err := UnmarshalPayload([]byte(`{"kind":"stop","items":[]}`)); err == nil {
		t.Fatalf("expected error for non-retrieval kind")
	}
	if _, err := MarshalPayload(nil); err == nil {
		t.Fatalf("expected error for nil payload")
	}
}

func TestSummarizeClipsLongContent(t *testing.T) {
	p := SearchPayload{{Title: "Doc", URL: "https://d", Content: strings.Repeat("x", summaryContentRunes+500)}}
	s := Summarize(p)
	if !strings.HasPrefix(s, "[1] Doc\nURL: https://d") {
		t.Fatalf("unexpected summary header %q", s[:40])
	}
	if strings.Count(s, "x") != summaryContentRunes {
		t.Fatalf("expected content clipped to %d runes", summaryContentRunes)
	}
}

func TestSummarizeImagesAndVideos(t *testing.T) {
	img := Summarize(ImagePayload{{Title: "Cat", URL: "https://p", ImgSrc: "https://i.png", Source: "flickr"}})
	if !strings.Contains(img, "Image URL: https://i.png") || !strings.Contains(img, "Source: flickr") {
		t.Fatalf("unexpected image summary %q", img)
	}
	vid := Summarize(VideoPayload{{Title: "Talk", URL: "https://v", Author: "gopher", Duration: "5:00"}})
	if !strings.Contains(vid, "author: gopher, duration: 5:00") {
		t.Fatalf("unexpected video summary %q", vid)
	}
}

func TestActionKindValid(t *testing.T) {
	for _, k := range []ActionKind{ActionSearch, ActionVideos, ActionImages, ActionStop} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
	}
	if ActionKind("news").Valid() {
		t.Fatalf("news should be invalid")
	}
}
