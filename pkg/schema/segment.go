package schema

// SegmentKind distinguishes text runs from media references.
type SegmentKind string

const (
	SegmentText  SegmentKind = "text"
	SegmentMedia SegmentKind = "media"
)

// Segment is one ordered unit of a rendered prompt.
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// TextSegment returns a text segment.
func TextSegment(text string) Segment {
	return Segment{Kind: SegmentText, Text: text}
}

// MediaSegment returns a media reference segment.
func MediaSegment(url string) Segment {
	return Segment{Kind: SegmentMedia, URL: url}
}

// MediaURLs returns the URLs of all media segments, in order.
func MediaURLs(segs []Segment) []string {
	var out []string
	for _, s := range segs {
		if s.Kind == SegmentMedia {
			out = append(out, s.URL)
		}
	}
	return out
}
