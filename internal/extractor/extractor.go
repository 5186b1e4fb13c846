package extractor

import "context"

// ProgressFunc receives download progress percentages in [0,100]. Events for
// one request are delivered in order.
type ProgressFunc func(pct float64)

// Request identifies what to fetch and where to put it
type Request struct {
	URL      string
	Selector string
	// LinkOnly asks for direct-link resolution without downloading.
	LinkOnly bool
	// DestDir is the directory downloaded media is written into.
	DestDir string
}

// Result is the outcome of resolving a media URL
type Result struct {
	// Path is set when the media was downloaded to local disk.
	Path      string
	Filename  string
	MediaType string
	// DirectURL is set instead of Path for link-only requests.
	DirectURL string
}

// Extractor resolves a source URL plus a stream selector into either a
// downloaded local file or a direct playable URL.
type Extractor interface {
	Resolve(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
}
