package acquire

import (
	"net/http"
	"time"
)

// Class separates documented APIs from scraped storefronts; escalation only applies to scraping.
type Class string

const (
	ClassAPI    Class = "api"
	ClassScrape Class = "scrape"
)

// Path records which strategy produced a response.
type Path string

const (
	PathDirect   Path = "direct"
	PathRotated  Path = "rotated"
	PathRendered Path = "rendered"
)

// Options parameterise a single fetch.
type Options struct {
	Identity string
	Class    Class
	Render   bool
	Headers  http.Header
	Timeout  time.Duration
}

// Response is the raw result of a fetch.
type Response struct {
	Status   int
	Body     []byte
	Header   http.Header
	Path     Path
	FinalURL string
	Session  string
	Latency  time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
