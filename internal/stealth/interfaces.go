package stealth

import (
	"context"
	"net/http"
	"time"
)

// Fetcher performs the actual page fetch. Implementations range from a plain
// HTTP client to full browser automation; the core treats them identically.
type Fetcher interface {
	Do(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// DetectionScanner classifies a transport-successful response as content or
// as one of the anti-bot reactions.
type DetectionScanner interface {
	Scan(body []byte, headers http.Header) DetectionSignature
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}
