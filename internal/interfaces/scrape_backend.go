package interfaces

import (
	"context"
	"io"

	"github.com/ternarybob/harvest/internal/models"
)

// ScrapeBackend opens the long-lived progress stream for one entity.
// The returned body yields line-delimited frames until the job ends; closing
// it releases the server-side scrape. Implementations report throttling with
// a rate-limit error rather than a terminal one.
type ScrapeBackend interface {
	Open(ctx context.Context, req models.DispatchRequest) (io.ReadCloser, error)
}

// BatchScrapeBackend is implemented by backends that can stream several
// entities through one call, interleaving their frames.
type BatchScrapeBackend interface {
	ScrapeBackend
	OpenBatch(ctx context.Context, req models.BatchDispatchRequest) (io.ReadCloser, error)
}
