package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
)

// Adapter turns availability requests into canonical records for one retail site.
// The implementations are APIAdapter and ScrapeAdapter; sites are profiles, not types.
type Adapter interface {
	ID() string
	Class() acquire.Class
	CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityRecord, error)
	SearchProducts(ctx context.Context, query string) ([]domain.AvailabilityRecord, error)
	HealthCheck(ctx context.Context) error
}

// Fetcher is the slice of the acquisition layer adapters depend on.
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts acquire.Options) (*acquire.Response, error)
}

var _ Fetcher = (*acquire.Fetcher)(nil)

// Deps are shared by every adapter built from a site profile.
type Deps struct {
	Fetcher Fetcher
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func notFound(retailer, op, what string) error {
	return domain.NewError(domain.KindNotFound, retailer, op, errNoMatch(what))
}

type errNoMatch string

func (e errNoMatch) Error() string { return "no match for " + string(e) }

// tag rewrites the operation name on classified errors so logs show check/search.
func tag(err error, op string) error {
	if de, ok := err.(*domain.Error); ok && de.Op == "fetch" {
		cp := *de
		cp.Op = op
		return &cp
	}
	return err
}
