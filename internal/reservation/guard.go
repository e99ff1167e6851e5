package reservation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/tracing"
)

// Window is a requested half-open [StartsAt, EndsAt) range.
type Window struct {
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

// Conflict describes one existing reservation that blocks a request.
type Conflict struct {
	ID       string    `json:"id"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
	Label    string    `json:"label,omitempty"`
	Status   string    `json:"status"`
}

// ConflictError is returned when a requested window overlaps active
// reservations. It marshals to the 409 response body.
type ConflictError struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Requested Window     `json:"requested"`
	Conflicts []Conflict `json:"conflicts"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s (%d conflicts)", e.Code, e.Message, len(e.Conflicts))
}

func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching boundaries do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// ValidateWindow rejects empty and inverted windows.
func ValidateWindow(startsAt, endsAt time.Time) error {
	if startsAt.IsZero() || endsAt.IsZero() {
		return apperr.Validation("startsAt and endsAt are required")
	}
	if !endsAt.After(startsAt) {
		return apperr.Validation("endsAt must be after startsAt")
	}
	return nil
}

// IntervalSource lists candidate intervals competing with resourceKey.
// Implementations may over-select; the guard applies the resource, overlap
// and status predicates.
type IntervalSource interface {
	ListIntervals(ctx context.Context, kind Kind, organizationID, resourceKey string, startsAt, endsAt time.Time) ([]Interval, error)
}

// Guard checks one reservation family against an interval source. Callers
// hold the resource lock for the duration of check plus write.
type Guard struct {
	kind    Kind
	source  IntervalSource
	metrics *metrics.Metrics
}

func NewGuard(kind Kind, source IntervalSource, m *metrics.Metrics) *Guard {
	return &Guard{kind: kind, source: source, metrics: m}
}

// AssertNoConflicts returns a *ConflictError listing every active interval
// overlapping [startsAt, endsAt) on the resource, ordered by start.
// excludeID skips the reservation being updated.
func (g *Guard) AssertNoConflicts(ctx context.Context, organizationID, resourceKey string, startsAt, endsAt time.Time, excludeID string) error {
	ctx, span := tracing.StartSpan(ctx, "reservation.AssertNoConflicts",
		attribute.String("kind", string(g.kind)),
		attribute.String("organization_id", organizationID),
		attribute.String("resource_key", resourceKey),
	)
	defer span.End()

	if err := ValidateWindow(startsAt, endsAt); err != nil {
		return err
	}

	candidates, err := g.source.ListIntervals(ctx, g.kind, organizationID, resourceKey, startsAt, endsAt)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("list %s intervals: %w", g.kind, err)
	}

	var conflicts []Interval
	for _, c := range candidates {
		if c.ID == excludeID && excludeID != "" {
			continue
		}
		if c.OrganizationID != organizationID || !g.kind.SharesResource(c.ResourceKey, resourceKey) {
			continue
		}
		if !g.kind.IsActive(c.Status) || !Overlaps(startsAt, endsAt, c.StartsAt, c.EndsAt) {
			continue
		}
		conflicts = append(conflicts, c)
	}
	if len(conflicts) == 0 {
		return nil
	}

	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].StartsAt.Before(conflicts[j].StartsAt) })

	cerr := &ConflictError{
		Code:      g.kind.ConflictCode(),
		Message:   g.kind.conflictMessage(),
		Requested: Window{StartsAt: startsAt.UTC(), EndsAt: endsAt.UTC()},
		Conflicts: make([]Conflict, 0, len(conflicts)),
	}
	for _, c := range conflicts {
		cerr.Conflicts = append(cerr.Conflicts, Conflict{
			ID:       c.ID,
			StartsAt: c.StartsAt.UTC(),
			EndsAt:   c.EndsAt.UTC(),
			Label:    c.Label,
			Status:   c.Status,
		})
	}

	g.metrics.RecordConflict(string(g.kind))
	span.SetAttributes(attribute.Int("conflicts", len(cerr.Conflicts)))
	return cerr
}
