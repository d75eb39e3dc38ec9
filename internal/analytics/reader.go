package analytics

import (
	"context"
	"time"
)

// Summary is the rolled-up totals over a window.
type Summary struct {
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

// Point is one minute of the timeseries.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Allowed   int64     `json:"allowed"`
	Blocked   int64     `json:"blocked"`
}

// Reader serves the query side of the minute buckets.
type Reader struct {
	store Store
	clock func() time.Time
}

func NewReader(store Store) *Reader {
	return &Reader{store: store, clock: time.Now}
}

// Summary totals the last 24 hours, matching the dashboard charts.
func (r *Reader) Summary(ctx context.Context) (Summary, error) {
	from := r.clock().Add(-24*time.Hour).Unix() / 60
	buckets, err := r.store.BucketsSince(ctx, from)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, b := range buckets {
		sum.Allowed += b.Allowed
		sum.Blocked += b.Blocked
	}
	return sum, nil
}

// Timeseries returns one point per recorded minute in the last N hours.
func (r *Reader) Timeseries(ctx context.Context, hours int) ([]Point, error) {
	from := r.clock().Add(-time.Duration(hours)*time.Hour).Unix() / 60
	buckets, err := r.store.BucketsSince(ctx, from)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, Point{
			Timestamp: time.Unix(b.Minute*60, 0).UTC(),
			Allowed:   b.Allowed,
			Blocked:   b.Blocked,
		})
	}
	return points, nil
}
