package service

import "time"

// Scorer ranks a feed entry. Higher scores sort first; produced_at then
// post_id break ties, so any model that returns stable scores can be
// swapped in without touching the dispatcher or assembler.
type Scorer func(postCreatedAt time.Time) float64

// RecencyScorer is the default: strictly decreasing in (now - produced_at).
func RecencyScorer(postCreatedAt time.Time) float64 {
	return float64(postCreatedAt.UnixMilli())
}
