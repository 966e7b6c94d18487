// Package pipeline implements the opinion-clustering pipeline: stratified
// sampling, embedding backfill, two-stage dimensionality reduction, seeded
// k-means partitioning, and orchestration of a persisted session run.
package pipeline

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/store"
)

// Sampling strategies reported in SampleResult.
const (
	StrategyAll        = "all"
	StrategyStratified = "stratified"
)

// SampleResult is the outcome of stratified temporal sampling.
type SampleResult struct {
	PostIDs   []uuid.UUID
	Available int
	Sampled   int
	Buckets   int
	Strategy  string
}

// SamplePosts selects up to target posts from the given refs, stratified by
// calendar day (UTC) so the sample is not biased toward high-volume days.
//
// If the available count is at or under the target the full set is returned
// in chronological order and no sampling happens. Otherwise each daily bucket
// independently contributes up to ceil(target/buckets) uniformly chosen
// posts; any shortfall left by near-empty days is topped up uniformly from
// the posts no bucket contributed, so the result has exactly min(target,
// available) posts. Zero available posts yield an empty result, not an
// error; the orchestrator decides whether that is fatal.
func SamplePosts(refs []store.PostRef, target int, seed int64) SampleResult {
	if len(refs) == 0 {
		return SampleResult{Strategy: StrategyAll}
	}

	if target <= 0 || len(refs) <= target {
		ids := make([]uuid.UUID, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
		}
		return SampleResult{
			PostIDs:   ids,
			Available: len(refs),
			Sampled:   len(ids),
			Buckets:   1,
			Strategy:  StrategyAll,
		}
	}

	buckets := bucketByDay(refs)
	perBucket := (target + len(buckets) - 1) / len(buckets)
	rng := rand.New(rand.NewSource(seed))

	var ids []uuid.UUID
	var leftover []uuid.UUID
	for _, bucket := range buckets {
		if len(bucket) <= perBucket {
			for _, r := range bucket {
				ids = append(ids, r.ID)
			}
			continue
		}
		perm := rng.Perm(len(bucket))
		for _, idx := range perm[:perBucket] {
			ids = append(ids, bucket[idx].ID)
		}
		for _, idx := range perm[perBucket:] {
			leftover = append(leftover, bucket[idx].ID)
		}
	}

	// Skewed daily volumes can leave the quota unfilled once high-volume
	// days hit their per-bucket cap. Top up from the unchosen posts until
	// the sample reaches min(target, available).
	if len(ids) < target && len(leftover) > 0 {
		rng.Shuffle(len(leftover), func(i, j int) { leftover[i], leftover[j] = leftover[j], leftover[i] })
		need := target - len(ids)
		if need > len(leftover) {
			need = len(leftover)
		}
		ids = append(ids, leftover[:need]...)
	}

	if len(ids) > target {
		ids = ids[:target]
	}

	return SampleResult{
		PostIDs:   ids,
		Available: len(refs),
		Sampled:   len(ids),
		Buckets:   len(buckets),
		Strategy:  StrategyStratified,
	}
}

// bucketByDay groups refs by UTC calendar day, buckets in chronological
// order, refs within a bucket in input (chronological) order.
func bucketByDay(refs []store.PostRef) [][]store.PostRef {
	byDay := make(map[time.Time][]store.PostRef)
	for _, r := range refs {
		day := r.PostedAt.UTC().Truncate(24 * time.Hour)
		byDay[day] = append(byDay[day], r)
	}

	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	buckets := make([][]store.PostRef, len(days))
	for i, day := range days {
		buckets[i] = byDay[day]
	}
	return buckets
}
