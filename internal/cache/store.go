// Package cache stores remediation decisions in a key-value backend and
// retrieves every decision that applies to an IP.
//
// Each key holds a list of compact records. IP, country and range decisions
// live under their own key; IPv4 ranges are also indexed in 256-address
// buckets so a lookup only has to test the ranges sharing the IP's bucket.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"

	"remedy/internal/domain"
	"remedy/internal/metrics"
	"remedy/internal/storage"
)

const (
	tagRemediation = "remediation"
	tagRangeBucket = "range_bucket"
)

var ErrCommitFailed = errors.New("cache: commit of deferred items failed")

// Result counts the key writes of one store or remove call. Deferred writes
// only become effective once the batch commits.
type Result struct {
	Done     int
	Deferred int
	// Removed is the record taken out of the decision's own key, if any.
	Removed *domain.CachedRecord
}

// BatchResult is the outcome of a committed batch.
type BatchResult struct {
	Done    int
	Records []domain.CachedRecord
}

type Store struct {
	adapter storage.Adapter
	keys    *keyBuilder
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	useTags bool
}

type Option func(*Store)

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithKeyCacheSize bounds the number of memoized cache keys.
func WithKeyCacheSize(size int) Option {
	return func(s *Store) {
		s.keys = newKeyBuilder(size)
	}
}

// WithTags controls whether items are written with invalidation tags.
func WithTags(enabled bool) Option {
	return func(s *Store) {
		s.useTags = enabled
	}
}

func New(adapter storage.Adapter, opts ...Option) *Store {
	s := &Store{
		adapter: adapter,
		logger:  log.Default(),
		now:     time.Now,
		useTags: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = newKeyBuilder(DefaultKeyCacheSize)
	}
	return s
}

// CacheKey returns the key a scope/value pair is stored under.
func (s *Store) CacheKey(scope domain.Scope, value string) (string, error) {
	return s.keys.Key(scope, value)
}

// Batch collects the writes of one caller. Reads made while building the
// batch see its own pending writes first, so a decision appearing twice is
// merged. Nothing is visible to other readers until Commit succeeds.
type Batch struct {
	parent  *Store
	pending *storage.Batch
}

// Begin starts an empty batch.
func (s *Store) Begin() *Batch {
	return &Batch{parent: s, pending: storage.NewBatch()}
}

type keyOperation func(ctx context.Context, d domain.Decision, bucket *uint32) (Result, error)

// StoreDecision queues the decision under every key it belongs to.
func (b *Batch) StoreDecision(ctx context.Context, d domain.Decision) (Result, error) {
	switch d.Scope() {
	case domain.ScopeIP, domain.ScopeCountry:
		return b.store(ctx, d, nil)
	case domain.ScopeRange:
		return b.handleRangeScoped(ctx, d, b.store)
	default:
		b.parent.logger.Warn("Decision scope is not implemented for store",
			"type", "CACHE_STORE_NON_IMPLEMENTED_SCOPE", "decision", d.Fields())
		return Result{}, nil
	}
}

// RemoveDecision takes the decision out of every key it belongs to. Keys left
// empty are deleted right away; the others are queued in the batch.
func (b *Batch) RemoveDecision(ctx context.Context, d domain.Decision) (Result, error) {
	switch d.Scope() {
	case domain.ScopeIP, domain.ScopeCountry:
		return b.remove(ctx, d, nil)
	case domain.ScopeRange:
		return b.handleRangeScoped(ctx, d, b.remove)
	default:
		b.parent.logger.Warn("Decision scope is not implemented for remove",
			"type", "CACHE_REMOVE_NON_IMPLEMENTED_SCOPE", "decision", d.Fields())
		return Result{}, nil
	}
}

// Pending is the number of queued key writes.
func (b *Batch) Pending() int {
	return b.pending.Len()
}

// Commit flushes the batch. It reports whether the backend accepted it. The
// batch is empty afterwards either way.
func (b *Batch) Commit(ctx context.Context) bool {
	s := b.parent
	if err := s.adapter.Commit(ctx, b.pending); err != nil {
		s.logger.Error("Cache commit failed", "type", "CACHE_COMMIT_FAILED", "error", err)
		s.metrics.CommitFailed()
		return false
	}
	return true
}

// StoreDecisions stores a list of decisions in one batch and commits once.
// Decisions that fail on their own are logged and skipped; a failed commit
// fails the whole list.
func (s *Store) StoreDecisions(ctx context.Context, decisions []domain.Decision) (BatchResult, error) {
	if len(decisions) == 0 {
		return BatchResult{}, nil
	}

	var (
		batch          = s.Begin()
		done, deferred int
		queued         []domain.CachedRecord
	)
	for _, d := range decisions {
		res, err := batch.StoreDecision(ctx, d)
		if err != nil {
			s.logger.Error("Decision store failed", "type", "CACHE_STORE_FAILED", "decision", d.Fields(), "error", err)
			continue
		}
		done += res.Done
		deferred += res.Deferred
		if res.Done+res.Deferred > 0 {
			queued = append(queued, d.Record())
		}
	}

	if !batch.Commit(ctx) {
		return BatchResult{}, fmt.Errorf("%w: %d decisions", ErrCommitFailed, len(decisions))
	}
	s.metrics.DecisionsStored(done + deferred)
	return BatchResult{Done: done + deferred, Records: queued}, nil
}

// RemoveDecisions removes a list of decisions in one batch and commits once.
func (s *Store) RemoveDecisions(ctx context.Context, decisions []domain.Decision) (BatchResult, error) {
	if len(decisions) == 0 {
		return BatchResult{}, nil
	}

	var (
		batch          = s.Begin()
		done, deferred int
		removed        []domain.CachedRecord
	)
	for _, d := range decisions {
		res, err := batch.RemoveDecision(ctx, d)
		if err != nil {
			s.logger.Error("Decision remove failed", "type", "CACHE_REMOVE_FAILED", "decision", d.Fields(), "error", err)
			continue
		}
		done += res.Done
		deferred += res.Deferred
		if res.Removed != nil {
			removed = append(removed, *res.Removed)
		}
	}

	if !batch.Commit(ctx) {
		return BatchResult{}, fmt.Errorf("%w: %d decisions", ErrCommitFailed, len(decisions))
	}
	s.metrics.DecisionsRemoved(done + deferred)
	return BatchResult{Done: done + deferred, Records: removed}, nil
}

// handleRangeScoped applies op to every bucket the range overlaps, then to
// the range's own key. Only the range key's counts are reported. When a key
// fails, the writes this decision queued are taken back out of the batch so
// the range is either fully indexed or not at all. Bucket keys already
// deleted by a remove stay deleted.
func (b *Batch) handleRangeScoped(ctx context.Context, d domain.Decision, op keyOperation) (Result, error) {
	prefix, ok := b.parent.manageRange(d)
	if !ok {
		return Result{}, nil
	}

	var undo []pendingState
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			b.restore(ctx, undo[i])
		}
	}

	first, last := bucketSpan(prefix)
	for n := uint64(first); n <= uint64(last); n++ {
		bucket := uint32(n)
		state, err := b.snapshot(d, &bucket)
		if err == nil {
			undo = append(undo, state)
			_, err = op(ctx, d, &bucket)
		}
		if err != nil {
			rollback()
			return Result{}, err
		}
	}

	state, err := b.snapshot(d, nil)
	if err != nil {
		rollback()
		return Result{}, err
	}
	undo = append(undo, state)
	res, err := op(ctx, d, nil)
	if err != nil {
		rollback()
		return Result{}, err
	}
	return res, nil
}

// pendingState is what the batch held for a key before an operation.
type pendingState struct {
	key    string
	item   storage.Item
	queued bool
}

func (b *Batch) snapshot(d domain.Decision, bucket *uint32) (pendingState, error) {
	key, err := b.parent.keyFor(d, bucket)
	if err != nil {
		return pendingState{}, err
	}
	key = backendKey(key)
	item, queued := b.pending.Get(key)
	return pendingState{key: key, item: item, queued: queued}, nil
}

func (b *Batch) restore(ctx context.Context, state pendingState) {
	if !state.queued {
		b.pending.Drop(state.key)
		return
	}
	if err := b.parent.adapter.SaveDeferred(ctx, b.pending, state.key, state.item); err != nil {
		b.parent.logger.Warn("Pending cache write could not be restored",
			"type", "CACHE_RESTORE_DEFERRED_FAILED", "key", state.key, "error", err)
	}
}

func (s *Store) manageRange(d domain.Decision) (netip.Prefix, bool) {
	prefix, err := netip.ParsePrefix(d.Value())
	if err != nil {
		s.logger.Error("Invalid range", "type", "INVALID_RANGE", "decision", d.Fields(), "error", err)
		return netip.Prefix{}, false
	}
	if !prefix.Addr().Is4() {
		s.logger.Warn("IPv6 ranges are not implemented", "type", "IPV6_RANGE_NOT_IMPLEMENTED", "decision", d.Fields())
		return netip.Prefix{}, false
	}
	return prefix, true
}

func (s *Store) keyFor(d domain.Decision, bucket *uint32) (string, error) {
	if bucket != nil {
		return s.keys.Key(ScopeRangeBucket, bucketValue(*bucket))
	}
	return s.keys.Key(d.Scope(), d.Value())
}

func (s *Store) tagsFor(d domain.Decision, bucket *uint32) []string {
	if !s.useTags {
		return nil
	}
	if bucket != nil {
		return []string{tagRangeBucket}
	}
	return []string{tagRemediation, string(d.Scope())}
}

// get reads a key through the batch: a live pending write wins over the
// committed value.
func (b *Batch) get(ctx context.Context, key string) (storage.Item, bool, error) {
	if item, ok := b.pending.Get(backendKey(key)); ok && !item.Expired(b.parent.now()) {
		return item, true, nil
	}
	return b.parent.adapter.Get(ctx, backendKey(key))
}

func (b *Batch) store(ctx context.Context, d domain.Decision, bucket *uint32) (Result, error) {
	s := b.parent
	key, err := s.keyFor(d, bucket)
	if err != nil {
		return Result{}, err
	}

	item, hit, err := b.get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	var records []domain.CachedRecord
	if hit {
		records = item.Records
	}
	if domain.IndexOf(records, d.Identifier()) >= 0 {
		return Result{}, nil
	}

	record := d.Record()
	if bucket != nil {
		record = d.BucketRecord()
	}
	records = append(CleanCachedValues(records, s.now()), record)

	if !b.saveDeferred(ctx, key, records, s.tagsFor(d, bucket)) {
		s.logger.Warn("Deferred cache store failed",
			"type", "CACHE_STORE_DEFERRED_FAILED", "decision", d.Fields(), "bucket", bucketField(bucket))
		return Result{}, nil
	}
	return Result{Deferred: 1}, nil
}

func (b *Batch) remove(ctx context.Context, d domain.Decision, bucket *uint32) (Result, error) {
	s := b.parent
	key, err := s.keyFor(d, bucket)
	if err != nil {
		return Result{}, err
	}

	item, hit, err := b.get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !hit {
		return Result{}, nil
	}

	idx := domain.IndexOf(item.Records, d.Identifier())
	if idx < 0 {
		return Result{}, nil
	}
	removed := item.Records[idx]
	remaining := make([]domain.CachedRecord, 0, len(item.Records)-1)
	remaining = append(remaining, item.Records[:idx]...)
	remaining = append(remaining, item.Records[idx+1:]...)
	remaining = CleanCachedValues(remaining, s.now())

	if len(remaining) == 0 {
		b.pending.Drop(backendKey(key))
		if err := s.adapter.Delete(ctx, backendKey(key)); err != nil {
			s.logger.Warn("Cache delete failed", "type", "CACHE_DELETE_FAILED", "key", key, "error", err)
			return Result{}, nil
		}
		return Result{Done: 1, Removed: &removed}, nil
	}

	if !b.saveDeferred(ctx, key, remaining, s.tagsFor(d, bucket)) {
		s.logger.Warn("Deferred cache store failed for removed decision",
			"type", "CACHE_STORE_DEFERRED_FAILED_FOR_REMOVE_DECISION", "decision", d.Fields(), "bucket", bucketField(bucket))
		return Result{}, nil
	}
	return Result{Deferred: 1, Removed: &removed}, nil
}

func (b *Batch) saveDeferred(ctx context.Context, key string, records []domain.CachedRecord, tags []string) bool {
	item := storage.Item{
		Records:   records,
		ExpiresAt: domain.MaxExpiration(records),
		Tags:      tags,
	}
	if err := b.parent.adapter.SaveDeferred(ctx, b.pending, backendKey(key), item); err != nil {
		b.parent.logger.Debug("Adapter rejected deferred item", "key", key, "error", err)
		return false
	}
	return true
}

func bucketField(bucket *uint32) any {
	if bucket == nil {
		return nil
	}
	return *bucket
}

// Prune sweeps expired items when the backend supports it.
func (s *Store) Prune(ctx context.Context) error {
	pruner, ok := s.adapter.(storage.Pruner)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotPruneable, s.adapter)
	}
	return pruner.Prune(ctx)
}

// Clear deletes every cached item.
func (s *Store) Clear(ctx context.Context) error {
	return s.adapter.Clear(ctx)
}

// InvalidateScope drops every item tagged with the scope. Range scope also
// drops the bucket index.
func (s *Store) InvalidateScope(ctx context.Context, scope domain.Scope) error {
	if !scope.Known() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	invalidator, ok := s.adapter.(storage.TagInvalidator)
	if !ok || !s.useTags {
		return fmt.Errorf("%w: %T", ErrNoTagInvalidation, s.adapter)
	}
	tags := []string{string(scope)}
	if scope == domain.ScopeRange {
		tags = append(tags, tagRangeBucket)
	}
	return invalidator.InvalidateTags(ctx, tags...)
}
