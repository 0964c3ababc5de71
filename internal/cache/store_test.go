package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"remedy/internal/domain"
	"remedy/internal/storage"
)

var testNow = time.Unix(1_700_000_000, 0)

func testClock() time.Time { return testNow }

type testStore struct {
	*Store
	mem  *storage.Memory
	logs *bytes.Buffer
}

func newTestStore(t *testing.T, adapter storage.Adapter) testStore {
	t.Helper()

	mem := storage.NewMemory().WithClock(testClock)
	if adapter == nil {
		adapter = mem
	}
	logs := &bytes.Buffer{}
	store := New(adapter, WithClock(testClock), WithLogger(log.New(logs)))
	return testStore{Store: store, mem: mem, logs: logs}
}

func decision(id string, scope domain.Scope, value, kind string, ttl time.Duration) domain.Decision {
	return domain.NewDecision(id, scope, value, kind, "lapi", testNow.Add(ttl).Unix())
}

// failingAdapter wraps the memory adapter and rejects selected operations.
type failingAdapter struct {
	*storage.Memory
	rejectDeferred bool
	failCommit     bool
	failGetKey     string
}

func (f *failingAdapter) Get(ctx context.Context, key string) (storage.Item, bool, error) {
	if key == f.failGetKey {
		return storage.Item{}, false, errors.New("read timeout")
	}
	return f.Memory.Get(ctx, key)
}

func (f *failingAdapter) SaveDeferred(ctx context.Context, batch *storage.Batch, key string, item storage.Item) error {
	if f.rejectDeferred {
		return errors.New("deferred queue full")
	}
	return f.Memory.SaveDeferred(ctx, batch, key, item)
}

func (f *failingAdapter) Commit(ctx context.Context, batch *storage.Batch) error {
	if f.failCommit {
		return errors.New("backend unavailable")
	}
	return f.Memory.Commit(ctx, batch)
}

// bareAdapter hides the optional interfaces of the memory adapter.
type bareAdapter struct {
	inner *storage.Memory
}

func (b bareAdapter) Get(ctx context.Context, key string) (storage.Item, bool, error) {
	return b.inner.Get(ctx, key)
}
func (b bareAdapter) SaveDeferred(ctx context.Context, batch *storage.Batch, key string, item storage.Item) error {
	return b.inner.SaveDeferred(ctx, batch, key, item)
}
func (b bareAdapter) Commit(ctx context.Context, batch *storage.Batch) error {
	return b.inner.Commit(ctx, batch)
}
func (b bareAdapter) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}
func (b bareAdapter) Clear(ctx context.Context) error { return b.inner.Clear(ctx) }

func TestCacheKey(t *testing.T) {
	store := newTestStore(t, nil)

	tests := []struct {
		scope domain.Scope
		value string
		want  string
	}{
		{domain.ScopeIP, "1.2.3.4", "ip_1.2.3.4"},
		{domain.ScopeRange, "1.2.3.0/24", "range_1.2.3.0_24"},
		{domain.ScopeIP, "2001:db8::1", "ip_2001_db8__1"},
		{domain.ScopeCountry, "FR", "country_FR"},
		{ScopeRangeBucket, "66051", "range_bucket_ipv4_66051"},
	}
	for _, tt := range tests {
		got, err := store.CacheKey(tt.scope, tt.value)
		if err != nil {
			t.Fatalf("CacheKey(%s, %s) error: %v", tt.scope, tt.value, err)
		}
		if got != tt.want {
			t.Fatalf("CacheKey(%s, %s) = %q, want %q", tt.scope, tt.value, got, tt.want)
		}
		again, _ := store.CacheKey(tt.scope, tt.value)
		if again != got {
			t.Fatalf("memoized key changed: %q != %q", again, got)
		}
	}

	if _, err := store.CacheKey("as", "12345"); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("CacheKey(as) error = %v, want ErrInvalidScope", err)
	}
}

func TestKeyMemoIsBounded(t *testing.T) {
	keys := newKeyBuilder(2)
	for _, v := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		if _, err := keys.Key(domain.ScopeIP, v); err != nil {
			t.Fatalf("Key: %v", err)
		}
	}
	if got := keys.memo.Len(); got != 2 {
		t.Fatalf("memo size = %d, want 2", got)
	}
}

func TestBucketForIP(t *testing.T) {
	got, err := BucketForIP("1.2.3.4")
	if err != nil {
		t.Fatalf("BucketForIP: %v", err)
	}
	if got != 66051 {
		t.Fatalf("BucketForIP(1.2.3.4) = %d, want 66051", got)
	}

	if _, err := BucketForIP("2001:db8::1"); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("BucketForIP(ipv6) error = %v, want ErrInvalidIP", err)
	}
	if _, err := BucketForIP("nope"); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("BucketForIP(nope) error = %v, want ErrInvalidIP", err)
	}
}

func TestBucketSpan(t *testing.T) {
	tests := []struct {
		cidr        string
		first, last uint32
	}{
		{"1.2.3.0/24", 66051, 66051},
		{"1.2.3.77/24", 66051, 66051},
		{"1.2.2.0/23", 66050, 66051},
		{"1.2.3.128/25", 66051, 66051},
		{"10.0.0.0/8", 10 << 16, 10<<16 + 0xFFFF},
		{"0.0.0.0/0", 0, 1<<24 - 1},
	}
	for _, tt := range tests {
		prefix := mustPrefix(t, tt.cidr)
		first, last := bucketSpan(prefix)
		if first != tt.first || last != tt.last {
			t.Fatalf("bucketSpan(%s) = [%d, %d], want [%d, %d]", tt.cidr, first, last, tt.first, tt.last)
		}
	}
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	d := decision("42", domain.ScopeIP, "1.2.3.4", "ban", time.Hour)
	batch := store.Begin()

	first, err := batch.StoreDecision(ctx, d)
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	if first.Deferred != 1 || first.Done != 0 {
		t.Fatalf("first store = %+v, want 1 deferred", first)
	}

	second, err := batch.StoreDecision(ctx, d)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if second.Deferred != 0 || second.Done != 0 {
		t.Fatalf("second store = %+v, want zero counts", second)
	}

	if !batch.Commit(ctx) {
		t.Fatal("commit failed")
	}
	records, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(records))
	}
}

func TestStoreMergesDecisionsOnSameKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	batch := []domain.Decision{
		decision("1", domain.ScopeIP, "1.2.3.4", "captcha", time.Hour),
		decision("2", domain.ScopeIP, "1.2.3.4", "ban", 2*time.Hour),
	}
	res, err := store.StoreDecisions(ctx, batch)
	if err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	if res.Done != 2 || len(res.Records) != 2 {
		t.Fatalf("StoreDecisions = %+v, want 2 done", res)
	}

	key, _ := store.CacheKey(domain.ScopeIP, "1.2.3.4")
	item, hit, _ := store.mem.Get(ctx, backendKey(key))
	if !hit || len(item.Records) != 2 {
		t.Fatalf("item hit=%v records=%d, want 2 records", hit, len(item.Records))
	}
	if want := testNow.Add(2 * time.Hour).Unix(); item.ExpiresAt != want {
		t.Fatalf("item expiration = %d, want max %d", item.ExpiresAt, want)
	}
	if item.Tags[0] != "remediation" || item.Tags[1] != "ip" {
		t.Fatalf("item tags = %v", item.Tags)
	}
}

func TestStoreStripsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	key, _ := store.CacheKey(domain.ScopeIP, "1.2.3.4")
	stale := storage.Item{
		Records:   []domain.CachedRecord{{Main: "ban", ExpiresAt: testNow.Unix() - 1, ID: "old"}, {Main: "captcha", ExpiresAt: testNow.Unix() + 60, ID: "fresh"}},
		ExpiresAt: testNow.Unix() + 60,
	}
	seed := storage.NewBatch()
	_ = store.mem.SaveDeferred(ctx, seed, backendKey(key), stale)
	_ = store.mem.Commit(ctx, seed)

	if _, err := store.StoreDecisions(ctx, []domain.Decision{decision("new", domain.ScopeIP, "1.2.3.4", "ban", time.Hour)}); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}

	item, _, _ := store.mem.Get(ctx, backendKey(key))
	ids := make([]string, 0, len(item.Records))
	for _, r := range item.Records {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "fresh,new" {
		t.Fatalf("record ids = %v, want [fresh new]", ids)
	}
}

func TestRangeFanOutAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	d := decision("7", domain.ScopeRange, "1.2.3.0/24", "ban", time.Hour)

	res, err := store.StoreDecisions(ctx, []domain.Decision{d})
	if err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	if res.Done != 1 {
		t.Fatalf("store done = %d, want 1", res.Done)
	}

	rangeKey, _ := store.CacheKey(domain.ScopeRange, "1.2.3.0/24")
	bucketKey, _ := store.CacheKey(ScopeRangeBucket, "66051")

	rangeItem, hit, _ := store.mem.Get(ctx, backendKey(rangeKey))
	if !hit || rangeItem.Records[0].Main != "ban" {
		t.Fatalf("range entry hit=%v records=%v, want ban", hit, rangeItem.Records)
	}
	bucketItem, hit, _ := store.mem.Get(ctx, backendKey(bucketKey))
	if !hit || bucketItem.Records[0].Main != "1.2.3.0/24" || bucketItem.Records[0].ID != "7" {
		t.Fatalf("bucket entry hit=%v records=%v, want the CIDR", hit, bucketItem.Records)
	}
	if bucketItem.Tags[0] != "range_bucket" {
		t.Fatalf("bucket tags = %v", bucketItem.Tags)
	}
	if got := store.mem.Len(); got != 2 {
		t.Fatalf("items = %d, want range + bucket", got)
	}

	removed, err := store.RemoveDecisions(ctx, []domain.Decision{d})
	if err != nil {
		t.Fatalf("RemoveDecisions: %v", err)
	}
	if removed.Done != 1 || len(removed.Records) != 1 {
		t.Fatalf("RemoveDecisions = %+v, want 1 done", removed)
	}
	if got := store.mem.Len(); got != 0 {
		t.Fatalf("items after remove = %d, want 0", got)
	}
}

func TestRangeSpanningBuckets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.StoreDecisions(ctx, []domain.Decision{decision("9", domain.ScopeRange, "1.2.2.0/23", "captcha", time.Hour)}); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	if got := store.mem.Len(); got != 3 {
		t.Fatalf("items = %d, want 2 buckets + range", got)
	}

	for _, ip := range []string{"1.2.2.1", "1.2.3.254"} {
		records, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeRange, ip)
		if err != nil {
			t.Fatalf("retrieve %s: %v", ip, err)
		}
		if len(records) != 1 || records[0].Main != "captcha" {
			t.Fatalf("records for %s = %v, want captcha", ip, records)
		}
	}
}

func TestRangeRetrievalChecksContainment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	batch := []domain.Decision{
		decision("1", domain.ScopeRange, "1.2.3.0/25", "ban", time.Hour),
		decision("2", domain.ScopeRange, "1.2.3.128/25", "captcha", time.Hour),
	}
	if _, err := store.StoreDecisions(ctx, batch); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}

	records, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeRange, "1.2.3.200")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 1 || records[0].Main != "captcha" {
		t.Fatalf("records = %v, want only the containing range", records)
	}

	none, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeRange, "1.2.4.1")
	if err != nil {
		t.Fatalf("retrieve outside: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("records outside = %v, want none", none)
	}

	v6, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeRange, "2001:db8::1")
	if err != nil || len(v6) != 0 {
		t.Fatalf("ipv6 range retrieval = %v, %v; want empty", v6, err)
	}
}

func TestUnknownScopeIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	d := decision("1", domain.Scope("as"), "AS1234", "ban", time.Hour)
	batch := store.Begin()

	res, err := batch.StoreDecision(ctx, d)
	if err != nil || res.Done != 0 || res.Deferred != 0 {
		t.Fatalf("store unknown scope = %+v, %v; want zero counts", res, err)
	}
	res, err = batch.RemoveDecision(ctx, d)
	if err != nil || res.Done != 0 || res.Deferred != 0 {
		t.Fatalf("remove unknown scope = %+v, %v; want zero counts", res, err)
	}
	if !strings.Contains(store.logs.String(), "CACHE_STORE_NON_IMPLEMENTED_SCOPE") {
		t.Fatalf("expected unimplemented scope warning, logs: %s", store.logs.String())
	}
}

func TestUnsupportedRanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	batch := store.Begin()
	v6 := decision("1", domain.ScopeRange, "2001:db8::/64", "ban", time.Hour)
	res, err := batch.StoreDecision(ctx, v6)
	if err != nil || res.Deferred != 0 {
		t.Fatalf("store ipv6 range = %+v, %v; want no-op", res, err)
	}
	if !strings.Contains(store.logs.String(), "IPV6_RANGE_NOT_IMPLEMENTED") {
		t.Fatalf("expected IPv6 warning, logs: %s", store.logs.String())
	}

	bad := decision("2", domain.ScopeRange, "1.2.3.0/99", "ban", time.Hour)
	res, err = batch.StoreDecision(ctx, bad)
	if err != nil || res.Deferred != 0 {
		t.Fatalf("store malformed range = %+v, %v; want no-op", res, err)
	}
	if !strings.Contains(store.logs.String(), "INVALID_RANGE") {
		t.Fatalf("expected invalid range error, logs: %s", store.logs.String())
	}
	if !batch.Commit(ctx) || store.mem.Len() != 0 {
		t.Fatalf("unsupported ranges should not write anything, items = %d", store.mem.Len())
	}
}

func TestRemoveKeepsOtherRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	keep := decision("1", domain.ScopeIP, "1.2.3.4", "captcha", time.Hour)
	drop := decision("2", domain.ScopeIP, "1.2.3.4", "ban", time.Hour)

	if _, err := store.StoreDecisions(ctx, []domain.Decision{keep, drop}); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}

	batch := store.Begin()
	res, err := batch.RemoveDecision(ctx, drop)
	if err != nil {
		t.Fatalf("RemoveDecision: %v", err)
	}
	if res.Deferred != 1 || res.Done != 0 || res.Removed == nil || res.Removed.ID != "2" {
		t.Fatalf("RemoveDecision = %+v, want 1 deferred rewrite of record 2", res)
	}
	if !batch.Commit(ctx) {
		t.Fatal("commit failed")
	}

	records, _ := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.2.3.4")
	if len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("records = %v, want only record 1", records)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	res, err := store.Begin().RemoveDecision(ctx, decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour))
	if err != nil || res.Done != 0 || res.Deferred != 0 || res.Removed != nil {
		t.Fatalf("remove on empty cache = %+v, %v", res, err)
	}

	if _, err := store.StoreDecisions(ctx, []domain.Decision{decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour)}); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	res, err = store.Begin().RemoveDecision(ctx, decision("other", domain.ScopeIP, "1.2.3.4", "ban", time.Hour))
	if err != nil || res.Done != 0 || res.Deferred != 0 {
		t.Fatalf("remove of unknown identifier = %+v, %v", res, err)
	}
}

func TestExpiredRecordsAreNotRetrieved(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	key, _ := store.CacheKey(domain.ScopeIP, "1.2.3.4")
	item := storage.Item{
		Records:   []domain.CachedRecord{{Main: "ban", ExpiresAt: testNow.Unix() - 10, ID: "1"}, {Main: "captcha", ExpiresAt: testNow.Unix() + 10, ID: "2"}},
		ExpiresAt: testNow.Unix() + 10,
	}
	seed := storage.NewBatch()
	_ = store.mem.SaveDeferred(ctx, seed, backendKey(key), item)
	_ = store.mem.Commit(ctx, seed)

	records, err := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 1 || records[0].Main != "captcha" {
		t.Fatalf("records = %v, want only the live captcha", records)
	}
}

func TestCleanCachedValues(t *testing.T) {
	records := []domain.CachedRecord{
		{Main: "ban", ExpiresAt: testNow.Unix() - 1, ID: "past"},
		{Main: "ban", ExpiresAt: testNow.Unix(), ID: "now"},
		{Main: "ban", ExpiresAt: testNow.Unix() + 1, ID: "future"},
	}
	cleaned := CleanCachedValues(records, testNow)
	if len(cleaned) != 2 || cleaned[0].ID != "now" || cleaned[1].ID != "future" {
		t.Fatalf("cleaned = %v, want [now future]", cleaned)
	}
	if len(records) != 3 {
		t.Fatal("CleanCachedValues must not modify its input")
	}
}

func TestDeferredRejectionIsNotCounted(t *testing.T) {
	ctx := context.Background()
	adapter := &failingAdapter{Memory: storage.NewMemory().WithClock(testClock), rejectDeferred: true}
	store := newTestStore(t, adapter)

	res, err := store.Begin().StoreDecision(ctx, decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour))
	if err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if res.Deferred != 0 {
		t.Fatalf("deferred = %d, want 0 when adapter rejects", res.Deferred)
	}
	if !strings.Contains(store.logs.String(), "CACHE_STORE_DEFERRED_FAILED") {
		t.Fatalf("expected deferred failure warning, logs: %s", store.logs.String())
	}
}

func TestFailedCommitFailsBatch(t *testing.T) {
	ctx := context.Background()
	adapter := &failingAdapter{Memory: storage.NewMemory().WithClock(testClock), failCommit: true}
	store := newTestStore(t, adapter)

	res, err := store.StoreDecisions(ctx, []domain.Decision{
		decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour),
		decision("2", domain.ScopeRange, "1.2.3.0/24", "ban", time.Hour),
	})
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("StoreDecisions error = %v, want ErrCommitFailed", err)
	}
	if res.Done != 0 || len(res.Records) != 0 {
		t.Fatalf("failed batch = %+v, want zero", res)
	}
	if !strings.Contains(store.logs.String(), "CACHE_COMMIT_FAILED") {
		t.Fatalf("expected commit failure log, logs: %s", store.logs.String())
	}
}

func TestCountryScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.StoreDecisions(ctx, []domain.Decision{decision("5", domain.ScopeCountry, "FR", "captcha", time.Hour)}); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	records, err := store.RetrieveDecisionsForCountry(ctx, "FR")
	if err != nil {
		t.Fatalf("RetrieveDecisionsForCountry: %v", err)
	}
	if len(records) != 1 || records[0].Main != "captcha" {
		t.Fatalf("records = %v, want captcha", records)
	}
	if others, _ := store.RetrieveDecisionsForCountry(ctx, "DE"); len(others) != 0 {
		t.Fatalf("records for DE = %v, want none", others)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()

	if err := newTestStore(t, nil).Prune(ctx); err != nil {
		t.Fatalf("Prune on memory: %v", err)
	}

	bare := newTestStore(t, bareAdapter{inner: storage.NewMemory()})
	if err := bare.Prune(ctx); !errors.Is(err, ErrNotPruneable) {
		t.Fatalf("Prune on bare adapter = %v, want ErrNotPruneable", err)
	}
}

func TestInvalidateScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	batch := []domain.Decision{
		decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour),
		decision("2", domain.ScopeRange, "5.6.7.0/24", "ban", time.Hour),
	}
	if _, err := store.StoreDecisions(ctx, batch); err != nil {
		t.Fatalf("StoreDecisions: %v", err)
	}
	if err := store.InvalidateScope(ctx, domain.ScopeRange); err != nil {
		t.Fatalf("InvalidateScope: %v", err)
	}
	if got := store.mem.Len(); got != 1 {
		t.Fatalf("items after invalidation = %d, want only the ip entry", got)
	}

	if err := store.InvalidateScope(ctx, "as"); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("InvalidateScope(as) = %v, want ErrInvalidScope", err)
	}
	bare := newTestStore(t, bareAdapter{inner: storage.NewMemory()})
	if err := bare.InvalidateScope(ctx, domain.ScopeIP); !errors.Is(err, ErrNoTagInvalidation) {
		t.Fatalf("InvalidateScope on bare adapter = %v, want ErrNoTagInvalidation", err)
	}
	untagged := New(storage.NewMemory(), WithTags(false))
	if err := untagged.InvalidateScope(ctx, domain.ScopeIP); !errors.Is(err, ErrNoTagInvalidation) {
		t.Fatalf("InvalidateScope without tags = %v, want ErrNoTagInvalidation", err)
	}
}

func TestWarmMarker(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	warm, err := store.IsWarm(ctx)
	if err != nil || warm {
		t.Fatalf("IsWarm on empty cache = %v, %v", warm, err)
	}
	if err := store.MarkWarm(ctx); err != nil {
		t.Fatalf("MarkWarm: %v", err)
	}
	if warm, _ := store.IsWarm(ctx); !warm {
		t.Fatal("cache should be warm after MarkWarm")
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if warm, _ := store.IsWarm(ctx); warm {
		t.Fatal("Clear should reset the warm marker")
	}
}

func TestVariables(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if err := store.SaveVariable(ctx, ScopeGeolocation, "1.2.3.4", "country", "FR", time.Minute); err != nil {
		t.Fatalf("SaveVariable: %v", err)
	}
	got, ok, err := store.Variable(ctx, ScopeGeolocation, "1.2.3.4", "country")
	if err != nil || !ok || got != "FR" {
		t.Fatalf("Variable = %q, %v, %v; want FR", got, ok, err)
	}
	if _, ok, _ := store.Variable(ctx, ScopeGeolocation, "1.2.3.4", "not_found"); ok {
		t.Fatal("unexpected not_found variable")
	}
}

func TestBatchesCommitIndependently(t *testing.T) {
	ctx := context.Background()
	adapter := &failingAdapter{Memory: storage.NewMemory().WithClock(testClock)}
	store := newTestStore(t, adapter)

	mine, theirs := store.Begin(), store.Begin()
	if _, err := mine.StoreDecision(ctx, decision("1", domain.ScopeIP, "1.1.1.1", "ban", time.Hour)); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if _, err := theirs.StoreDecision(ctx, decision("2", domain.ScopeIP, "2.2.2.2", "ban", time.Hour)); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}

	if records, _ := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.1.1.1"); len(records) != 0 {
		t.Fatalf("uncommitted records visible: %v", records)
	}

	adapter.failCommit = true
	if theirs.Commit(ctx) {
		t.Fatal("commit should fail while the backend is down")
	}
	adapter.failCommit = false

	if mine.Pending() != 1 {
		t.Fatalf("pending = %d after another batch failed, want 1", mine.Pending())
	}
	if !mine.Commit(ctx) {
		t.Fatal("commit failed")
	}
	if records, _ := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.1.1.1"); len(records) != 1 {
		t.Fatalf("records for committed batch = %v, want 1", records)
	}
	if records, _ := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "2.2.2.2"); len(records) != 0 {
		t.Fatalf("records for failed batch = %v, want none", records)
	}
}

func TestBatchReadsItsOwnPendingWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	batch := store.Begin()

	d := decision("1", domain.ScopeIP, "1.2.3.4", "ban", time.Hour)
	if _, err := batch.StoreDecision(ctx, d); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if _, err := batch.StoreDecision(ctx, decision("2", domain.ScopeIP, "1.2.3.4", "captcha", time.Hour)); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	res, err := batch.RemoveDecision(ctx, d)
	if err != nil {
		t.Fatalf("RemoveDecision: %v", err)
	}
	if res.Removed == nil || res.Removed.ID != "1" {
		t.Fatalf("RemoveDecision = %+v, want record 1 taken from the pending write", res)
	}

	// Another batch sees only committed data.
	if res, _ := store.Begin().RemoveDecision(ctx, d); res.Removed != nil {
		t.Fatalf("other batch removed %+v from uncommitted data", res.Removed)
	}

	if !batch.Commit(ctx) {
		t.Fatal("commit failed")
	}
	records, _ := store.RetrieveDecisionsForIP(ctx, domain.ScopeIP, "1.2.3.4")
	if len(records) != 1 || records[0].ID != "2" {
		t.Fatalf("records = %v, want only record 2", records)
	}
}

func TestRangeFailureRestoresBatch(t *testing.T) {
	ctx := context.Background()
	adapter := &failingAdapter{Memory: storage.NewMemory().WithClock(testClock)}
	store := newTestStore(t, adapter)

	failing, _ := store.CacheKey(domain.ScopeRange, "1.2.2.0/23")
	adapter.failGetKey = backendKey(failing)

	batch := store.Begin()
	if _, err := batch.StoreDecision(ctx, decision("1", domain.ScopeRange, "1.2.3.0/24", "ban", time.Hour)); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if got := batch.Pending(); got != 2 {
		t.Fatalf("pending = %d, want bucket + range", got)
	}

	if _, err := batch.StoreDecision(ctx, decision("2", domain.ScopeRange, "1.2.2.0/23", "captcha", time.Hour)); err == nil {
		t.Fatal("expected the range key read error")
	}
	if got := batch.Pending(); got != 2 {
		t.Fatalf("pending after failed range = %d, want 2", got)
	}

	if !batch.Commit(ctx) {
		t.Fatal("commit failed")
	}
	bucketKey, _ := store.CacheKey(ScopeRangeBucket, "66051")
	item, hit, _ := adapter.Memory.Get(ctx, backendKey(bucketKey))
	if !hit || len(item.Records) != 1 || item.Records[0].ID != "1" {
		t.Fatalf("bucket hit=%v records=%v, want only the /24", hit, item.Records)
	}
	otherBucket, _ := store.CacheKey(ScopeRangeBucket, "66050")
	if _, hit, _ := adapter.Memory.Get(ctx, backendKey(otherBucket)); hit {
		t.Fatal("bucket of the failed range should not be written")
	}
}
