// Package feed keeps a client-side list of reviews in step with live events.
//
// The list is seeded from REST and then reconciled with pushed events: created entries are
// prepended once, vote updates overwrite counters, and updates shallow-merge into the
// matching entry. Events for reviews the feed does not hold are ignored, so duplicate or
// out-of-band deliveries are harmless.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pscheid92/reviewpulse/internal/client/live"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/wire"
	"golang.org/x/sync/singleflight"
)

const refreshTimeout = 20 * time.Second

var ErrMalformedPayload = errors.New("feed: malformed payload")

// Source is where live events come from; *live.Manager satisfies it.
type Source interface {
	On(event string, handler live.Handler) (off func())
}

// Refetcher loads the authoritative list, newest first.
type Refetcher func(ctx context.Context) ([]domain.Review, error)

type ChangeKind string

const (
	ChangeSeeded  ChangeKind = "seeded"
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeVoted   ChangeKind = "voted"
)

type Change struct {
	Kind     ChangeKind
	ReviewID string
}

// entry holds a review as its top-level JSON fields so updates can merge shallowly
// without knowing every field.
type entry map[string]json.RawMessage

type Feed struct {
	refetch Refetcher

	mu      sync.Mutex
	order   []string
	entries map[string]entry

	// While a refresh is fetching, applied events are also journaled and replayed on top
	// of the refetched list, which may predate them.
	journaling bool
	journal    []func()

	listenersMu sync.Mutex
	listeners   map[uint64]func(Change)
	nextID      atomic.Uint64

	refreshes singleflight.Group
}

// New returns an empty feed. refetch may be nil, in which case reconnects do not refresh.
func New(refetch Refetcher) *Feed {
	return &Feed{
		refetch:   refetch,
		entries:   make(map[string]entry),
		listeners: make(map[uint64]func(Change)),
	}
}

// Seed replaces the feed with reviews, keeping their order.
func (f *Feed) Seed(reviews []domain.Review) error {
	order, entries, err := buildEntries(reviews)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.order = order
	f.entries = entries
	f.mu.Unlock()

	f.notify(Change{Kind: ChangeSeeded})
	return nil
}

func buildEntries(reviews []domain.Review) ([]string, map[string]entry, error) {
	order := make([]string, 0, len(reviews))
	entries := make(map[string]entry, len(reviews))
	for _, r := range reviews {
		e, err := toEntry(r)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := entries[r.ID]; dup {
			continue
		}
		order = append(order, r.ID)
		entries[r.ID] = e
	}
	return order, entries, nil
}

// ApplyCreated prepends the review unless the feed already holds its id.
func (f *Feed) ApplyCreated(data json.RawMessage) error {
	e, id, err := decodeEntry(data)
	if err != nil {
		return err
	}

	if !f.insert(id, e) {
		return nil
	}
	f.notify(Change{Kind: ChangeCreated, ReviewID: id})
	return nil
}

// ApplyVoteUpdated overwrites the counters of a known review. The last event wins.
func (f *Feed) ApplyVoteUpdated(data json.RawMessage) error {
	var payload struct {
		ReviewID      string `json:"reviewId"`
		HelpfulCount  *int   `json:"helpfulCount"`
		DownVoteCount *int   `json:"downVoteCount"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ReviewID == "" || payload.HelpfulCount == nil {
		return fmt.Errorf("%w: vote update without reviewId or helpfulCount", ErrMalformedPayload)
	}
	down := 0
	if payload.DownVoteCount != nil {
		down = *payload.DownVoteCount
	}

	helpful := *payload.HelpfulCount

	f.mu.Lock()
	ok := f.setCountsLocked(payload.ReviewID, helpful, down)
	f.record(func() { f.setCountsLocked(payload.ReviewID, helpful, down) })
	f.mu.Unlock()

	if ok {
		f.notify(Change{Kind: ChangeVoted, ReviewID: payload.ReviewID})
	}
	return nil
}

// ApplyUpdated shallow-merges the body into the review with the same id.
func (f *Feed) ApplyUpdated(data json.RawMessage) error {
	patch, id, err := decodeEntry(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	ok := f.mergeLocked(id, patch)
	f.record(func() { f.mergeLocked(id, patch) })
	f.mu.Unlock()

	if ok {
		f.notify(Change{Kind: ChangeUpdated, ReviewID: id})
	}
	return nil
}

// AddLocal inserts a review the caller just created, ahead of its live echo.
func (f *Feed) AddLocal(r domain.Review) error {
	e, err := toEntry(r)
	if err != nil {
		return err
	}
	if f.insert(r.ID, e) {
		f.notify(Change{Kind: ChangeCreated, ReviewID: r.ID})
	}
	return nil
}

// AdjustVoteLocal applies an optimistic counter change. The next vote update from the
// server overwrites it.
func (f *Feed) AdjustVoteLocal(reviewID string, helpfulDelta, downDelta int) bool {
	f.mu.Lock()
	e, ok := f.entries[reviewID]
	if ok {
		helpful, down := intField(e, "helpfulCount"), intField(e, "downVoteCount")
		setCounts(e, max(0, helpful+helpfulDelta), max(0, down+downDelta))
	}
	f.mu.Unlock()

	if ok {
		f.notify(Change{Kind: ChangeVoted, ReviewID: reviewID})
	}
	return ok
}

// Refresh replaces the feed with the refetched list. Concurrent calls share one fetch.
// Events applied while the fetch is in flight are replayed on top of the result.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.refetch == nil {
		return nil
	}
	_, err, _ := f.refreshes.Do("refresh", func() (any, error) {
		return nil, f.refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("refresh feed: %w", err)
	}
	return nil
}

func (f *Feed) refresh(ctx context.Context) error {
	f.mu.Lock()
	f.journaling = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.journaling, f.journal = false, nil
		f.mu.Unlock()
	}()

	reviews, err := f.refetch(ctx)
	if err != nil {
		return err
	}
	order, entries, err := buildEntries(reviews)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.order, f.entries = order, entries
	for _, replay := range f.journal {
		replay()
	}
	f.journaling, f.journal = false, nil
	f.mu.Unlock()

	f.notify(Change{Kind: ChangeSeeded})
	return nil
}

// record journals replay while a refresh is in flight. f.mu must be held.
func (f *Feed) record(replay func()) {
	if f.journaling {
		f.journal = append(f.journal, replay)
	}
}

// Attach subscribes the feed to src and returns a function that detaches it. It can be
// called before src has connected; on every reconnect the feed refreshes from REST to
// catch up on events it missed.
func (f *Feed) Attach(src Source) (detach func()) {
	offs := []func(){
		src.On(wire.EventReviewCreated, f.handle(wire.EventReviewCreated, f.ApplyCreated)),
		src.On(wire.EventReviewVoteUpdated, f.handle(wire.EventReviewVoteUpdated, f.ApplyVoteUpdated)),
		src.On(wire.EventReviewUpdated, f.handle(wire.EventReviewUpdated, f.ApplyUpdated)),
		src.On(live.EventConnect, f.onConnect),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, off := range offs {
				off()
			}
		})
	}
}

func (f *Feed) handle(event string, apply func(json.RawMessage) error) live.Handler {
	return func(data json.RawMessage) {
		if err := apply(data); err != nil {
			slog.Warn("Dropping live event", "event", event, "error", err)
		}
	}
}

func (f *Feed) onConnect(data json.RawMessage) {
	var info live.ConnectInfo
	if err := json.Unmarshal(data, &info); err != nil || !info.Reconnect {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := f.Refresh(ctx); err != nil {
			slog.Warn("Feed refresh after reconnect failed", "error", err)
		}
	}()
}

// Snapshot returns the reviews in display order.
func (f *Feed) Snapshot() []domain.Review {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.Review, 0, len(f.order))
	for _, id := range f.order {
		r, err := fromEntry(f.entries[id])
		if err != nil {
			slog.Warn("Skipping undecodable review", "review_id", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (f *Feed) Get(reviewID string) (domain.Review, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[reviewID]
	if !ok {
		return domain.Review{}, false
	}
	r, err := fromEntry(e)
	if err != nil {
		return domain.Review{}, false
	}
	return r, true
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// OnChange registers fn for every applied change and returns a function that removes it.
// Callbacks run on the goroutine that applied the change.
func (f *Feed) OnChange(fn func(Change)) (off func()) {
	id := f.nextID.Add(1)
	f.listenersMu.Lock()
	f.listeners[id] = fn
	f.listenersMu.Unlock()

	return func() {
		f.listenersMu.Lock()
		delete(f.listeners, id)
		f.listenersMu.Unlock()
	}
}

func (f *Feed) notify(c Change) {
	f.listenersMu.Lock()
	fns := make([]func(Change), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.listenersMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (f *Feed) insert(id string, e entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := maps.Clone(e)
	f.record(func() { f.insertLocked(id, maps.Clone(snapshot)) })
	return f.insertLocked(id, e)
}

func (f *Feed) insertLocked(id string, e entry) bool {
	if _, exists := f.entries[id]; exists {
		return false
	}
	f.entries[id] = e
	f.order = slices.Insert(f.order, 0, id)
	return true
}

func (f *Feed) setCountsLocked(id string, helpful, down int) bool {
	e, ok := f.entries[id]
	if ok {
		setCounts(e, helpful, down)
	}
	return ok
}

func (f *Feed) mergeLocked(id string, patch entry) bool {
	e, ok := f.entries[id]
	if ok {
		maps.Copy(e, patch)
	}
	return ok
}

func decodeEntry(data json.RawMessage) (entry, string, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e == nil {
		return nil, "", fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	var id string
	if err := json.Unmarshal(e["id"], &id); err != nil || id == "" {
		return nil, "", fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	return e, id, nil
}

func toEntry(r domain.Review) (entry, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: review without id", ErrMalformedPayload)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func fromEntry(e entry) (domain.Review, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return domain.Review{}, err
	}
	var r domain.Review
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Review{}, err
	}
	return r, nil
}

func intField(e entry, key string) int {
	var n int
	_ = json.Unmarshal(e[key], &n)
	return n
}

// setCounts writes both counters and mirrors helpfulCount into _count.helpfulVotes.
func setCounts(e entry, helpful, down int) {
	e["helpfulCount"] = mustInt(helpful)
	e["downVoteCount"] = mustInt(down)

	counts := map[string]json.RawMessage{}
	_ = json.Unmarshal(e["_count"], &counts)
	if counts == nil {
		counts = map[string]json.RawMessage{}
	}
	counts["helpfulVotes"] = mustInt(helpful)
	data, _ := json.Marshal(counts)
	e["_count"] = data
}

func mustInt(n int) json.RawMessage {
	data, _ := json.Marshal(n)
	return data
}
