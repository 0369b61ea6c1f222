package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"parley/internal/changefeed"
)

// Applier is a component that accepts committed changes through the same
// path its local mutations use.
type Applier interface {
	Apply(ctx context.Context, ev changefeed.Event) error
}

// Syncer drives the change feed into the stateful components. Each event is
// routed by table; delivery is in sequence order with duplicates dropped, so
// a replayed backfill converges instead of double-applying.
type Syncer struct {
	feed    changefeed.Feed
	routes  map[string]Applier
	log     *zap.SugaredLogger
	lastSeq int64
}

func NewSyncer(feed changefeed.Feed, log *zap.SugaredLogger) *Syncer {
	return &Syncer{
		feed:   feed,
		routes: make(map[string]Applier),
		log:    log,
	}
}

// Route registers the applier owning the given tables.
func (s *Syncer) Route(applier Applier, tables ...string) {
	for _, table := range tables {
		s.routes[table] = applier
	}
}

// LastSeq is the highest sequence applied so far, the resume point for the
// next backfill.
func (s *Syncer) LastSeq() int64 {
	return atomic.LoadInt64(&s.lastSeq)
}

// Resume moves the cursor forward to seq. Everything at or below it is
// treated as already applied; call it after hydration with the feed head so
// catch-up covers only what the snapshot missed.
func (s *Syncer) Resume(seq int64) {
	for {
		cur := atomic.LoadInt64(&s.lastSeq)
		if seq <= cur || atomic.CompareAndSwapInt64(&s.lastSeq, cur, seq) {
			return
		}
	}
}

// Run catches up from the last confirmed sequence, then follows live
// delivery until the context ends or the feed closes. Routes must be
// registered before Run starts.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.catchUp(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.feed.Events():
			if !ok {
				return fmt.Errorf("change feed closed")
			}
			s.apply(ctx, ev)
		}
	}
}

// catchUp replays everything after the last applied sequence, in order.
func (s *Syncer) catchUp(ctx context.Context) error {
	events, err := s.feed.Backfill(ctx, s.LastSeq())
	if err != nil {
		return err
	}
	for _, ev := range events {
		s.apply(ctx, ev)
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, ev changefeed.Event) {
	if ev.Seq <= s.LastSeq() {
		return
	}
	applier, ok := s.routes[ev.Table]
	if !ok {
		s.log.Warnw("no route for feed event", "table", ev.Table, "seq", ev.Seq)
		atomic.StoreInt64(&s.lastSeq, ev.Seq)
		return
	}
	if err := applier.Apply(ctx, ev); err != nil {
		// A malformed or unappliable event must not wedge the stream.
		s.log.Errorw("feed event skipped", "table", ev.Table, "seq", ev.Seq, "op", ev.Op, "error", err)
	}
	atomic.StoreInt64(&s.lastSeq, ev.Seq)
}
