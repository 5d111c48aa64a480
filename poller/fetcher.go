// Package poller incrementally backfills each tracked author's post history
// from their public feed, independent of firehose availability.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"circlefeed/models"
)

var (
	pollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_poll_ticks_total",
		Help: "The total number of completed poll ticks",
	})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_poll_errors_total",
		Help: "The total number of failed per-author polls",
	})

	pollPostsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_poll_posts_accepted_total",
		Help: "The total number of posts accepted from author feed polls",
	})
)

// Store is the persistence surface the fetcher writes to.
type Store interface {
	InsertPosts(ctx context.Context, posts []models.Post) error
	GetAuthorCursor(ctx context.Context, author string) (time.Time, bool, error)
	SetAuthorCursor(ctx context.Context, author string, cursor time.Time) error
}

// FeedSource fetches one page of an author's public feed.
type FeedSource interface {
	AuthorFeed(ctx context.Context, actor string, limit int64) (*bsky.FeedGetAuthorFeed_Output, error)
}

// Config holds the fetcher settings.
type Config struct {
	// Authors is the list of DIDs to poll each tick.
	Authors []string

	// Interval between ticks.
	Interval time.Duration

	// FetchTimeout bounds one author's fetch-and-store round trip.
	FetchTimeout time.Duration

	// PageSize is requested once an author has a stored cursor.
	PageSize int64

	// InitialPageSize is requested on an author's first ever poll, when the
	// whole recent history is still missing.
	InitialPageSize int64
}

// Fetcher polls tracked authors on a fixed interval, keeping a per-author
// watermark so each tick only stores entries newer than what is already
// durable.
type Fetcher struct {
	store  Store
	source FeedSource
	config Config
}

func New(store Store, source FeedSource, config Config) *Fetcher {
	return &Fetcher{
		store:  store,
		source: source,
		config: config,
	}
}

// Run polls immediately, then on every interval tick until the context is
// cancelled. Ticks run inline, so a slow tick delays the next one instead of
// overlapping with it.
func (f *Fetcher) Run(ctx context.Context) {
	f.Tick(ctx)

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick fetches all tracked authors once. A failure for one author is logged
// and does not affect the others; the failed author's cursor stays put so
// the next tick retries the same window.
func (f *Fetcher) Tick(ctx context.Context) {
	for _, author := range f.config.Authors {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, f.config.FetchTimeout)
		err := f.fetchAuthor(fetchCtx, author)
		cancel()

		if err != nil {
			pollErrors.Inc()
			log.WithFields(log.Fields{
				"author": author,
			}).Errorf("Failed to poll author feed: %v", err)
		}
	}
	pollTicks.Inc()
}

func (f *Fetcher) fetchAuthor(ctx context.Context, author string) error {
	cursor, hasCursor, err := f.store.GetAuthorCursor(ctx, author)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	limit := f.config.PageSize
	if !hasCursor {
		// First poll for this author, grab a bigger slice of history
		limit = f.config.InitialPageSize
	}

	out, err := f.source.AuthorFeed(ctx, author, limit)
	if err != nil {
		return err
	}

	var posts []models.Post
	var latest time.Time

	for _, entry := range out.Feed {
		post, ok := feedEntryPost(author, entry)
		if !ok {
			continue
		}
		// Strictly newer than the watermark, equal timestamps were already
		// stored by a previous tick
		if !post.IndexedAt.After(cursor) {
			continue
		}
		if post.IndexedAt.After(latest) {
			latest = post.IndexedAt
		}
		posts = append(posts, post)
	}

	if len(posts) == 0 {
		return nil
	}

	// Write-then-cursor: the watermark only moves once the batch is durable,
	// so a crash in between re-delivers the same entries and the idempotent
	// insert absorbs them.
	if err := f.store.InsertPosts(ctx, posts); err != nil {
		return fmt.Errorf("failed to store posts: %w", err)
	}
	if err := f.store.SetAuthorCursor(ctx, author, latest); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	pollPostsAccepted.Add(float64(len(posts)))

	log.WithFields(log.Fields{
		"author": author,
		"count":  len(posts),
		"cursor": latest.Format(time.RFC3339),
	}).Info("Accepted posts from author feed")

	return nil
}

// feedEntryPost maps one author feed entry to a post row. The effective
// timestamp of a repost is the repost's own indexing time, not the original
// post's creation time, so a freshly reposted old post still counts as
// recent. Malformed entries report ok=false.
func feedEntryPost(author string, entry *bsky.FeedDefs_FeedViewPost) (models.Post, bool) {
	if entry == nil || entry.Post == nil || entry.Post.Uri == "" || entry.Post.Cid == "" {
		return models.Post{}, false
	}

	var timestamp string
	if entry.Reason != nil && entry.Reason.FeedDefs_ReasonRepost != nil {
		timestamp = entry.Reason.FeedDefs_ReasonRepost.IndexedAt
	} else {
		record, ok := feedPostRecord(entry.Post)
		if !ok {
			return models.Post{}, false
		}
		timestamp = record.CreatedAt
	}

	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return models.Post{}, false
	}

	return models.Post{
		Uri:       entry.Post.Uri,
		Cid:       entry.Post.Cid,
		Author:    author,
		IndexedAt: parsed.UTC(),
	}, true
}

func feedPostRecord(view *bsky.FeedDefs_PostView) (*bsky.FeedPost, bool) {
	if view.Record == nil {
		return nil, false
	}
	record, ok := view.Record.Val.(*bsky.FeedPost)
	return record, ok
}
