package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	jetstream_models "github.com/bluesky-social/jetstream/pkg/models"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"circlefeed/allowlist"
	"circlefeed/models"
)

const (
	collectionPost   = "app.bsky.feed.post"
	collectionRepost = "app.bsky.feed.repost"

	// cursorSaveInterval bounds how much of the stream is replayed after a
	// restart. Replays are absorbed by the store's idempotent insert.
	cursorSaveInterval = 5 * time.Second
)

var (
	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_firehose_events_processed_total",
		Help: "The total number of Jetstream events processed",
	})

	postsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circlefeed_firehose_posts_accepted_total",
		Help: "The total number of posts accepted from the firehose",
	}, []string{"collection"})
)

// Store is the persistence surface the ingestor writes to.
type Store interface {
	InsertPosts(ctx context.Context, posts []models.Post) error
	GetSubscriptionCursor(ctx context.Context, service string) (int64, error)
	SetSubscriptionCursor(ctx context.Context, service string, cursor int64) error
}

// Ingestor turns raw Jetstream messages into stored posts. Events are
// processed in arrival order; the subscription cursor never moves past an
// event whose posts failed to store.
type Ingestor struct {
	store     Store
	list      allowlist.Allowlist
	optOutTag string
	service   string
	decoder   *zstd.Decoder
	postChan  chan<- models.Post

	offset    int64
	lastSaved time.Time
}

func NewIngestor(store Store, list allowlist.Allowlist, optOutTag string, service string, compress bool, postChan chan<- models.Post) (*Ingestor, error) {
	ing := &Ingestor{
		store:     store,
		list:      list,
		optOutTag: optOutTag,
		service:   service,
		postChan:  postChan,
	}

	if compress {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderDicts(jetstream_models.ZSTDDictionary))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		ing.decoder = decoder
	}

	return ing, nil
}

// Offset returns the highest fully processed event offset, which is where
// the stream should resume after a reconnect.
func (ing *Ingestor) Offset() int64 {
	return ing.offset
}

// ProcessMessage handles one raw websocket message. An error means the
// event's effects are not durable and its offset must not be committed.
func (ing *Ingestor) ProcessMessage(ctx context.Context, data []byte) error {
	if ing.decoder != nil {
		decompressed, err := ing.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decompressed
	}

	var event jetstream_models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	eventsProcessed.Inc()

	if err := ing.processEvent(ctx, &event); err != nil {
		return err
	}

	// The event's posts are durable (or it had none), so its offset is safe
	// to commit.
	if event.TimeUS > ing.offset {
		ing.offset = event.TimeUS
	}
	ing.maybeSaveCursor(ctx)

	return nil
}

func (ing *Ingestor) processEvent(ctx context.Context, event *jetstream_models.Event) error {
	if event.Commit == nil ||
		event.Commit.Operation != jetstream_models.CommitOperationCreate {
		return nil
	}

	collection := event.Commit.Collection
	if collection != collectionPost && collection != collectionRepost {
		return nil
	}

	op := allowlist.CreateOp{
		Author: event.Did,
		Uri:    fmt.Sprintf("at://%s/%s/%s", event.Did, collection, event.Commit.RKey),
		Cid:    event.Commit.CID,
	}

	if collection == collectionPost {
		var record bsky.FeedPost
		if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
			// Malformed record, skip the operation but keep the stream going
			log.WithFields(log.Fields{
				"uri": op.Uri,
			}).Warn("Skipping undecodable post record")
			return nil
		}
		op.Text = record.Text
	}

	accepted := allowlist.Filter(ing.list, ing.optOutTag, []allowlist.CreateOp{op})
	if len(accepted) == 0 {
		return nil
	}

	now := time.Now().UTC()
	posts := make([]models.Post, 0, len(accepted))
	for _, op := range accepted {
		posts = append(posts, models.Post{
			Uri:       op.Uri,
			Cid:       op.Cid,
			Author:    op.Author,
			IndexedAt: now,
		})
	}

	if err := ing.store.InsertPosts(ctx, posts); err != nil {
		return fmt.Errorf("failed to store posts: %w", err)
	}

	postsAccepted.WithLabelValues(collection).Add(float64(len(posts)))

	log.WithFields(log.Fields{
		"author":     event.Did,
		"collection": collection,
		"count":      len(posts),
	}).Info("Accepted posts from firehose")

	for _, post := range posts {
		ing.emit(post)
	}

	return nil
}

func (ing *Ingestor) emit(post models.Post) {
	if ing.postChan == nil {
		return
	}
	select {
	case ing.postChan <- post:
	default:
		log.Warn("Post channel full, dropping notification")
	}
}

func (ing *Ingestor) maybeSaveCursor(ctx context.Context) {
	if ing.offset == 0 || time.Since(ing.lastSaved) < cursorSaveInterval {
		return
	}
	if err := ing.saveCursor(ctx); err != nil {
		log.Errorf("Failed to save subscription cursor: %v", err)
	}
}

func (ing *Ingestor) saveCursor(ctx context.Context) error {
	if err := ing.store.SetSubscriptionCursor(ctx, ing.service, ing.offset); err != nil {
		return err
	}
	ing.lastSaved = time.Now()
	return nil
}

// Flush persists the current offset immediately, for use on shutdown and
// before a reconnect.
func (ing *Ingestor) Flush(ctx context.Context) error {
	if ing.offset == 0 {
		return nil
	}
	return ing.saveCursor(ctx)
}
