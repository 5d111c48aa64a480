package firehose

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"circlefeed/allowlist"
	"circlefeed/models"
)

// ServiceName keys the subscription cursor row in the store.
const ServiceName = "jetstream"

// FirehoseConfig holds configuration for the firehose subscription
type FirehoseConfig struct {
	JetstreamHosts    []string
	JetstreamCompress bool
	UserAgent         string
}

// Subscribe maintains a live subscription to the Jetstream firehose until
// the context is cancelled, resuming from the last committed offset across
// reconnects. Accepted posts are written to the store and, when postChan is
// non-nil, also emitted there.
func Subscribe(ctx context.Context, store Store, list allowlist.Allowlist, optOutTag string, config FirehoseConfig, postChan chan<- models.Post) error {
	cursor, err := store.GetSubscriptionCursor(ctx, ServiceName)
	if err != nil {
		log.Errorf("Failed to read subscription cursor, starting from live: %v", err)
		cursor = 0
	}

	ing, err := NewIngestor(store, list, optOutTag, ServiceName, config.JetstreamCompress, postChan)
	if err != nil {
		return err
	}
	ing.offset = cursor

	for {
		select {
		case <-ctx.Done():
			flush(ing)
			return ctx.Err()
		default:
		}

		conn, err := SubscribeJetstream(ctx, JetstreamConfig{
			Hosts:             config.JetstreamHosts,
			Compress:          config.JetstreamCompress,
			UserAgent:         config.UserAgent,
			WantedCollections: []string{collectionPost, collectionRepost},
			WantedDids:        list.DIDs(),
			Cursor:            ing.Offset(),
		})
		if err != nil {
			flush(ing)
			return err
		}

		if err := readLoop(ctx, conn, ing); err != nil && ctx.Err() == nil {
			log.Errorf("Firehose read loop ended, reconnecting: %v", err)
		}
		conn.Close()
		flush(ing)
	}
}

func readLoop(ctx context.Context, conn interface {
	ReadMessage() (int, []byte, error)
}, ing *Ingestor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if err := ing.ProcessMessage(ctx, message); err != nil {
			// The event was not durably applied; stop before its offset can
			// be committed and replay it after the reconnect.
			return err
		}
	}
}

func flush(ing *Ingestor) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ing.Flush(ctx); err != nil {
		log.Errorf("Failed to flush subscription cursor: %v", err)
	}
}
