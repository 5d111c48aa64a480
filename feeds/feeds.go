package feeds

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"circlefeed/config"
	"circlefeed/db"
	"circlefeed/models"

	log "github.com/sirupsen/logrus"
)

type Algorithm func(ctx context.Context, cursor string, limit int) (*models.FeedResponse, error)

type Feed struct {
	Id          string
	DisplayName string
	Description string
	AvatarPath  string
	Algorithm   Algorithm
}

// InitializeFeeds builds the feed map served by the skeleton endpoint. The
// generator publishes a single chronological feed.
func InitializeFeeds(cfg *config.TomlConfig, database *db.DB) map[string]Feed {
	return map[string]Feed{
		cfg.Feed.Id: {
			Id:          cfg.Feed.Id,
			DisplayName: cfg.Feed.DisplayName,
			Description: cfg.Feed.Description,
			AvatarPath:  cfg.Feed.AvatarPath,
			Algorithm:   chronological(database),
		},
	}
}

// chronological pages through the store newest-first. The cursor encodes the
// position after the last returned post as "unixMillis::uri"; the uri
// tie-break keeps pages stable while ingestion appends rows concurrently.
func chronological(database *db.DB) Algorithm {
	return func(ctx context.Context, cursor string, limit int) (*models.FeedResponse, error) {
		cursorMillis, cursorUri := safeParseCursor(cursor)

		posts, err := database.GetFeed(ctx, limit+1, cursorMillis, cursorUri)
		if err != nil {
			log.Error("Error getting feed", err)
			return nil, err
		}

		var nextCursor *string

		// Only set cursor if we have more results
		if len(posts) > limit {
			posts = posts[:limit]
			last := posts[len(posts)-1]
			formatted := FormatCursor(last)
			nextCursor = &formatted
		}

		feed := make([]models.FeedPost, len(posts))
		for i, post := range posts {
			feed[i] = models.FeedPost{Uri: post.Uri}
		}

		return &models.FeedResponse{
			Feed:   feed,
			Cursor: nextCursor,
		}, nil
	}
}

// FormatCursor encodes the pagination position after the given post.
func FormatCursor(post models.Post) string {
	return fmt.Sprintf("%d::%s", post.IndexedAt.UnixMilli(), post.Uri)
}

// safeParseCursor parses an opaque feed cursor. An invalid or empty cursor
// means "from the top".
func safeParseCursor(cursor string) (int64, string) {
	if cursor == "" {
		return 0, ""
	}
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return 0, ""
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || millis <= 0 {
		return 0, ""
	}
	return millis, parts[1]
}
