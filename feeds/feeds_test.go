package feeds_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"circlefeed/config"
	"circlefeed/db"
	"circlefeed/feeds"
	"circlefeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(t *testing.T) (feeds.Feed, *db.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Migrate(path))

	database, err := db.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.TomlConfig{
		Feed: config.TomlFeed{
			Id:          "circle",
			DisplayName: "The Circle",
			Description: "Posts from the circle",
		},
	}

	feedMap := feeds.InitializeFeeds(cfg, database)
	feed, ok := feedMap["circle"]
	require.True(t, ok)

	return feed, database
}

func TestInitializeFeeds(t *testing.T) {
	feed, _ := newTestFeed(t)

	assert.Equal(t, "circle", feed.Id)
	assert.Equal(t, "The Circle", feed.DisplayName)
	assert.Equal(t, "Posts from the circle", feed.Description)
	assert.NotNil(t, feed.Algorithm)
}

func TestChronologicalPagination(t *testing.T) {
	feed, database := newTestFeed(t)
	ctx := context.Background()

	require.NoError(t, database.InsertPosts(ctx, []models.Post{
		{Uri: "at://did:plc:alice/app.bsky.feed.post/1", Cid: "c1", Author: "did:plc:alice", IndexedAt: time.UnixMilli(1000).UTC()},
		{Uri: "at://did:plc:alice/app.bsky.feed.post/2", Cid: "c2", Author: "did:plc:alice", IndexedAt: time.UnixMilli(2000).UTC()},
		{Uri: "at://did:plc:alice/app.bsky.feed.post/3", Cid: "c3", Author: "did:plc:alice", IndexedAt: time.UnixMilli(3000).UTC()},
	}))

	page1, err := feed.Algorithm(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Feed, 2)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3", page1.Feed[0].Uri)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/2", page1.Feed[1].Uri)
	require.NotNil(t, page1.Cursor)
	assert.Equal(t, "2000::at://did:plc:alice/app.bsky.feed.post/2", *page1.Cursor)

	page2, err := feed.Algorithm(ctx, *page1.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Feed, 1)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/1", page2.Feed[0].Uri)
	assert.Nil(t, page2.Cursor)
}

func TestNoCursorOnExactFit(t *testing.T) {
	feed, database := newTestFeed(t)
	ctx := context.Background()

	require.NoError(t, database.InsertPosts(ctx, []models.Post{
		{Uri: "at://did:plc:alice/app.bsky.feed.post/1", Cid: "c1", Author: "did:plc:alice", IndexedAt: time.UnixMilli(1000).UTC()},
		{Uri: "at://did:plc:alice/app.bsky.feed.post/2", Cid: "c2", Author: "did:plc:alice", IndexedAt: time.UnixMilli(2000).UTC()},
	}))

	page, err := feed.Algorithm(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Feed, 2)
	assert.Nil(t, page.Cursor)
}

func TestInvalidCursorStartsFromTop(t *testing.T) {
	feed, database := newTestFeed(t)
	ctx := context.Background()

	require.NoError(t, database.InsertPosts(ctx, []models.Post{
		{Uri: "at://did:plc:alice/app.bsky.feed.post/1", Cid: "c1", Author: "did:plc:alice", IndexedAt: time.UnixMilli(1000).UTC()},
	}))

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "garbage", cursor: "not-a-cursor"},
		{name: "missing uri part", cursor: "1000"},
		{name: "non-numeric timestamp", cursor: "abc::at://x"},
		{name: "negative timestamp", cursor: "-5::at://x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := feed.Algorithm(ctx, tt.cursor, 10)
			require.NoError(t, err)
			assert.Len(t, page.Feed, 1)
		})
	}
}

func TestFormatCursor(t *testing.T) {
	cursor := feeds.FormatCursor(models.Post{
		Uri:       "at://did:plc:alice/app.bsky.feed.post/1",
		IndexedAt: time.UnixMilli(1700000000123).UTC(),
	})
	assert.Equal(t, "1700000000123::at://did:plc:alice/app.bsky.feed.post/1", cursor)
}

func TestEmptyFeed(t *testing.T) {
	feed, _ := newTestFeed(t)

	page, err := feed.Algorithm(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, page.Feed)
	assert.Nil(t, page.Cursor)
}
