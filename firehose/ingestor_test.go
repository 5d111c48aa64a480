package firehose_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"circlefeed/allowlist"
	"circlefeed/firehose"
	"circlefeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	posts     []models.Post
	cursors   map[string]int64
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{cursors: map[string]int64{}}
}

func (s *fakeStore) InsertPosts(ctx context.Context, posts []models.Post) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.posts = append(s.posts, posts...)
	return nil
}

func (s *fakeStore) GetSubscriptionCursor(ctx context.Context, service string) (int64, error) {
	return s.cursors[service], nil
}

func (s *fakeStore) SetSubscriptionCursor(ctx context.Context, service string, cursor int64) error {
	s.cursors[service] = cursor
	return nil
}

func newTestIngestor(t *testing.T, store *fakeStore, postChan chan<- models.Post) *firehose.Ingestor {
	t.Helper()

	list := allowlist.New([]string{"did:plc:alice", "did:plc:bob"})
	ing, err := firehose.NewIngestor(store, list, "#np", "jetstream", false, postChan)
	require.NoError(t, err)
	return ing
}

func postMessage(did string, timeUS int64, rkey, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"did": %q,
		"time_us": %d,
		"kind": "commit",
		"commit": {
			"rev": "rev1",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": %q,
			"record": {"$type": "app.bsky.feed.post", "createdAt": "2024-01-01T10:00:00Z", "text": %q},
			"cid": "bafypost"
		}
	}`, did, timeUS, rkey, text))
}

func repostMessage(did string, timeUS int64, rkey string) []byte {
	return []byte(fmt.Sprintf(`{
		"did": %q,
		"time_us": %d,
		"kind": "commit",
		"commit": {
			"rev": "rev1",
			"operation": "create",
			"collection": "app.bsky.feed.repost",
			"rkey": %q,
			"record": {"$type": "app.bsky.feed.repost", "createdAt": "2024-01-01T10:00:00Z", "subject": {"cid": "bafyorig", "uri": "at://did:plc:carol/app.bsky.feed.post/orig"}},
			"cid": "bafyrepost"
		}
	}`, did, timeUS, rkey))
}

func TestProcessMessageStoresPost(t *testing.T) {
	store := newFakeStore()
	postChan := make(chan models.Post, 1)
	ing := newTestIngestor(t, store, postChan)

	err := ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 1000, "abc", "hello world"))
	require.NoError(t, err)

	require.Len(t, store.posts, 1)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", store.posts[0].Uri)
	assert.Equal(t, "bafypost", store.posts[0].Cid)
	assert.Equal(t, "did:plc:alice", store.posts[0].Author)
	assert.False(t, store.posts[0].IndexedAt.IsZero())

	assert.Equal(t, int64(1000), ing.Offset())

	select {
	case post := <-postChan:
		assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", post.Uri)
	default:
		t.Fatal("expected a post notification")
	}
}

func TestProcessMessageStoresRepost(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	err := ing.ProcessMessage(context.Background(), repostMessage("did:plc:bob", 2000, "xyz"))
	require.NoError(t, err)

	require.Len(t, store.posts, 1)
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.repost/xyz", store.posts[0].Uri)
	assert.Equal(t, "bafyrepost", store.posts[0].Cid)
	assert.Equal(t, int64(2000), ing.Offset())
}

func TestProcessMessageDropsUnknownAuthor(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	err := ing.ProcessMessage(context.Background(), postMessage("did:plc:mallory", 3000, "abc", "hello"))
	require.NoError(t, err)

	assert.Empty(t, store.posts)
	// The offset still advances past events the feed does not want
	assert.Equal(t, int64(3000), ing.Offset())
}

func TestProcessMessageDropsOptOutTag(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	err := ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 4000, "abc", "keep this one off the feed #NP"))
	require.NoError(t, err)

	assert.Empty(t, store.posts)
	assert.Equal(t, int64(4000), ing.Offset())
}

func TestProcessMessageIgnoresOtherOperations(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	deleteMsg := []byte(`{
		"did": "did:plc:alice",
		"time_us": 5000,
		"kind": "commit",
		"commit": {
			"rev": "rev1",
			"operation": "delete",
			"collection": "app.bsky.feed.post",
			"rkey": "abc"
		}
	}`)

	require.NoError(t, ing.ProcessMessage(context.Background(), deleteMsg))
	assert.Empty(t, store.posts)
	assert.Equal(t, int64(5000), ing.Offset())
}

func TestProcessMessageInsertFailureHoldsOffset(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	ing := newTestIngestor(t, store, nil)

	err := ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 6000, "abc", "hello"))
	require.Error(t, err)

	// Not committed, so a reconnect replays this event
	assert.Equal(t, int64(0), ing.Offset())

	store.insertErr = nil
	require.NoError(t, ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 6000, "abc", "hello")))
	require.Len(t, store.posts, 1)
	assert.Equal(t, int64(6000), ing.Offset())
}

func TestProcessMessageSkipsUndecodableRecord(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	badRecord := []byte(`{
		"did": "did:plc:alice",
		"time_us": 7000,
		"kind": "commit",
		"commit": {
			"rev": "rev1",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "abc",
			"record": {"$type": "app.bsky.feed.post", "text": 42},
			"cid": "bafypost"
		}
	}`)

	require.NoError(t, ing.ProcessMessage(context.Background(), badRecord))
	assert.Empty(t, store.posts)
	assert.Equal(t, int64(7000), ing.Offset())
}

func TestProcessMessageInvalidJSON(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	err := ing.ProcessMessage(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.Equal(t, int64(0), ing.Offset())
}

func TestOffsetNeverRegresses(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	require.NoError(t, ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 9000, "a", "one")))
	require.NoError(t, ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 8000, "b", "two")))

	assert.Equal(t, int64(9000), ing.Offset())
}

func TestFlushPersistsOffset(t *testing.T) {
	store := newFakeStore()
	ing := newTestIngestor(t, store, nil)

	// Nothing processed yet, nothing to persist
	require.NoError(t, ing.Flush(context.Background()))
	assert.Empty(t, store.cursors)

	require.NoError(t, ing.ProcessMessage(context.Background(), postMessage("did:plc:alice", 10000, "a", "one")))
	require.NoError(t, ing.Flush(context.Background()))

	assert.Equal(t, int64(10000), store.cursors["jetstream"])
}
