package bluesky

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/gommon/log"
)

const DefaultPDSHost = "https://bsky.social"

// DefaultPublicHost serves the unauthenticated AppView API.
const DefaultPublicHost = "https://public.api.bsky.app"

type Credentials struct {
	Identifier string
	Password   string
}

type Client struct {
	xrpc *xrpc.Client
}

// PublicClient returns a client for unauthenticated AppView reads. An empty
// host selects the default public endpoint.
func PublicClient(host string) *Client {
	if host == "" {
		host = DefaultPublicHost
	}
	return &Client{
		xrpc: &xrpc.Client{
			Host:   host,
			Client: &http.Client{Timeout: 30 * time.Second},
		},
	}
}

func ClientFromCredentials(ctx context.Context, host string, creds *Credentials) (*Client, error) {
	auth, err := atproto.ServerCreateSession(ctx, &xrpc.Client{Host: host}, &atproto.ServerCreateSession_Input{
		Identifier: creds.Identifier,
		Password:   creds.Password,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	xrpcClient := &xrpc.Client{
		Host: host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  auth.AccessJwt,
			RefreshJwt: auth.RefreshJwt,
			Handle:     auth.Handle,
			Did:        auth.Did,
		},
		Client: http.DefaultClient,
	}

	return &Client{xrpc: xrpcClient}, nil
}

// AuthorFeed fetches one page of an author's recent feed, reposts included.
func (c *Client) AuthorFeed(ctx context.Context, actor string, limit int64) (*bsky.FeedGetAuthorFeed_Output, error) {
	out, err := bsky.FeedGetAuthorFeed(ctx, c.xrpc, actor, "", "posts_with_replies", false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get author feed for %s: %w", actor, err)
	}
	return out, nil
}

// Follows resolves all DIDs the given actor follows, paging until exhausted.
func (c *Client) Follows(ctx context.Context, actor string) ([]string, error) {
	var dids []string
	cursor := ""

	for {
		out, err := bsky.GraphGetFollows(ctx, c.xrpc, actor, cursor, 100)
		if err != nil {
			return nil, fmt.Errorf("failed to get follows for %s: %w", actor, err)
		}
		for _, follow := range out.Follows {
			dids = append(dids, follow.Did)
		}
		if out.Cursor == nil || *out.Cursor == "" {
			break
		}
		cursor = *out.Cursor
	}

	return dids, nil
}

// UploadBlob uploads a blob (binary data like an image) to the Bluesky network.
// It takes a context and an io.Reader containing the blob data.
// Returns the uploaded blob's metadata or an error if the upload fails.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader) (*lexutil.LexBlob, error) {
	resp, err := atproto.RepoUploadBlob(ctx, c.xrpc, r)
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob: %w", err)
	}
	return resp.Blob, nil
}

// PutFeedGenerator creates a feed generator record for the current user.
// If the feed generator already exists, it will be updated.
// The rkey is the unique identifier for the feed generator in your own user repository.
func (c *Client) PutFeedGenerator(ctx context.Context, rkey string, record *bsky.FeedGenerator, cid *string) error {
	_, err := atproto.RepoPutRecord(ctx, c.xrpc, &atproto.RepoPutRecord_Input{
		Collection: "app.bsky.feed.generator",
		Repo:       c.xrpc.Auth.Did,
		Rkey:       rkey,
		SwapRecord: cid,
		Record: &lexutil.LexiconTypeDecoder{
			Val: record,
		},
	})
	if err != nil {
		// Display the entire http response error so we can see what went wrong
		log.Errorf("failed to put record: %s", err)
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// DeleteFeedGenerator removes a feed generator record from the current
// user's repository.
func (c *Client) DeleteFeedGenerator(ctx context.Context, rkey string) error {
	_, err := atproto.RepoDeleteRecord(ctx, c.xrpc, &atproto.RepoDeleteRecord_Input{
		Collection: "app.bsky.feed.generator",
		Repo:       c.xrpc.Auth.Did,
		Rkey:       rkey,
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (c *Client) GetActorFeeds(ctx context.Context, actor string) (*bsky.FeedGetActorFeeds_Output, error) {
	return bsky.FeedGetActorFeeds(ctx, c.xrpc, actor, "", 100)
}

// FormatTime formats a timestamp the way the AT Protocol lexicons expect.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
