package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"circlefeed/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// DB handles all database operations with a shared connection pool.
//
// Inserts are idempotent on the post URI and cursor writes are full-row
// replaces, so the firehose ingestor and the author poller can both write
// without coordinating with each other.
type DB struct {
	db *sql.DB
}

func NewDB(database string) (*DB, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Write operations

// InsertPosts stores a batch of posts. Rows whose URI already exists are
// silently skipped, never overwritten.
func (db *DB) InsertPosts(ctx context.Context, posts []models.Post) error {
	if len(posts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("posts").Cols("uri", "cid", "author", "indexed_at")
	for _, post := range posts {
		ib.Values(post.Uri, post.Cid, post.Author, post.IndexedAt.UnixMilli())
	}
	sql, args := ib.BuildWithFlavor(sqlbuilder.SQLite)

	if _, err := db.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	log.WithFields(log.Fields{
		"count": len(posts),
	}).Debug("Inserted posts")

	return nil
}

// SetAuthorCursor replaces the stored watermark for an author. Callers must
// only pass values greater than or equal to the current one.
func (db *DB) SetAuthorCursor(ctx context.Context, author string, cursor time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ib := sqlbuilder.NewInsertBuilder()
	ib.ReplaceInto("author_cursors").Cols("author", "cursor").Values(author, cursor.UnixMilli())
	sql, args := ib.BuildWithFlavor(sqlbuilder.SQLite)

	if _, err := db.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("author cursor error: %w", err)
	}
	return nil
}

// SetSubscriptionCursor replaces the last committed firehose offset for a
// stream service.
func (db *DB) SetSubscriptionCursor(ctx context.Context, service string, cursor int64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ib := sqlbuilder.NewInsertBuilder()
	ib.ReplaceInto("subscription_state").Cols("service", "cursor").Values(service, cursor)
	sql, args := ib.BuildWithFlavor(sqlbuilder.SQLite)

	if _, err := db.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("subscription cursor error: %w", err)
	}
	return nil
}

// Read operations

// GetAuthorCursor returns the stored watermark for an author. The second
// return value is false when the author has never been polled successfully.
func (db *DB) GetAuthorCursor(ctx context.Context, author string) (time.Time, bool, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("cursor").From("author_cursors").Where(sb.Equal("author", author))
	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	var millis int64
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&millis)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query error: %w", err)
	}

	return time.UnixMilli(millis).UTC(), true, nil
}

// GetSubscriptionCursor returns the last committed firehose offset for a
// stream service, or 0 when no offset has been committed yet.
func (db *DB) GetSubscriptionCursor(ctx context.Context, service string) (int64, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("cursor").From("subscription_state").Where(sb.Equal("service", service))
	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	var cursor int64
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}

	return cursor, nil
}

// GetFeed returns up to limit posts older than the cursor position, newest
// first. Ordering is keyset-based on (indexed_at, uri) so concurrent inserts
// cannot shift or duplicate a page.
func (db *DB) GetFeed(ctx context.Context, limit int, cursorMillis int64, cursorUri string) ([]models.Post, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("uri", "cid", "author", "indexed_at").From("posts")

	if cursorMillis != 0 {
		sb.Where(sb.Or(
			sb.LessThan("indexed_at", cursorMillis),
			sb.And(
				sb.Equal("indexed_at", cursorMillis),
				sb.LessThan("uri", cursorUri),
			),
		))
	}

	sb.OrderBy("indexed_at DESC", "uri DESC")
	sb.Limit(limit)

	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var post models.Post
		var millis int64
		if err := rows.Scan(&post.Uri, &post.Cid, &post.Author, &millis); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		post.IndexedAt = time.UnixMilli(millis).UTC()
		posts = append(posts, post)
	}

	return posts, rows.Err()
}
