package models

import "time"

// Post is one accepted content item, keyed by its AT-URI.
type Post struct {
	Uri       string    `json:"uri"`
	Cid       string    `json:"cid"`
	Author    string    `json:"author"`
	IndexedAt time.Time `json:"indexedAt"`
}

// Omit all but the Uri field
type FeedPost struct {
	Uri string `json:"post"`
}

type FeedResponse struct {
	Feed   []FeedPost `json:"feed"`
	Cursor *string    `json:"cursor,omitempty"`
}
