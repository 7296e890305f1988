package models

import "time"

// ChatSession is one document-grounded conversation. DocumentText is set
// exactly once at creation; History is append-only and kept in
// conversational order.
type ChatSession struct {
	ID           string    `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Title        string    `json:"title"`
	DocumentText string    `json:"document_text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	History      []Turn    `json:"history"`
}

// Turn is one committed question/answer exchange. AssistantText may hold a
// partial reply when generation failed mid-stream.
type Turn struct {
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionSummary is the lightweight listing shape.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}
