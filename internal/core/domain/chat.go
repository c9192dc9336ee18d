package domain

import "time"

// ChatMessage is one append-only room chat entry. Chat rides the same
// shared store as signaling but is otherwise independent of the media mesh.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
