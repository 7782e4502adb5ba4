package model

import "time"

// Session is the minimal projection of a chat session owned by the dialogue
// collaborator: just enough to validate ownership when a booking is created.
type Session struct {
	ID           string
	VisitorName  string
	VisitorEmail string
	CreatedAt    time.Time
}
