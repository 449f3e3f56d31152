package models

import "time"

// OutlineAct is one act of a book outline.
type OutlineAct struct {
	Number   int      `json:"number"`
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Chapters []string `json:"chapters"`
}

// Outline is the durable output of generate_outline. It is upserted after every act, so
// a partially generated outline survives a crash. ID equals the book ID.
type Outline struct {
	ID        string       `db:"id"         json:"id"`
	BookID    string       `db:"book_id"    json:"book_id"`
	Acts      []OutlineAct `db:"acts"       json:"acts"`
	TotalActs int          `db:"total_acts" json:"total_acts"`
	Complete  bool         `db:"complete"   json:"complete"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}
