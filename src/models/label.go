package models

import (
	"time"
)

const MaxLabelLength = 64

type Label struct {
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}
