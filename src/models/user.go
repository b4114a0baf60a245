package models

import (
	"time"
)

type User struct {
	ID int `db:"id"`

	Username string `db:"username"`
	Password string `db:"password"`
	Email    string `db:"email"`

	DateJoined  time.Time `db:"date_joined"`
	IsSuperuser bool      `db:"is_superuser"`
}

func (u *User) IsAnonymous() bool {
	return u == nil
}
