package sqlcgen

import "time"

type Cmc struct {
	ID        string
	Name      string
	Address   string
	Username  string
	Password  string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastLogin    *time.Time
}
