package domain

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Email     string    `bun:"email,notnull"`
	Provider  bool      `bun:"provider,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
