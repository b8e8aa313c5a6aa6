package models

import "time"

// User is the minimal profile cached next to the session tokens (key "user")
// and returned by the auth endpoints. Role drives route-guard style checks.
type User struct {
	ID    string `bson:"_id,omitempty" json:"id"`
	Email string `bson:"email" json:"email"`
	Name  string `bson:"name" json:"name"`
	Role  string `bson:"role" json:"role"`
}

// Account is a user record on the dev auth server.
type Account struct {
	User         `bson:",inline"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}
