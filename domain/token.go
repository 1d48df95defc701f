package domain

import "time"

// Token identifies an API caller. Tokens are provisioned outside the API and
// are only ever read by it.
type Token struct {
	ID        string    `json:"id"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// ValidAt reports whether the token is still usable at now.
func (t Token) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiredAt)
}
