package user

// User is the identity a live connection is bound to. ID is the internal
// persisted id; GoogleID is the OAuth subject carried in tokens.
type User struct {
	ID       string `json:"id"`
	GoogleID string `json:"-"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture,omitempty"`
}
