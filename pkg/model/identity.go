package model

// Identity is the user a connection or request acts as.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
}

// DisplayName prefers the nickname.
func (i Identity) DisplayName() string {
	if i.Nickname != "" {
		return i.Nickname
	}
	return i.Username
}
