package session

import "fmt"

// Account is the identity behind one capacity slot.
type Account struct {
	ID          string `json:"id"`
	Secret      string `json:"-"`
	DisplayName string `json:"display_name,omitempty"`
}

// String never includes the secret.
func (a Account) String() string {
	if a.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", a.DisplayName, a.ID)
	}
	return a.ID
}
