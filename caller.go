package entitle

// Caller is an authenticated principal resolved by an external authenticator.
type Caller struct {
	UID     string
	IsAdmin bool
}

// Operator is the implicit admin caller used by operator tooling.
var Operator = Caller{UID: "operator", IsAdmin: true}

// Authenticated reports whether the caller carries an identity.
func (c Caller) Authenticated() bool {
	return c.UID != ""
}

func requireAuthenticated(c Caller) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

func requireAdmin(c Caller) error {
	if err := requireAuthenticated(c); err != nil {
		return err
	}
	if !c.IsAdmin {
		return ErrNotAuthorized
	}
	return nil
}
