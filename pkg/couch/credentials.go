package couch

import "net/http"

// Credentials is an optional basic-auth pair. The zero value sends
// unauthenticated requests.
type Credentials struct {
	username string
	password string
	set      bool
}

// NoCredentials returns the unauthenticated value.
func NoCredentials() Credentials { return Credentials{} }

// BasicAuth returns credentials that are always sent.
func BasicAuth(username, password string) Credentials {
	return Credentials{username: username, password: password, set: true}
}

// CredentialsFrom is set only when both parts are non-empty.
func CredentialsFrom(username, password string) Credentials {
	if username == "" || password == "" {
		return NoCredentials()
	}
	return BasicAuth(username, password)
}

func (c Credentials) IsSet() bool { return c.set }

func (c Credentials) Username() string { return c.username }

func (c Credentials) apply(req *http.Request) {
	if c.set {
		req.SetBasicAuth(c.username, c.password)
	}
}

// String never reveals the password.
func (c Credentials) String() string {
	if !c.set {
		return "<none>"
	}
	return c.username + ":***"
}
