// Package session holds the client identity used to scope submissions and
// the event stream to this process.
package session

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// Identity is a process-lifetime client token. The zero value is not usable;
// construct it with New or FromString.
type Identity struct {
	clientID string
}

// New generates a fresh random identity.
func New() Identity {
	return Identity{clientID: uuid.NewString()}
}

// FromString wraps an existing client id. The id must be non-empty.
func FromString(clientID string) (Identity, error) {
	if clientID == "" {
		return Identity{}, fmt.Errorf("client id is required")
	}
	return Identity{clientID: clientID}, nil
}

// ClientID returns the raw token sent with every submission.
func (i Identity) ClientID() string { return i.clientID }

// StreamURL qualifies the event-stream endpoint with this identity.
// wsURL is the bare stream endpoint, e.g. wss://host/ws.
func (i Identity) StreamURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream url must use ws:// or wss://, got %q", wsURL)
	}
	q := u.Query()
	q.Set("clientId", i.clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
