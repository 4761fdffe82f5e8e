// Package skiptoken encodes the opaque continuation tokens used to page
// through stored runs.
package skiptoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned for tokens that cannot be decoded.
var ErrInvalid = errors.New("invalid skip token")

// SkipToken is the sort key of the last run on a page. The next page starts
// strictly after it.
type SkipToken struct {
	CreatedAt time.Time `json:"c"`
	// ID orders runs created in the same microsecond.
	ID string `json:"k"`
}

// Encode renders token as unpadded base64url JSON, safe for query strings.
func Encode(token *SkipToken) (string, error) {
	if token == nil {
		return "", errors.New("skiptoken: nil token")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("skiptoken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Every failure wraps ErrInvalid.
func Decode(s string) (*SkipToken, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	token := new(SkipToken)
	if err := json.Unmarshal(raw, token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if token.ID == "" || token.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing sort key", ErrInvalid)
	}
	return token, nil
}
