package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Challenge is the sign-in payload issued by the allocator for (chainId, address)
type Challenge struct {
	Domain         string
	Address        string
	URI            string
	Statement      string
	Version        string
	ChainID        uint64
	Nonce          string
	IssuedAt       string
	ExpirationTime string
}

// Message renders the challenge as the EIP-4361 text the wallet signs.
// The rendering is deterministic; the allocator rebuilds the same text to verify.
func (c Challenge) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", c.Domain)
	fmt.Fprintf(&b, "%s\n\n", c.Address)
	fmt.Fprintf(&b, "%s\n\n", c.Statement)
	fmt.Fprintf(&b, "URI: %s\n", c.URI)
	fmt.Fprintf(&b, "Version: %s\n", c.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", c.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", c.Nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", c.IssuedAt)
	fmt.Fprintf(&b, "Expiration Time: %s", c.ExpirationTime)
	return b.String()
}

// Session represents an authenticated allocator session
type Session struct {
	ID        string
	Address   common.Address
	ExpiresAt time.Time
}

// Expired reports whether expiresAt has passed
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// SessionKey is the persistence key for an address's session id
func SessionKey(address common.Address) string {
	return "session-" + strings.ToLower(address.Hex())
}

// SessionStatus is the in-memory state of the session lifecycle
type SessionStatus int

const (
	// SessionAnonymous means definitely logged out
	SessionAnonymous SessionStatus = iota
	SessionAuthenticating
	SessionAuthenticated
	// SessionUnknown means validation could not reach a verdict; the persisted id is kept
	SessionUnknown
)

func (s SessionStatus) String() string {
	switch s {
	case SessionAnonymous:
		return "anonymous"
	case SessionAuthenticating:
		return "authenticating"
	case SessionAuthenticated:
		return "authenticated"
	case SessionUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
}
