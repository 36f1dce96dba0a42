package signer

import "time"

// Kind tags the two signer variants. Internal signers are existing users
// authenticated by the caller's own session; external signers are contacts
// authenticated solely by a bearer token.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

// Identity is the tagged variant replacing the original pair of nullable
// foreign keys: exactly one reference, interpreted through Kind.
type Identity struct {
	Kind Kind
	// Ref is a user id for internal signers and a contact id for external ones.
	Ref string
}

// Internal builds an identity for an authenticated user.
func Internal(userID string) Identity {
	return Identity{Kind: KindInternal, Ref: userID}
}

// External builds an identity for an unauthenticated contact.
func External(contactID string) Identity {
	return Identity{Kind: KindExternal, Ref: contactID}
}

// Status is the closed signer lifecycle enumeration.
type Status string

const (
	StatusPending  Status = "pending"
	StatusViewed   Status = "viewed"
	StatusSigned   Status = "signed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// transitions is the compile-time transition table: signers only move forward.
// Signed, Rejected, and Expired are terminal; re-opening happens only through a
// re-invite that creates a new signer record.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusViewed:   true,
		StatusSigned:   true,
		StatusRejected: true,
		StatusExpired:  true,
	},
	StatusViewed: {
		StatusSigned:   true,
		StatusRejected: true,
		StatusExpired:  true,
	},
	StatusSigned:   {},
	StatusRejected: {},
	StatusExpired:  {},
}

// CanTransition reports whether the signer state machine allows from → to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Live reports whether the signer can still contribute a signature.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusViewed
}

// Signer is one participant expected to sign. TokenDigest holds a bcrypt hash
// over the SHA-256 of the raw bearer token (external signers only) so a leaked
// row never exposes a usable signing link.
type Signer struct {
	ID            string
	RequirementID string
	Identity      Identity
	Status        Status
	TokenDigest   *string
	InvitedAt     *time.Time
	SignedAt      *time.Time
	SignatureRef  *string
	RejectReason  *string
	SupersededBy  *string
	CreatedAt     time.Time
}
