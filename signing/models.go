package signing

import (
	"time"

	"signflow/signer"
)

// Requirement represents "this document needs Quantity valid signatures to be
// considered signed". Immutable after creation except for status.
type Requirement struct {
	ID          string
	DocumentID  string
	Quantity    int
	Status      Status
	ConsentText string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StartParams describes a new signing process.
type StartParams struct {
	DocumentID  string
	Internal    []string // user ids
	External    []string // contact ids
	Quantity    int      // 0 means every listed signer must sign
	ExpiresAt   time.Time
	ConsentText string
}

// SignerStatus is the per-signer view returned to callers.
type SignerStatus struct {
	SignerID string
	Identity signer.Identity
	Status   signer.Status
	SignedAt *time.Time
}

// StartResult reports the created requirement and its signer set.
type StartResult struct {
	RequirementID string
	Status        Status
	Signers       []SignerStatus
}

// Action enumerates what a signer can do with their link.
type Action string

const (
	ActionView   Action = "view"
	ActionSign   Action = "sign"
	ActionReject Action = "reject"
)

// ActionParams carries one signer interaction. External signers authenticate
// with Token; internal signers are identified by InternalUserID plus
// RequirementID, their session having been checked by the caller.
type ActionParams struct {
	Token          string
	InternalUserID string
	RequirementID  string
	Action         Action
	SignatureRef   string
	RejectReason   string
	ClientIP       string
	UserAgent      string
}

// ActionResult reports the outcome of a signer interaction.
type ActionResult struct {
	SignerID          string
	SignerStatus      signer.Status
	RequirementStatus Status
	Completed         bool
}

// RequirementDetail is the read model for one requirement.
type RequirementDetail struct {
	Requirement     Requirement
	Signers         []SignerStatus
	ValidSignatures int
	CompletionPct   int
	BaselineHash    string
	FinalHash       *string
}
