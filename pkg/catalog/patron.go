package catalog

import "time"

// Patron is a library member tied to exactly one Library (spec.md §3).
type Patron struct {
	LibraryID               string
	AuthorizationIdentifier string
	Username                string
	ExternalIdentifier      string
}

// BlockReason is the closed enum of reasons an authentication provider
// can report a patron as blocked, grounded verbatim on
// original_source/api/sip/__init__.py and
// sirsidynix_authentication_provider.py's PatronData.* constants.
type BlockReason string

const (
	BlockNone                    BlockReason = ""
	BlockCardReportedLost        BlockReason = "card reported lost"
	BlockExcessiveFines          BlockReason = "excessive fines"
	BlockExcessiveFees           BlockReason = "excessive fees"
	BlockTooManyItemsBilled      BlockReason = "too many items billed"
	BlockTooManyLoans            BlockReason = "too many loans"
	BlockTooManyOverdue          BlockReason = "too many overdue"
	BlockTooManyLost             BlockReason = "too many lost"
	BlockTooManyRenewals         BlockReason = "too many renewals"
	BlockRecallOverdue           BlockReason = "recall overdue"
	BlockNoBorrowingPrivileges   BlockReason = "no borrowing privileges"
	BlockUnknown                BlockReason = "unknown"
	BlockExpired                 BlockReason = "expired"
	BlockNotApproved             BlockReason = "not approved"
)

// Money is a fixed-point currency amount in the smallest unit (cents),
// avoiding float accumulation error across fee/fine parsing.
type Money struct {
	Cents    int64
	Currency string
}

// PatronData is the transient authentication-time snapshot returned by an
// Authentication Provider (spec.md §3, §4.5).
type PatronData struct {
	PermanentID             string
	AuthorizationIdentifier string
	PersonalName            string
	Email                   string
	Fines                   Money
	PatronType              string
	AuthorizationExpires    *time.Time
	BlockReason             BlockReason
	// Complete is false for providers whose full patron record requires a
	// follow-up call (e.g. SirsiDynix's login response carries only an
	// identity and session token; RemotePatronLookup fills in the rest).
	Complete bool
	// ProviderState carries opaque, provider-specific continuation data
	// needed by a later RemotePatronLookup call on the same provider
	// (e.g. SirsiDynix's session_token). Callers outside the owning
	// provider should treat this as opaque.
	ProviderState map[string]string
}

// IsBlocked reports whether this snapshot represents a blocked patron.
func (p PatronData) IsBlocked() bool {
	return p.BlockReason != BlockNone
}
