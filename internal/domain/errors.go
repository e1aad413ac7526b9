package domain

import "errors"

var (
	// ErrUnknownWalletKind is returned when the requested wallet is not in the TON Connect registry
	ErrUnknownWalletKind = errors.New("unknown wallet kind")

	// ErrAddressAlreadyLinked is returned when another account already holds a link to the address
	ErrAddressAlreadyLinked = errors.New("address already linked to another account")

	// ErrSessionTimeout is returned when no wallet address was observed before the connect deadline
	ErrSessionTimeout = errors.New("wallet connection timed out")

	// ErrUpstreamTransient marks indexing API failures worth retrying (429, 5xx, open breaker)
	ErrUpstreamTransient = errors.New("upstream transient error")

	// ErrTransportForbidden is returned when the bot lacks rights for a chat operation
	ErrTransportForbidden = errors.New("chat transport forbidden")

	// ErrTransportTransient is returned for network or rate limit failures talking to the chat API
	ErrTransportTransient = errors.New("chat transport transient error")

	// ErrAlreadyMember is returned when an invite is requested by someone already in the chat
	ErrAlreadyMember = errors.New("already a chat member")

	// ErrNotEligible is returned when the account holds neither a collection NFT nor whale balance
	ErrNotEligible = errors.New("not eligible for membership")

	// ErrInviteMismatch is returned when a join request carries no valid invite for the account
	ErrInviteMismatch = errors.New("invite token mismatch")

	// ErrAccountNotFound is returned when an account lookup has no result
	ErrAccountNotFound = errors.New("account not found")
)
