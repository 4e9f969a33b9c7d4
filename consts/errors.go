package consts

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInternalError    = errors.New("internal error")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrMalformedMessage = errors.New("malformed message")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrUnknownList         = errors.New("unknown mailing list")
	ErrAlreadySubscribed   = errors.New("already subscribed")
	ErrNotAMember          = errors.New("not a member")
	ErrMembershipBanned    = errors.New("membership is banned")
	ErrSubscriptionPending = errors.New("subscription already pending")
	ErrNotAWorkflow        = errors.New("token does not belong to a workflow")
	ErrTokenExhausted      = errors.New("could not generate a unique token")
	ErrInvalidAddress      = errors.New("invalid email address")

	ErrSerializationFailed = errors.New("serialization failed")
)
