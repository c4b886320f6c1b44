package domain

import "errors"

var (
	ErrCampaignNotFound        = errors.New("campaign not found")
	ErrCampaignMessageNotFound = errors.New("campaign message not found")
	ErrContactNotFound         = errors.New("contact not found")

	// ErrInvalidStateTransition rejects a lifecycle operation the campaign's
	// current state does not allow.
	ErrInvalidStateTransition = errors.New("campaign state does not allow this operation")

	// ErrAlreadyClaimed signals another worker holds the campaign's dispatch
	// claim; the caller backs off instead of double-sending.
	ErrAlreadyClaimed = errors.New("campaign is already being processed")
)
