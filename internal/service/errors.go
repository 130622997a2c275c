package service

import (
	"github.com/dukerupert/trestle/internal/domain"
)

// Pay link errors - re-exported so handlers only import service
var (
	ErrPayLinkNotFound      = domain.ErrPayLinkNotFound
	ErrPayLinkNoLongerValid = domain.ErrPayLinkNoLongerValid
	ErrSigningKeyMissing    = domain.ErrSigningKeyMissing
)

// Invoice errors
var (
	ErrInvoiceNotFound       = domain.ErrInvoiceNotFound
	ErrNoOutstandingBalance  = domain.ErrNoOutstandingBalance
	ErrPaymentExceedsBalance = domain.ErrPaymentExceedsBalance
)

// Payment errors
var (
	ErrPaymentNotFound          = domain.ErrPaymentNotFound
	ErrPaymentTargetUnresolved  = domain.ErrPaymentTargetUnresolved
	ErrIllegalPaymentTransition = domain.ErrIllegalPaymentTransition
	ErrPaymentReferenceInUse    = domain.ErrPaymentReferenceInUse
	ErrIntentInvoiceMismatch    = domain.ErrIntentInvoiceMismatch
	ErrPaymentNotSucceeded      = domain.Errorf(domain.EINVALID, "", "Payment has not succeeded")
)

// Provider errors - use domain.EUNAVAILABLE so clients know to retry
var (
	ErrProviderUnavailable = domain.Errorf(domain.EUNAVAILABLE, "", "Payment provider is unavailable, please retry")
	ErrAmountTooSmall      = domain.Errorf(domain.EINVALID, "", "Payment amount is below the provider minimum")
)
