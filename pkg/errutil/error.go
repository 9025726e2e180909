package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.messageWithErr(),
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

// Code extracts the CoreStatus from err, or StatusUnknown when err does
// not carry one.
func Code(err error) CoreStatus {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}
	return StatusUnknown
}

// Is reports whether err carries the given CoreStatus.
func Is(err error, code CoreStatus) bool {
	return Code(err) == code
}

func NotFound(msg string, opts ...Option) error {
	return New(StatusNotFound, msg, opts...)
}

func BadRequest(msg string, opts ...Option) error {
	return New(StatusBadRequest, msg, opts...)
}

func Internal(msg string, opts ...Option) error {
	return New(StatusInternal, msg, opts...)
}

func NoLicense(msg string, opts ...Option) error {
	return New(StatusNoLicense, msg, opts...)
}

func InvalidStatus(msg string, opts ...Option) error {
	return New(StatusInvalidStatus, msg, opts...)
}

func Expired(msg string, opts ...Option) error {
	return New(StatusExpired, msg, opts...)
}

func FeatureNotLicensed(msg string, opts ...Option) error {
	return New(StatusFeatureNotLicensed, msg, opts...)
}

func AppNotLicensed(msg string, opts ...Option) error {
	return New(StatusAppNotLicensed, msg, opts...)
}

func QuotaExceeded(msg string, opts ...Option) error {
	return New(StatusQuotaExceeded, msg, opts...)
}

func InvalidQuantity(msg string, opts ...Option) error {
	return New(StatusInvalidQuantity, msg, opts...)
}

func StoreUnavailable(msg string, opts ...Option) error {
	return New(StatusStoreUnavailable, msg, opts...)
}

func SyncTransient(msg string, opts ...Option) error {
	return New(StatusSyncTransient, msg, opts...)
}

func SyncAuth(msg string, opts ...Option) error {
	return New(StatusSyncAuth, msg, opts...)
}

func SyncValidation(msg string, opts ...Option) error {
	return New(StatusSyncValidation, msg, opts...)
}
