package errutil

import "net/http"

// CoreStatus is the machine-readable error vocabulary shared by the
// licensing engine, the metering pipeline and the HTTP adapter.
type CoreStatus string

const (
	StatusUnknown  CoreStatus = "unknown"
	StatusInternal CoreStatus = "internal"

	StatusBadRequest   CoreStatus = "bad_request"
	StatusNotFound     CoreStatus = "not_found"
	StatusConflict     CoreStatus = "conflict"
	StatusUnauthorized CoreStatus = "unauthorized"
	StatusForbidden    CoreStatus = "forbidden"
	StatusTimeout      CoreStatus = "timeout"

	// Licensing deny reasons. Distinct codes so callers and logs can
	// tell "no license" from "cannot determine".
	StatusNoLicense          CoreStatus = "no_license"
	StatusInvalidStatus      CoreStatus = "license_invalid_status"
	StatusExpired            CoreStatus = "license_expired"
	StatusFeatureNotLicensed CoreStatus = "feature_not_licensed"
	StatusAppNotLicensed     CoreStatus = "app_not_licensed"

	// Metering failures.
	StatusQuotaExceeded    CoreStatus = "quota_exceeded"
	StatusInvalidQuantity  CoreStatus = "invalid_quantity"
	StatusStoreUnavailable CoreStatus = "store_unavailable"

	// Central sync failures.
	StatusSyncTransient  CoreStatus = "sync_failed_transient"
	StatusSyncAuth       CoreStatus = "sync_failed_auth"
	StatusSyncValidation CoreStatus = "sync_failed_validation"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code
// equivalent for the gin adapter.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusInvalidQuantity:
		return http.StatusBadRequest
	case StatusUnauthorized, StatusSyncAuth:
		return http.StatusUnauthorized
	case StatusForbidden, StatusNoLicense, StatusInvalidStatus, StatusExpired,
		StatusFeatureNotLicensed, StatusAppNotLicensed:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusQuotaExceeded:
		return http.StatusTooManyRequests
	case StatusSyncValidation:
		return http.StatusUnprocessableEntity
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusStoreUnavailable, StatusSyncTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
