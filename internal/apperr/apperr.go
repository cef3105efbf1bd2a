// Package apperr defines the error kinds shared by the backup, restore and
// auth layers. Callers wrap these sentinels with context; handlers map them
// back to a kind and an HTTP status.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotFound              = errors.New("not found")
	ErrProtected             = errors.New("archive is protected")
	ErrCorrupt               = errors.New("archive checksum mismatch")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrInvalidState          = errors.New("invalid oauth state")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrInvalidRequest        = errors.New("invalid request")
)

// Kind is the machine-readable name of an error class.
type Kind string

const (
	KindUnauthorized          Kind = "Unauthorized"
	KindForbidden             Kind = "Forbidden"
	KindRateLimited           Kind = "RateLimited"
	KindNotFound              Kind = "NotFound"
	KindProtected             Kind = "Protected"
	KindCorrupt               Kind = "Corrupt"
	KindStorageUnavailable    Kind = "StorageUnavailable"
	KindInvalidState          Kind = "InvalidState"
	KindProviderNotConfigured Kind = "ProviderNotConfigured"
	KindInvalidRequest        Kind = "InvalidRequest"
	KindInternal              Kind = "Internal"
)

var kinds = []struct {
	err    error
	kind   Kind
	status int
}{
	{ErrUnauthorized, KindUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, KindForbidden, http.StatusForbidden},
	{ErrRateLimited, KindRateLimited, http.StatusTooManyRequests},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrProtected, KindProtected, http.StatusConflict},
	{ErrCorrupt, KindCorrupt, http.StatusUnprocessableEntity},
	{ErrStorageUnavailable, KindStorageUnavailable, http.StatusServiceUnavailable},
	{ErrInvalidState, KindInvalidState, http.StatusBadRequest},
	{ErrProviderNotConfigured, KindProviderNotConfigured, http.StatusNotImplemented},
	{ErrInvalidRequest, KindInvalidRequest, http.StatusBadRequest},
}

// KindOf returns the kind of err, or KindInternal when err wraps none of the
// sentinels.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Body is the JSON error document returned by the HTTP layer.
type Body struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// BodyOf builds the response body for err. Internal errors get a generic
// message so driver or SDK details never reach clients.
func BodyOf(err error) Body {
	kind := KindOf(err)
	if kind == KindInternal {
		return Body{Error: kind, Message: "internal error"}
	}
	return Body{Error: kind, Message: err.Error()}
}
