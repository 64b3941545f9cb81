package registry

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried by registry errors.
const (
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeNotFound      = "WEBHOOK_NOT_FOUND"
	CodeLimitReached  = "WEBHOOK_LIMIT_REACHED"
	CodeStorage       = "STORAGE_ERROR"
)

// configurationError rejects a registration or update synchronously.
func configurationError(message, field string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeConfiguration).
		WithMetadata(map[string]any{"field": field})
}

// storeError maps store sentinels onto rich errors; anything else is a StorageError.
func storeError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "webhook endpoint not found").
			WithCode(http.StatusNotFound).
			WithTextCode(CodeNotFound)
	case errors.Is(err, ErrLimitReached):
		return goerrors.Wrap(err, goerrors.CategoryConflict, "webhook endpoint limit reached for scope").
			WithCode(http.StatusConflict).
			WithTextCode(CodeLimitReached)
	default:
		return goerrors.Wrap(err, goerrors.CategoryInternal, op+" failed").
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(CodeStorage)
	}
}

// Code returns the registry text code of err, or "" for foreign errors.
func Code(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}
