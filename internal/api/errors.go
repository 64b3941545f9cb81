package api

import (
	"encoding/json"
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/registry"
)

const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL_ERROR"
)

type errorBody struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error":{...}}. Errors without a rich
// category are reported as internal without their text.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Code == 0 {
		rich = goerrors.Wrap(err, goerrors.CategoryInternal, "internal error").
			WithCode(http.StatusInternalServerError).
			WithTextCode(CodeInternal)
	}
	writeJSON(w, rich.Code, map[string]errorBody{
		"error": {Code: rich.TextCode, Message: rich.Message, Metadata: rich.Metadata},
	})
}

func badRequest(message, field string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeBadRequest).
		WithMetadata(map[string]any{"field": field})
}

// logError maps delivery log failures.
func logError(err error) error {
	if errors.Is(err, deliverylog.ErrBadCursor) {
		return badRequest("invalid page cursor", "cursor")
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "delivery log unavailable").
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(registry.CodeStorage)
}
