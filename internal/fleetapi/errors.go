package fleetapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/fleetcore/internal/store"
)

// apiError is the typed form of the error envelope spec §6/§7 mandates:
// {error, code?, details?}.
type apiError struct {
	Status  int
	Error   string
	Code    string
	Details any
}

func (e *apiError) write(w http.ResponseWriter) {
	writeError(w, e.Status, e.Error, e.Code, e.Details)
}

func writeError(w http.ResponseWriter, status int, msg, code string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": msg}
	if code != "" {
		body["code"] = code
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(body)
}

func errBadRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Error: msg, Code: "validation"}
}

func errUnauthorized(msg string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Error: msg, Code: "auth"}
}

func errForbidden(msg string) *apiError {
	return &apiError{Status: http.StatusForbidden, Error: msg, Code: "auth"}
}

func errNotFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Error: msg, Code: "not_found"}
}

func errConflict(msg string) *apiError {
	return &apiError{Status: http.StatusConflict, Error: msg, Code: "conflict"}
}

func errServiceUnavailable(msg string) *apiError {
	return &apiError{Status: http.StatusServiceUnavailable, Error: msg, Code: "transient"}
}

func errInternal(msg string) *apiError {
	return &apiError{Status: http.StatusInternalServerError, Error: msg, Code: "internal"}
}

// fromStoreError maps a *store.StoreError to the HTTP error taxonomy of
// spec §7: NotFound->404, Conflict/Integrity->409, Busy->503 (the Store
// already retried internally up to its cap before returning Busy), anything
// else->500.
func fromStoreError(err error) *apiError {
	if err == nil {
		return nil
	}
	switch {
	case store.IsKind(err, store.KindNotFound):
		return errNotFound(err.Error())
	case store.IsKind(err, store.KindConflict), store.IsKind(err, store.KindIntegrity):
		return errConflict(err.Error())
	case store.IsKind(err, store.KindBusy):
		return errServiceUnavailable("store busy, retry later")
	default:
		return errInternal("internal error")
	}
}
