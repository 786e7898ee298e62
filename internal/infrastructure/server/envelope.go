package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

// apiResponse is the service-wide reply envelope. Exchange and backtest
// endpoints always wrap their payload in it; the data endpoints return bare
// payloads on success and fall back to the err shape on failure.
type apiResponse struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, payload interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Response: payload})
}

func writeErr(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, apiResponse{Status: "err", Response: reason})
}

// statusFor maps the error taxonomy onto HTTP status codes: call-site
// rejections are client errors, fatal run errors are unprocessable input,
// strategy failures point upstream.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidOrder),
		errors.Is(err, apperrors.ErrUnknownSymbol),
		errors.Is(err, apperrors.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrDataGap),
		errors.Is(err, apperrors.ErrClockRegression),
		errors.Is(err, apperrors.ErrMalformedCandle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrStrategyUnavailable),
		errors.Is(err, apperrors.ErrStrategyTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason keeps the legacy reason strings that strategy-side tooling
// matches on. Everything else reports the error text as-is.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, apperrors.ErrOrderNotFound):
		return "Order not found"
	default:
		return err.Error()
	}
}

// orderResult is the Hyperliquid-style placement reply carried inside the ok
// envelope: one resting status for the accepted parent, plus an error entry
// for each protective child the engine turned down.
type orderResult struct {
	Type string          `json:"type"`
	Data orderResultData `json:"data"`
}

type orderResultData struct {
	Statuses []orderStatus `json:"statuses"`
}

type orderStatus struct {
	Resting *restingOrder `json:"resting,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type restingOrder struct {
	Oid   int64       `json:"oid"`
	Order *core.Order `json:"order"`
}

func placementResult(parent *core.Order, childErrs []error) orderResult {
	statuses := []orderStatus{{Resting: &restingOrder{Oid: parent.ID, Order: parent}}}
	for _, err := range childErrs {
		statuses = append(statuses, orderStatus{Error: err.Error()})
	}
	return orderResult{Type: "order", Data: orderResultData{Statuses: statuses}}
}
