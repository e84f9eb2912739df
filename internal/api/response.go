package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

// timeNow is swappable in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

type errorBody struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := sonic.ConfigFastest.NewEncoder(w).Encode(data); err != nil {
		logs.Errorf("encode response failed, err: %+v", err)
	}
}

// respondWith returns a payload alongside an error message, used when a
// rejection is itself a persisted, inspectable outcome.
func respondWith(w http.ResponseWriter, status int, data any, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := struct {
		Error string `json:"error"`
		Data  any    `json:"data,omitempty"`
	}{Error: err.Error(), Data: data}
	if encErr := sonic.ConfigFastest.NewEncoder(w).Encode(payload); encErr != nil {
		logs.Errorf("encode response failed, err: %+v", encErr)
	}
}

func respondError(w http.ResponseWriter, err error) {
	respond(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch err {
	case exception.ErrOrderInvalidRequest,
		exception.ErrInvalidArgument,
		exception.ErrBreakerMissingReason,
		exception.ErrBreakerMissingActor,
		exception.ErrWebhookMalformed,
		exception.ErrWebhookMissingField,
		exception.ErrWebhookUnknownType:
		return http.StatusBadRequest
	case exception.ErrWebhookBadSignature:
		return http.StatusUnauthorized
	case exception.ErrOrderUnknown, exception.ErrReservationUnknown:
		return http.StatusNotFound
	case exception.ErrOrderNotCancelable,
		exception.ErrOrderInvalidTransition,
		exception.ErrBreakerAlreadySet,
		exception.ErrReservationConflict,
		exception.ErrPositionFlat:
		return http.StatusConflict
	case exception.ErrOrderHalted, exception.ErrOrderRiskRejected:
		return http.StatusUnprocessableEntity
	case exception.ErrOrderRetriesExhausted, exception.ErrBrokerUnavailable:
		return http.StatusBadGateway
	case exception.ErrNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
