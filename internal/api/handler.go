package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/engine"
	"main/internal/schema"
	"main/internal/twap"
	"main/internal/webhook"
	"main/pkg/exception"
)

// webhookSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const webhookSignatureHeader = "X-Webhook-Signature"

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req engine.SubmitRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrOrderInvalidRequest)
		return
	}

	order, err := s.engine.Submit(r.Context(), req)
	switch err {
	case nil:
		respond(w, http.StatusCreated, order)
	case exception.ErrOrderDuplicate:
		// Idempotent resubmission: return the existing order, not an error.
		respond(w, http.StatusOK, order)
	case exception.ErrOrderHalted, exception.ErrOrderRiskRejected:
		// The rejection is persisted on the order; return it with the error.
		respondWith(w, http.StatusUnprocessableEntity, order, err)
	default:
		respondError(w, err)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	clientOrderID := mux.Vars(r)["clientOrderID"]
	if err := s.engine.Cancel(r.Context(), clientOrderID); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"client_order_id": clientOrderID, "status": "cancel_requested"})
}

type cancelAllRequest struct {
	// Symbol restricts the cancel to one symbol; empty cancels everything.
	Symbol string `json:"symbol,omitempty"`
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req cancelAllRequest
	if len(body) > 0 {
		if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
			respondError(w, exception.ErrOrderInvalidRequest)
			return
		}
	}

	canceled, err := s.engine.CancelAll(r.Context(), req.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"canceled": canceled})
}

type flattenRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleFlattenAll(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req flattenRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrOrderInvalidRequest)
		return
	}
	if req.Operator == "" {
		respondError(w, exception.ErrBreakerMissingActor)
		return
	}

	submitted, err := s.engine.FlattenAll(r.Context(), req.Operator, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"offsetting_orders": submitted})
}

type positionOpRequest struct {
	Operator string          `json:"operator"`
	Reason   string          `json:"reason,omitempty"`
	Qty      decimal.Decimal `json:"qty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req positionOpRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrOrderInvalidRequest)
		return
	}

	order, err := s.engine.ClosePosition(r.Context(), symbol, req.Operator)
	switch err {
	case nil:
		respond(w, http.StatusCreated, order)
	case exception.ErrOrderDuplicate:
		respond(w, http.StatusOK, order)
	case exception.ErrOrderHalted, exception.ErrOrderRiskRejected:
		respondWith(w, http.StatusUnprocessableEntity, order, err)
	default:
		respondError(w, err)
	}
}

func (s *Server) handleAdjustPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req positionOpRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrInvalidArgument)
		return
	}

	position, err := s.engine.AdjustPosition(r.Context(), symbol, req.Qty, req.Operator, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, position)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req twap.PlanRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrOrderInvalidRequest)
		return
	}

	plan, err := s.scheduler.CreatePlan(r.Context(), req, timeNow())
	switch err {
	case nil:
		respond(w, http.StatusCreated, plan)
	case exception.ErrOrderDuplicate:
		respond(w, http.StatusOK, plan)
	default:
		respondError(w, err)
	}
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	parentKey := mux.Vars(r)["parentKey"]
	plan, err := s.store.PlanByKey(r.Context(), parentKey)
	if err != nil {
		respondError(w, err)
		return
	}
	children, err := s.store.ChildOrders(r.Context(), parentKey)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, planDetail{Plan: plan, Slices: children})
}

type planDetail struct {
	Plan   *schema.SlicingPlan `json:"plan"`
	Slices []schema.Order      `json:"slices"`
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	parentKey := mux.Vars(r)["parentKey"]
	canceled, err := s.scheduler.CancelPlan(r.Context(), parentKey)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"canceled_slices": canceled})
}

type breakerRequest struct {
	Scope    string `json:"scope,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Operator string `json:"operator"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req breakerRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrInvalidArgument)
		return
	}
	if req.Scope == "" {
		req.Scope = schema.BreakerScopeGlobal
	}

	if err := s.breaker.Engage(r.Context(), req.Scope, req.Reason, req.Operator); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"scope": req.Scope, "state": string(schema.BreakerTripped)})
}

func (s *Server) handleDisengage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req breakerRequest
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		respondError(w, exception.ErrInvalidArgument)
		return
	}
	if req.Scope == "" {
		req.Scope = schema.BreakerScopeGlobal
	}

	if err := s.breaker.Disengage(r.Context(), req.Scope, req.Operator, req.Notes); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"scope": req.Scope, "state": string(schema.BreakerClosed)})
}

func (s *Server) handleBrokerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := webhook.VerifySignature(s.webhookSecret, body, r.Header.Get(webhookSignatureHeader)); err != nil {
		respondError(w, err)
		return
	}

	err = s.processor.Process(r.Context(), body)
	switch err {
	case nil:
		respond(w, http.StatusOK, map[string]string{"status": "applied"})
	case exception.ErrWebhookDuplicateExec, exception.ErrWebhookStaleEvent:
		// Acknowledged so the broker stops redelivering; nothing reapplied.
		respond(w, http.StatusOK, map[string]string{"status": "absorbed"})
	case exception.ErrWebhookOrphanOrder:
		// Recorded for operator review; acknowledge to stop redelivery.
		respond(w, http.StatusOK, map[string]string{"status": "orphan_recorded"})
	default:
		logs.Errorf("webhook processing failed, err: %+v", err)
		respondError(w, err)
	}
}
