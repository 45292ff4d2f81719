package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vitwit/sio/config"
	"github.com/vitwit/sio/middleware"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

type submitRequest struct {
	Transaction string `json:"transaction"`
}

type verifyPaymentRequest struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
}

type dataResponse struct {
	DataHash    string          `json:"dataHash"`
	Data        json.RawMessage `json:"data"`
	Metadata    string          `json:"metadata,omitempty"`
	Payer       string          `json:"payer"`
	DataAccount string          `json:"dataAccount"`
	StoredAt    int64           `json:"storedAt"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Protocol  string `json:"protocol"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Health())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Stats())
}

func (s *Server) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, types.ErrMalformedPayload, err.Error())
		return
	}
	if strings.TrimSpace(req.Transaction) == "" {
		writeError(w, r, http.StatusBadRequest, types.ErrMalformedPayload, "transaction is required")
		return
	}

	result, err := s.app.Process(r.Context(), req.Transaction)
	if err != nil {
		s.logger.Warn("transaction rejected", map[string]any{
			"error":     err,
			"requestId": RequestIDFromContext(r.Context()),
		})
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) transactionStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.app.TransactionStatus(chi.URLParam(r, "signature"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, types.ErrMalformedPayload, err.Error())
		return
	}
	if req.Signature == "" {
		writeError(w, r, http.StatusBadRequest, types.ErrMalformedPayload, "signature is required")
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, types.ErrMalformedPayload, "amount must be an unsigned integer of base units")
		return
	}

	writeJSON(w, http.StatusOK, s.app.VerifyPaymentSignature(req.Signature, amount))
}

func (s *Server) data(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	content, err := s.app.Content(hash)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	data := json.RawMessage(content.Data)
	if !json.Valid(content.Data) {
		encoded, _ := json.Marshal(content.Data)
		data = encoded
	}
	writeJSON(w, http.StatusOK, dataResponse{
		DataHash:    hash,
		Data:        data,
		Metadata:    content.Metadata,
		Payer:       content.Payer,
		DataAccount: content.DataAccount,
		StoredAt:    content.StoredAt,
	})
}

// resourceHandler serves the configured content of a paid resource.
func resourceHandler(res config.ResourceConfig, decimals int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"resource":  res.Name,
			"data":      res.Content,
			"timestamp": time.Now().Unix(),
		}
		if payment, ok := middleware.PaymentFromContext(r.Context()); ok {
			body["payer"] = payment.Payer
			body["paid"] = utils.FormatTokenAmount(payment.Amount, decimals)
		}
		writeJSON(w, http.StatusOK, body)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	var sioErr *types.SIOError
	if !errors.As(err, &sioErr) {
		return http.StatusInternalServerError
	}
	switch sioErr.Code {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrConfigError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := types.ErrorCode(err)
	if code == "" {
		code = "internal_error"
	}
	writeError(w, r, status, code, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		Protocol:  types.ProtocolID,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
