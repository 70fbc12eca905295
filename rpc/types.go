package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"

	"jobescrow/crypto"
	"jobescrow/native/escrow"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowDuplicate     = -32026
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	status int
}

// HTTPStatus reports the HTTP status the error is served with.
func (e *RPCError) HTTPStatus() int {
	if e == nil {
		return http.StatusOK
	}
	if e.status <= 0 {
		return http.StatusBadRequest
	}
	return e.status
}

func newRPCError(status, code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data, status: status}
}

func invalidParams(data interface{}) *RPCError {
	return newRPCError(http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params", data)
}

// escrowError maps a ledger rejection onto its JSON-RPC code and HTTP status.
// The message is the ledger's reason so clients can match on it.
func escrowError(err error) *RPCError {
	kind := escrow.KindOf(err)
	data := map[string]string{"kind": kind.String()}
	switch kind {
	case escrow.KindValidation:
		if isNotFound(err) {
			return newRPCError(http.StatusNotFound, codeEscrowNotFound, err.Error(), data)
		}
		return newRPCError(http.StatusBadRequest, codeEscrowInvalidParams, err.Error(), data)
	case escrow.KindAuthorization:
		return newRPCError(http.StatusForbidden, codeEscrowForbidden, err.Error(), data)
	case escrow.KindState:
		return newRPCError(http.StatusConflict, codeEscrowConflict, err.Error(), data)
	case escrow.KindDuplicateAction:
		return newRPCError(http.StatusConflict, codeEscrowDuplicate, err.Error(), data)
	default:
		return newRPCError(http.StatusInternalServerError, codeEscrowInternal, "internal_error", err.Error())
	}
}

type milestoneJSON struct {
	Index         int    `json:"index"`
	Amount        string `json:"amount"`
	SubmissionRef string `json:"submissionRef,omitempty"`
	Submitted     bool   `json:"submitted"`
	Approved      bool   `json:"approved"`
	SubmittedAt   uint64 `json:"submittedAt,omitempty"`
	ApprovedAt    uint64 `json:"approvedAt,omitempty"`
}

type jobJSON struct {
	ID           uint64          `json:"id"`
	Client       string          `json:"client"`
	Freelancer   string          `json:"freelancer"`
	MetadataRef  string          `json:"metadataRef"`
	Status       string          `json:"status"`
	StatusCode   uint8           `json:"statusCode"`
	TotalAmount  string          `json:"totalAmount"`
	FundedAmount string          `json:"fundedAmount"`
	BalanceHeld  string          `json:"balanceHeld"`
	Released     string          `json:"released"`
	DisputedBy   string          `json:"disputedBy,omitempty"`
	Milestones   []milestoneJSON `json:"milestones"`
	CreatedAt    uint64          `json:"createdAt"`
	UpdatedAt    uint64          `json:"updatedAt"`
}

func formatJob(job *escrow.Job) jobJSON {
	out := jobJSON{
		ID:           job.ID,
		Client:       crypto.FromRaw(job.Client).String(),
		Freelancer:   crypto.FromRaw(job.Freelancer).String(),
		MetadataRef:  job.MetadataRef,
		Status:       job.Status.String(),
		StatusCode:   uint8(job.Status),
		TotalAmount:  amountString(job.Total()),
		FundedAmount: amountString(job.FundedAmount),
		BalanceHeld:  amountString(job.BalanceHeld),
		Released:     amountString(job.Released()),
		Milestones:   make([]milestoneJSON, 0, len(job.Milestones)),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.DisputedBy != ([20]byte{}) {
		out.DisputedBy = crypto.FromRaw(job.DisputedBy).String()
	}
	for i, m := range job.Milestones {
		out.Milestones = append(out.Milestones, milestoneJSON{
			Index:         i,
			Amount:        amountString(m.Amount),
			SubmissionRef: m.SubmissionRef,
			Submitted:     m.Submitted,
			Approved:      m.Approved,
			SubmittedAt:   m.SubmittedAt,
			ApprovedAt:    m.ApprovedAt,
		})
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
