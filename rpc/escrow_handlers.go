package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"jobescrow/archive"
	"jobescrow/core/events"
	"jobescrow/crypto"
	"jobescrow/native/escrow"
)

const maxEventPage = 500

type (
	writeHandler func(s *Server, caller [20]byte, params json.RawMessage) (interface{}, *RPCError)
	readHandler  func(s *Server, r *http.Request, req *RPCRequest) (interface{}, *RPCError)
)

var writeMethods = map[string]writeHandler{
	"escrow_createJob":        (*Server).handleCreateJob,
	"escrow_fundEscrow":       (*Server).handleFundEscrow,
	"escrow_submitMilestone":  (*Server).handleSubmitMilestone,
	"escrow_approveMilestone": (*Server).handleApproveMilestone,
	"escrow_raiseDispute":     (*Server).handleRaiseDispute,
}

var readMethods = map[string]readHandler{
	"escrow_getJob":     (*Server).handleGetJob,
	"escrow_getBalance": (*Server).handleGetBalance,
	"escrow_getReserve": (*Server).handleGetReserve,
	"escrow_listEvents": (*Server).handleListEvents,
}

type createJobParams struct {
	Caller      string   `json:"caller,omitempty"`
	Freelancer  string   `json:"freelancer"`
	MetadataRef string   `json:"metadataRef"`
	Milestones  []string `json:"milestones"`
}

type createJobResult struct {
	ID  uint64  `json:"id"`
	Job jobJSON `json:"job"`
}

type fundParams struct {
	Caller string  `json:"caller,omitempty"`
	JobID  *uint64 `json:"jobId"`
	Amount string  `json:"amount"`
}

type milestoneParams struct {
	Caller        string  `json:"caller,omitempty"`
	JobID         *uint64 `json:"jobId"`
	Index         *int    `json:"index"`
	SubmissionRef string  `json:"submissionRef,omitempty"`
}

type jobParams struct {
	Caller string  `json:"caller,omitempty"`
	JobID  *uint64 `json:"jobId"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address string `json:"address"`
	Payable string `json:"payable"`
}

type listEventsParams struct {
	JobID  *uint64 `json:"jobId,omitempty"`
	Type   string  `json:"type,omitempty"`
	Cursor uint64  `json:"cursor,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

type listEventsResult struct {
	Events     []events.Record `json:"events"`
	NextCursor uint64          `json:"nextCursor"`
}

// handleCreateJob opens a job with the caller as client.
func (s *Server) handleCreateJob(caller [20]byte, raw json.RawMessage) (interface{}, *RPCError) {
	var params createJobParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	freelancer, err := crypto.ParseEscrowAddress(params.Freelancer)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("freelancer: %v", err))
	}
	amounts := make([]*big.Int, len(params.Milestones))
	for i, value := range params.Milestones {
		amount, err := parseAmount(value)
		if err != nil {
			return nil, invalidParams(fmt.Sprintf("milestone %d: %v", i, err))
		}
		amounts[i] = amount
	}
	id, err := s.ledger.CreateJob(caller, freelancer.Raw(), params.MetadataRef, amounts)
	if err != nil {
		return nil, escrowError(err)
	}
	job, err := s.ledger.Job(id)
	if err != nil {
		return nil, escrowError(err)
	}
	return createJobResult{ID: id, Job: formatJob(job)}, nil
}

func decodeParams(raw json.RawMessage, dst interface{}) *RPCError {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func requireJobID(id *uint64) (uint64, *RPCError) {
	if id == nil {
		return 0, invalidParams("jobId required")
	}
	return *id, nil
}

func requireIndex(index *int) (int, *RPCError) {
	if index == nil {
		return 0, invalidParams("index required")
	}
	return *index, nil
}

// parseAmount accepts a base-10 integer string. Sign checks are left to the
// ledger so its reasons reach the client.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, escrow.ErrJobNotFound)
}

func (s *Server) jobResult(job *escrow.Job, err error) (interface{}, *RPCError) {
	if err != nil {
		return nil, escrowError(err)
	}
	return formatJob(job), nil
}

func (s *Server) handleFundEscrow(caller [20]byte, raw json.RawMessage) (interface{}, *RPCError) {
	var params fundParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := requireJobID(params.JobID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return s.jobResult(s.ledger.FundEscrow(caller, id, amount))
}

func (s *Server) handleSubmitMilestone(caller [20]byte, raw json.RawMessage) (interface{}, *RPCError) {
	var params milestoneParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := requireJobID(params.JobID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	index, rpcErr := requireIndex(params.Index)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.jobResult(s.ledger.SubmitMilestone(caller, id, index, params.SubmissionRef))
}

func (s *Server) handleApproveMilestone(caller [20]byte, raw json.RawMessage) (interface{}, *RPCError) {
	var params milestoneParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := requireJobID(params.JobID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	index, rpcErr := requireIndex(params.Index)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.jobResult(s.ledger.ApproveMilestone(caller, id, index))
}

func (s *Server) handleRaiseDispute(caller [20]byte, raw json.RawMessage) (interface{}, *RPCError) {
	var params jobParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := requireJobID(params.JobID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.jobResult(s.ledger.RaiseDispute(caller, id))
}

func (s *Server) handleGetJob(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	raw, rpcErr := singleParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params jobParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := requireJobID(params.JobID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.jobResult(s.ledger.Job(id))
}

func (s *Server) handleGetBalance(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	raw, rpcErr := singleParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params balanceParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := crypto.ParseEscrowAddress(params.Address)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	balance, err := s.ledger.PayableBalance(addr.Raw())
	if err != nil {
		return nil, escrowError(err)
	}
	return balanceResult{Address: addr.String(), Payable: amountString(balance)}, nil
}

func (s *Server) handleGetReserve(_ *http.Request, _ *RPCRequest) (interface{}, *RPCError) {
	reserve, err := s.ledger.ReserveBalance()
	if err != nil {
		return nil, escrowError(err)
	}
	return map[string]string{"reserve": amountString(reserve)}, nil
}

// handleListEvents pages through the event history, preferring the SQL
// archive when one is attached.
func (s *Server) handleListEvents(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params listEventsParams
	if len(req.Params) > 0 {
		raw, rpcErr := singleParam(req)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if rpcErr := decodeParams(raw, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}
	limit := params.Limit
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	jobID := ""
	if params.JobID != nil {
		jobID = fmt.Sprintf("%d", *params.JobID)
	}

	var records []events.Record
	if s.archive != nil {
		listed, err := s.archive.List(r.Context(), archive.Query{JobID: jobID, Type: params.Type, Cursor: params.Cursor, Limit: limit})
		if err != nil {
			return nil, newRPCError(http.StatusInternalServerError, codeEscrowInternal, "internal_error", err.Error())
		}
		records = listed
	} else {
		records = filterRecords(s.log, params.Cursor, jobID, params.Type, limit)
	}

	next := params.Cursor
	if n := len(records); n > 0 {
		next = records[n-1].Sequence
	}
	if records == nil {
		records = []events.Record{}
	}
	return listEventsResult{Events: records, NextCursor: next}, nil
}

func filterRecords(log *events.Log, cursor uint64, jobID, typ string, limit int) []events.Record {
	if jobID == "" && typ == "" {
		return log.Since(cursor, limit)
	}
	var out []events.Record
	for _, rec := range log.Since(cursor, 0) {
		if jobID != "" && rec.Attributes["jobId"] != jobID {
			continue
		}
		if typ != "" && rec.Type != typ {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}
