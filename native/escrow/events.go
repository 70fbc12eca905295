package escrow

import (
	"math/big"
	"strconv"

	"jobescrow/core/types"
	"jobescrow/crypto"
)

const (
	EventTypeJobCreated         = "escrow.job.created"
	EventTypeEscrowFunded       = "escrow.job.funded"
	EventTypeMilestoneSubmitted = "escrow.milestone.submitted"
	EventTypeMilestoneApproved  = "escrow.milestone.approved"
	EventTypeDisputeRaised      = "escrow.dispute.raised"
	EventTypeJobCompleted       = "escrow.job.completed"
)

// NewJobCreatedEvent returns the canonical payload for a newly created job.
func NewJobCreatedEvent(job *Job) *types.Event {
	return &types.Event{
		Type: EventTypeJobCreated,
		Attributes: map[string]string{
			"jobId":       formatJobID(job.ID),
			"client":      formatAddress(job.Client),
			"freelancer":  formatAddress(job.Freelancer),
			"totalAmount": job.Total().String(),
		},
	}
}

// NewEscrowFundedEvent returns the payload emitted when the client deposits
// the milestone total.
func NewEscrowFundedEvent(job *Job, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeEscrowFunded,
		Attributes: map[string]string{
			"jobId":  formatJobID(job.ID),
			"client": formatAddress(job.Client),
			"amount": formatAmount(amount),
		},
	}
}

// NewMilestoneSubmittedEvent returns the payload for a freelancer submission.
func NewMilestoneSubmittedEvent(job *Job, index int) *types.Event {
	return &types.Event{
		Type: EventTypeMilestoneSubmitted,
		Attributes: map[string]string{
			"jobId":         formatJobID(job.ID),
			"index":         strconv.Itoa(index),
			"submissionRef": job.Milestones[index].SubmissionRef,
		},
	}
}

// NewMilestoneApprovedEvent returns the payload for an approval and release.
func NewMilestoneApprovedEvent(job *Job, index int) *types.Event {
	return &types.Event{
		Type: EventTypeMilestoneApproved,
		Attributes: map[string]string{
			"jobId":  formatJobID(job.ID),
			"index":  strconv.Itoa(index),
			"amount": formatAmount(job.Milestones[index].Amount),
		},
	}
}

// NewDisputeRaisedEvent returns the payload emitted when a party freezes a job.
func NewDisputeRaisedEvent(job *Job, raisedBy [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeDisputeRaised,
		Attributes: map[string]string{
			"jobId":    formatJobID(job.ID),
			"raisedBy": formatAddress(raisedBy),
		},
	}
}

// NewJobCompletedEvent marks the automatic transition to Completed after the
// final approval.
func NewJobCompletedEvent(job *Job) *types.Event {
	return &types.Event{
		Type: EventTypeJobCompleted,
		Attributes: map[string]string{
			"jobId": formatJobID(job.ID),
		},
	}
}

func formatJobID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatAddress(addr [20]byte) string { return crypto.FromRaw(addr).String() }

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
