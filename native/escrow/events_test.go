package escrow_test

import (
	"bytes"
	"math/big"
	"reflect"
	"testing"

	"jobescrow/core/types"
	"jobescrow/crypto"
	escrowpkg "jobescrow/native/escrow"
)

func TestJobEventsHaveDeterministicPayload(t *testing.T) {
	var client [20]byte
	copy(client[:], bytes.Repeat([]byte{0xBB}, 20))
	var freelancer [20]byte
	copy(freelancer[:], bytes.Repeat([]byte{0xCC}, 20))

	job := &escrowpkg.Job{
		ID:         12,
		Client:     client,
		Freelancer: freelancer,
		Milestones: []*escrowpkg.Milestone{
			{Amount: big.NewInt(1_000), SubmissionRef: "bafy-one", Submitted: true},
			{Amount: big.NewInt(2_500)},
		},
	}
	clientStr := crypto.FromRaw(client).String()
	freelancerStr := crypto.FromRaw(freelancer).String()

	cases := []struct {
		name     string
		evt      *types.Event
		typ      string
		expected map[string]string
	}{
		{
			name: "created",
			evt:  escrowpkg.NewJobCreatedEvent(job),
			typ:  escrowpkg.EventTypeJobCreated,
			expected: map[string]string{
				"jobId":       "12",
				"client":      clientStr,
				"freelancer":  freelancerStr,
				"totalAmount": "3500",
			},
		},
		{
			name: "funded",
			evt:  escrowpkg.NewEscrowFundedEvent(job, big.NewInt(3_500)),
			typ:  escrowpkg.EventTypeEscrowFunded,
			expected: map[string]string{
				"jobId":  "12",
				"client": clientStr,
				"amount": "3500",
			},
		},
		{
			name: "submitted",
			evt:  escrowpkg.NewMilestoneSubmittedEvent(job, 0),
			typ:  escrowpkg.EventTypeMilestoneSubmitted,
			expected: map[string]string{
				"jobId":         "12",
				"index":         "0",
				"submissionRef": "bafy-one",
			},
		},
		{
			name: "approved",
			evt:  escrowpkg.NewMilestoneApprovedEvent(job, 1),
			typ:  escrowpkg.EventTypeMilestoneApproved,
			expected: map[string]string{
				"jobId":  "12",
				"index":  "1",
				"amount": "2500",
			},
		},
		{
			name: "disputed",
			evt:  escrowpkg.NewDisputeRaisedEvent(job, freelancer),
			typ:  escrowpkg.EventTypeDisputeRaised,
			expected: map[string]string{
				"jobId":    "12",
				"raisedBy": freelancerStr,
			},
		},
		{
			name:     "completed",
			evt:      escrowpkg.NewJobCompletedEvent(job),
			typ:      escrowpkg.EventTypeJobCompleted,
			expected: map[string]string{"jobId": "12"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.evt.Type != tc.typ {
				t.Fatalf("expected type %s, got %s", tc.typ, tc.evt.Type)
			}
			if !reflect.DeepEqual(tc.evt.Attributes, tc.expected) {
				t.Fatalf("unexpected attributes: got %v want %v", tc.evt.Attributes, tc.expected)
			}
		})
	}
}

func TestJobStatusNumericValues(t *testing.T) {
	expected := map[escrowpkg.JobStatus]uint8{
		escrowpkg.JobStatusCreated:    0,
		escrowpkg.JobStatusFunded:     1,
		escrowpkg.JobStatusInProgress: 2,
		escrowpkg.JobStatusCompleted:  3,
		escrowpkg.JobStatusDisputed:   4,
	}
	for status, value := range expected {
		if uint8(status) != value {
			t.Fatalf("status %s: expected %d got %d", status, value, uint8(status))
		}
	}
	if !escrowpkg.JobStatusFunded.Active() || !escrowpkg.JobStatusInProgress.Active() {
		t.Fatalf("funded and in progress must be active")
	}
	if escrowpkg.JobStatusDisputed.Active() || escrowpkg.JobStatusCompleted.Active() || escrowpkg.JobStatusCreated.Active() {
		t.Fatalf("only funded and in progress are active")
	}
}
