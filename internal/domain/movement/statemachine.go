package movement

import (
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

// machine is a transition table for one workflow's status type.
type machine[S ~string] struct {
	name  string
	edges map[S][]S
}

func (m machine[S]) can(from, to S) bool {
	for _, s := range m.edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// check returns InvalidTransition for any move not in the table.
func (m machine[S]) check(op string, from, to S) error {
	if !m.can(from, to) {
		return apperr.InvalidTransition(op, "%s cannot move from %s to %s", m.name, from, to)
	}
	return nil
}

var admissionMachine = machine[AdmissionStatus]{
	name: "admission",
	edges: map[AdmissionStatus][]AdmissionStatus{
		AdmissionRequested: {AdmissionActive, AdmissionCancelled},
		AdmissionActive:    {AdmissionDischarged, AdmissionTransferred, AdmissionDeceased},
	},
}

var transferMachine = machine[TransferStatus]{
	name: "transfer",
	edges: map[TransferStatus][]TransferStatus{
		TransferRequested:       {TransferPendingApproval, TransferCancelled},
		TransferPendingApproval: {TransferApproved, TransferRejected, TransferCancelled},
		TransferApproved:        {TransferScheduled, TransferCancelled},
		TransferScheduled:       {TransferInProgress, TransferCancelled},
		TransferInProgress:      {TransferCompleted, TransferCancelled},
	},
}

var dischargeMachine = machine[DischargeStatus]{
	name: "discharge",
	edges: map[DischargeStatus][]DischargeStatus{
		DischargePending:  {DischargeApproved, DischargeCancelled},
		DischargeApproved: {DischargeCompleted, DischargeCancelled},
	},
}
