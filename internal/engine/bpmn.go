package engine

import (
	_ "embed"
)

// TicketApprovalProcessName is the deployment name of the embedded process.
const TicketApprovalProcessName = "ticket_approval"

// TicketApprovalBPMN is the approval process: wait for the decision message,
// then either end (rejected) or run the processing external task (approved).
//
//go:embed bpmn/ticket_approval.bpmn
var TicketApprovalBPMN []byte
