package flow

import (
	"github.com/localmarket/dealflow/config"
	"github.com/localmarket/dealflow/market"
)

// Step is a stage of the transaction flow.
type Step string

const (
	Comparison  Step = "comparison"
	Negotiation Step = "negotiation"
	Payment     Step = "payment"
	Tracking    Step = "tracking"
	Completed   Step = "completed"
)

// Steps lists every step in flow order.
var Steps = []Step{Comparison, Negotiation, Payment, Tracking, Completed}

// Ordinal returns the position of s in Steps, or -1.
func (s Step) Ordinal() int {
	for i, x := range Steps {
		if x == s {
			return i
		}
	}
	return -1
}

// Context is everything the flow has accumulated. Values reachable from a
// Context are never mutated once set; Reduce replaces them instead.
type Context struct {
	Item       market.Item
	Offers     []market.VendorOffer
	Selected   *market.VendorOffer
	Agreement  *market.Agreement
	Record     *market.TransactionRecord
	LastStatus *market.DeliveryStatus
	Delivered  bool
	Confirmed  bool
}

// Snapshot is the full flow state at one point in time.
type Snapshot struct {
	Step    Step
	Context Context
	// Resume decides where tracking restarts after it was stopped.
	Resume config.ResumePolicy
	Closed bool
}

// NewSnapshot returns the state of a freshly opened flow.
func NewSnapshot(item market.Item, offers []market.VendorOffer, resume config.ResumePolicy) Snapshot {
	if resume == "" {
		resume = config.ResumeLast
	}
	return Snapshot{
		Step:    Comparison,
		Context: Context{Item: item, Offers: append([]market.VendorOffer(nil), offers...)},
		Resume:  resume,
	}
}

// Action is an input to Reduce. User operations and sub-workflow reports
// are both actions.
type Action interface{ flowAction() }

// ChooseOffer selects a vendor offer. With Negotiate unset the buyer takes
// the listed price and negotiation is skipped.
type ChooseOffer struct {
	Offer     market.VendorOffer
	Negotiate bool
}

// GoTo navigates directly to Step.
type GoTo struct{ Step Step }

// AgreementReached reports the outcome of a negotiation.
type AgreementReached struct{ Agreement *market.Agreement }

// NegotiationAbandoned reports a negotiation closed without agreement.
type NegotiationAbandoned struct{ Reason string }

// TransactionCommitted reports a confirmed checkout.
type TransactionCommitted struct{ Record *market.TransactionRecord }

// DeliveryProgressed reports a new delivery status.
type DeliveryProgressed struct{ Status market.DeliveryStatus }

// ConfirmReceipt is the buyer confirming the order arrived.
type ConfirmReceipt struct{}

// CloseTracker hides the tracker without leaving the Tracking step.
type CloseTracker struct{}

// ReopenTracker shows the tracker again.
type ReopenTracker struct{}

// Close ends the flow and tears down every sub-workflow.
type Close struct{}

func (ChooseOffer) flowAction()          {}
func (GoTo) flowAction()                 {}
func (AgreementReached) flowAction()     {}
func (NegotiationAbandoned) flowAction() {}
func (TransactionCommitted) flowAction() {}
func (DeliveryProgressed) flowAction()   {}
func (ConfirmReceipt) flowAction()       {}
func (CloseTracker) flowAction()         {}
func (ReopenTracker) flowAction()        {}
func (Close) flowAction()                {}

// Effect is a side effect requested by Reduce for the runtime to perform.
type Effect interface{ flowEffect() }

// StartNegotiation opens (or resumes) a session for Offer. With Skip set the
// session is concluded at the listed price immediately.
type StartNegotiation struct {
	Offer market.VendorOffer
	Skip  bool
}

// StopNegotiation abandons the open session and drops it.
type StopNegotiation struct{}

// StartCheckout opens (or resumes) checkout for Agreement.
type StartCheckout struct{ Agreement *market.Agreement }

// SuspendCheckout halts in-flight payment processing, keeping selections.
type SuspendCheckout struct{}

// CancelCheckout tears checkout down.
type CancelCheckout struct{}

// StartTracking starts the tracker for Record, from From when set.
type StartTracking struct {
	Record *market.TransactionRecord
	From   *market.DeliveryStatus
}

// StopTracking cancels the pending tracker tick.
type StopTracking struct{}

// NotifyAgreement reports an agreement to the host.
type NotifyAgreement struct{ Agreement *market.Agreement }

// NotifyComplete reports a committed record to the host.
type NotifyComplete struct{ Record *market.TransactionRecord }

// PersistStatus updates the stored status of a record.
type PersistStatus struct {
	RecordID string
	Status   market.RecordStatus
}

// CloseReason tells the host why the flow closed.
type CloseReason string

const (
	ReasonCancelled CloseReason = "cancelled"
	ReasonCompleted CloseReason = "completed"
)

// NotifyClose reports the final close to the host.
type NotifyClose struct{ Reason CloseReason }

func (StartNegotiation) flowEffect() {}
func (StopNegotiation) flowEffect()  {}
func (StartCheckout) flowEffect()    {}
func (SuspendCheckout) flowEffect()  {}
func (CancelCheckout) flowEffect()   {}
func (StartTracking) flowEffect()    {}
func (StopTracking) flowEffect()     {}
func (NotifyAgreement) flowEffect()  {}
func (NotifyComplete) flowEffect()   {}
func (PersistStatus) flowEffect()    {}
func (NotifyClose) flowEffect()      {}
