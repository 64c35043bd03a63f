package api

// Amounts cross the wire as decimal strings with two places.

// Attempt is the RPC view of a settlement attempt.
type Attempt struct {
	Creditor  string `json:"creditor"`
	Debtor    string `json:"debtor"`
	Counter   int64  `json:"counter"`
	State     string `json:"state"`
	Amount    string `json:"amount"`
	Native    uint64 `json:"native_amount,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Signature string `json:"signature,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// SigningRequest is a transfer waiting for the wallet holder.
type SigningRequest struct {
	ID        string `json:"id"`
	Payload   string `json:"payload"`
	From      string `json:"from"`
	To        string `json:"to"`
	Native    uint64 `json:"native_amount"`
	CreatedAt int64  `json:"created_at"`
}

type ConnectWalletRequest struct {
	Account string `json:"account"`
}

type ConnectWalletResponse struct {
	SessionID string `json:"session_id"`
	Account   string `json:"account"`
}

type DisconnectWalletRequest struct {
	SessionID string `json:"session_id"`
}

type DisconnectWalletResponse struct{}

// ReportWalletEventRequest forwards an account change the client saw in its
// wallet. Seq is the wallet's own event number.
type ReportWalletEventRequest struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Account   string `json:"account,omitempty"`
	Seq       uint64 `json:"seq"`
}

type ReportWalletEventResponse struct{}

type StartPaymentRequest struct {
	SessionID string `json:"session_id"`
	Creditor  string `json:"creditor"`

	// Debtor is taken from the caller's token when auth is enabled.
	Debtor      string `json:"debtor,omitempty"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
	Description string `json:"description,omitempty"`
}

type StartPaymentResponse struct {
	Attempt *Attempt `json:"attempt"`
}

type GetAttemptRequest struct {
	Creditor string `json:"creditor"`
	Debtor   string `json:"debtor,omitempty"`
}

type GetAttemptResponse struct {
	Attempt      *Attempt        `json:"attempt"`
	Running      bool            `json:"running"`
	StillWaiting bool            `json:"still_waiting,omitempty"`
	Signing      *SigningRequest `json:"signing_request,omitempty"`
}

type CancelAttemptRequest struct {
	Creditor string `json:"creditor"`
	Debtor   string `json:"debtor,omitempty"`
}

type CancelAttemptResponse struct{}

type SubmitSignatureRequest struct {
	SessionID     string `json:"session_id"`
	RequestID     string `json:"request_id"`
	SignedPayload string `json:"signed_payload"`
}

type SubmitSignatureResponse struct{}

type RejectSignatureRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

type RejectSignatureResponse struct{}

// Reconciliation is the RPC view of a queued reconciliation.
type Reconciliation struct {
	ID            string `json:"id"`
	Signature     string `json:"signature"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Creditor      string `json:"creditor"`
	Debtor        string `json:"debtor"`
	Counter       int64  `json:"counter"`
	Amount        string `json:"amount"`
	Tries         int    `json:"tries"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at"`
	CreatedAt     int64  `json:"created_at"`
}

type ListReconciliationsRequest struct {
	// Status filters by pending, done or abandoned. Empty lists all.
	Status string `json:"status,omitempty"`
}

type ListReconciliationsResponse struct {
	Reconciliations []*Reconciliation `json:"reconciliations"`
}

type RequestTestFundsRequest struct {
	Account  string `json:"account"`
	Lamports uint64 `json:"lamports"`
}

type RequestTestFundsResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

// Item is one receipt line offered for splitting.
type Item struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type ConfirmSplitRequest struct {
	// Payer is taken from the caller's token when auth is enabled.
	Payer         string   `json:"payer,omitempty"`
	Items         []Item   `json:"items"`
	Mode          string   `json:"mode"`
	CustomAmount  string   `json:"custom_amount,omitempty"`
	Participants  []string `json:"participants"`
	PayerIncluded bool     `json:"payer_included,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// ChargeResult reports the charge added for one participant.
type ChargeResult struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
}

type ConfirmSplitResponse struct {
	ItemsTotal          string          `json:"items_total"`
	SplitAmount         string          `json:"split_amount"`
	TotalParticipants   int             `json:"total_participants"`
	SharePerParticipant string          `json:"share_per_participant"`
	PayerShare          string          `json:"payer_share"`
	Results             []*ChargeResult `json:"results"`
}

type GetDebtRequest struct {
	Creditor string `json:"creditor"`
	Debtor   string `json:"debtor,omitempty"`
}

type GetDebtResponse struct {
	Creditor   string `json:"creditor"`
	Debtor     string `json:"debtor"`
	TotalOwed  string `json:"total_owed"`
	PaidToDate string `json:"paid_to_date"`
	Remaining  string `json:"remaining"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
}
