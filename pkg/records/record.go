package records

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceSystem identifies the system of record a transaction was reported by
type SourceSystem string

const (
	// SourceBank represents bank statement lines
	SourceBank SourceSystem = "BANK"
	// SourceLockbox represents digitized lockbox check batches
	SourceLockbox SourceSystem = "LOCKBOX"
	// SourceBilling represents subscription-billing payment exports
	SourceBilling SourceSystem = "BILLING"
	// SourceLedger represents general-ledger journal lines
	SourceLedger SourceSystem = "LEDGER"
)

// TransactionRecord is the canonical form of one movement of funds as
// reported by a single system of record. A record is immutable once created;
// corrections are new records linked via Supersedes.
type TransactionRecord struct {
	// ID is the engine-assigned identifier, deterministic over the input
	ID string `json:"id"`

	// Source is the system of record that reported this transaction
	Source SourceSystem `json:"source"`

	// ExternalID is the opaque identifier from the source system (may be empty)
	ExternalID string `json:"externalId,omitempty"`

	// OccurredAt is the date the source system attributes to the transaction
	OccurredAt time.Time `json:"occurredAt"`

	// Amount is the signed fixed-point amount in the record currency
	Amount decimal.Decimal `json:"amount"`

	// Currency is the ISO 4217 code of Amount
	Currency string `json:"currency"`

	// OriginalAmount and OriginalCurrency carry the nominal foreign-currency
	// value for converted records; zero/empty when the record was never converted
	OriginalAmount   decimal.Decimal `json:"originalAmount,omitempty"`
	OriginalCurrency string          `json:"originalCurrency,omitempty"`

	// CounterpartyName is the free-text counterparty as reported
	CounterpartyName string `json:"counterpartyName,omitempty"`

	// NormalizedName is CounterpartyName after whitespace collapse and case folding
	NormalizedName string `json:"normalizedName,omitempty"`

	// ReferenceText is the free-text matching signal (check number, invoice
	// number, memo)
	ReferenceText string `json:"referenceText,omitempty"`

	// NormalizedReference is ReferenceText after whitespace collapse and case folding
	NormalizedReference string `json:"normalizedReference,omitempty"`

	// BatchHint groups records that the source system reported as one batch
	// (e.g. a payout funding many payments)
	BatchHint string `json:"batchHint,omitempty"`

	// Supersedes links a correction record to the record it replaces
	Supersedes string `json:"supersedes,omitempty"`

	// RawPayload retains the originally extracted fields for audit
	RawPayload map[string]string `json:"rawPayload,omitempty"`
}

// RawEntry is the ingestion-layer contract: a best-effort extraction from a
// bank feed, lockbox batch, billing export or GL export. Fields are carried
// as strings; the Normalizer decides whether they parse. Entries with missing
// fields must be supplied rather than dropped.
type RawEntry struct {
	Source           SourceSystem      `json:"source"`
	ExternalID       string            `json:"externalId,omitempty"`
	OccurredAt       string            `json:"occurredAt,omitempty"`
	Amount           string            `json:"amount,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	OriginalAmount   string            `json:"originalAmount,omitempty"`
	OriginalCurrency string            `json:"originalCurrency,omitempty"`
	Counterparty     string            `json:"counterparty,omitempty"`
	Reference        string            `json:"reference,omitempty"`
	BatchHint        string            `json:"batchHint,omitempty"`
	Payload          map[string]string `json:"payload,omitempty"`
}

// UnparsedEntry is a raw entry the Normalizer could not turn into a
// TransactionRecord, together with the defect that stopped it. Unparsed
// entries are surfaced in the run summary, never silently dropped.
type UnparsedEntry struct {
	Entry RawEntry `json:"entry"`
	Err   error    `json:"-"`
	// Reason is the string form of Err, kept so unparsed entries survive
	// JSON round trips into the run summary
	Reason string `json:"reason"`
}

// SumAmounts returns the exact signed sum of the given records' amounts.
func SumAmounts(recs []TransactionRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range recs {
		sum = sum.Add(r.Amount)
	}
	return sum
}
