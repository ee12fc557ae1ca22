package sync

import (
	"fmt"
)

// Sync status state machine: pending -> synced -> processing -> completed,
// with failed and cancelled reachable as side states. Status only moves
// backward on retry (-> pending).
const (
	StatusPending    = "pending"
	StatusSynced     = "synced"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Record mirrors one external order inside the practice. The (company,
// store, external id) uniqueness invariant is the table key itself, which
// is what makes the upsert race-free.
type Record struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`
	GSI1SK string `dynamodbav:"GSI1SK" json:"-"`

	CompanyID   string `dynamodbav:"CompanyID" json:"companyId"`
	StoreDomain string `dynamodbav:"StoreDomain" json:"storeDomain"`

	ExternalID     string `dynamodbav:"ExternalID" json:"externalOrderId"`
	ExternalNumber int64  `dynamodbav:"ExternalNumber" json:"orderNumber"`
	ExternalName   string `dynamodbav:"ExternalName" json:"orderName"`

	CustomerEmail string `dynamodbav:"CustomerEmail" json:"customerEmail"`
	CustomerName  string `dynamodbav:"CustomerName" json:"customerName"`
	CustomerPhone string `dynamodbav:"CustomerPhone,omitempty" json:"customerPhone,omitempty"`

	ShippingAddress string `dynamodbav:"ShippingAddress,omitempty" json:"-"`
	BillingAddress  string `dynamodbav:"BillingAddress,omitempty" json:"-"`
	LineItems       string `dynamodbav:"LineItems" json:"-"`

	TotalPrice    float64 `dynamodbav:"TotalPrice" json:"totalPrice"`
	SubtotalPrice float64 `dynamodbav:"SubtotalPrice" json:"subtotalPrice"`
	TotalTax      float64 `dynamodbav:"TotalTax" json:"totalTax"`
	Currency      string  `dynamodbav:"Currency" json:"currency"`

	FinancialStatus   string `dynamodbav:"FinancialStatus,omitempty" json:"financialStatus,omitempty"`
	FulfillmentStatus string `dynamodbav:"FulfillmentStatus,omitempty" json:"fulfillmentStatus,omitempty"`

	SyncStatus string `dynamodbav:"SyncStatus" json:"syncStatus"`

	ILSOrderID     string `dynamodbav:"ILSOrderID,omitempty" json:"ilsOrderId,omitempty"`
	PatientID      string `dynamodbav:"PatientID,omitempty" json:"patientId,omitempty"`
	PrescriptionID string `dynamodbav:"PrescriptionID,omitempty" json:"prescriptionId,omitempty"`

	AwaitingPrescription bool `dynamodbav:"AwaitingPrescription" json:"awaitingPrescription"`
	PrescriptionVerified bool `dynamodbav:"PrescriptionVerified" json:"prescriptionVerified"`

	LensRecommendation string `dynamodbav:"LensRecommendation,omitempty" json:"lensRecommendation,omitempty"`

	RetryCount    int    `dynamodbav:"RetryCount" json:"retryCount"`
	LastError     string `dynamodbav:"LastError,omitempty" json:"lastError,omitempty"`
	LastAttemptAt string `dynamodbav:"LastAttemptAt,omitempty" json:"lastAttemptAt,omitempty"`

	FulfilledAt string `dynamodbav:"FulfilledAt,omitempty" json:"fulfilledAt,omitempty"`
	CreatedAt   string `dynamodbav:"CreatedAt" json:"createdAt"`
	UpdatedAt   string `dynamodbav:"UpdatedAt" json:"updatedAt"`
}

func companyPK(companyID string) string {
	return fmt.Sprintf("COMPANY#%s", companyID)
}

func orderSK(storeDomain, externalID string) string {
	return fmt.Sprintf("SHOPIFY#%s#ORDER#%s", storeDomain, externalID)
}

func storeOrdersGSIPK(companyID, storeDomain string) string {
	return fmt.Sprintf("COMPANY#%s#STORE#%s", companyID, storeDomain)
}

// DomainError carries a stable machine-readable code so API handlers can
// return structured errors instead of leaking internal messages.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrOrderNotFound = &DomainError{Code: "order_not_found", Message: "external order not found"}

	ErrAlreadyPromoted = &DomainError{Code: "ils_order_exists", Message: "external order already linked to an internal order"}

	ErrPrescriptionRequired = &DomainError{Code: "prescription_not_verified", Message: "store requires a verified prescription before order creation"}
)
