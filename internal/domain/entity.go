package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meta holds the fields every stored entity carries.
type Meta struct {
	ID          string    `json:"id" validate:"required"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	PendingSync bool      `json:"_pendingSync,omitempty"`
}

// Portfolio types.
const (
	PortfolioTraditionalCredit = "traditional_credit"
	PortfolioLeasing           = "leasing"
	PortfolioInvestment        = "investment"
)

// Common lifecycle statuses.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusClosed   = "closed"
)

// Guarantee statuses beyond the common ones.
const (
	GuaranteePending  = "pending"
	GuaranteeReleased = "released"
	GuaranteeExecuted = "executed"
)

// Portfolio groups credit activity managed by an institution.
type Portfolio struct {
	Meta
	Name          string          `json:"name" validate:"required"`
	Type          string          `json:"type,omitempty" validate:"omitempty,oneof=traditional_credit leasing investment"`
	Status        string          `json:"status,omitempty" validate:"omitempty,oneof=draft active inactive closed"`
	InstitutionID string          `json:"institution_id,omitempty"`
	Currency      string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Description   string          `json:"description,omitempty"`
	TargetAmount  decimal.Decimal `json:"target_amount,omitzero"`
}

// Company is a borrower or guarantor.
type Company struct {
	Meta
	Name          string `json:"name" validate:"required"`
	TaxID         string `json:"tax_id,omitempty"`
	InstitutionID string `json:"institution_id,omitempty"`
	Sector        string `json:"sector,omitempty"`
	Status        string `json:"status,omitempty" validate:"omitempty,oneof=draft active inactive closed"`
}

// CreditRequest is an application for credit within a portfolio.
type CreditRequest struct {
	Meta
	PortfolioID string          `json:"portfolio_id" validate:"required"`
	CompanyID   string          `json:"company_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	TermMonths  int             `json:"term_months,omitempty" validate:"gte=0"`
	Purpose     string          `json:"purpose,omitempty"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=draft submitted approved rejected"`
}

// CreditContract is an approved and disbursed credit.
type CreditContract struct {
	Meta
	PortfolioID  string          `json:"portfolio_id" validate:"required"`
	CompanyID    string          `json:"company_id" validate:"required"`
	RequestID    string          `json:"request_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate,omitzero"`
	StartDate    time.Time       `json:"start_date,omitzero"`
	EndDate      time.Time       `json:"end_date,omitzero"`
	Status       string          `json:"status,omitempty" validate:"omitempty,oneof=pending active closed defaulted"`
}

// Guarantee secures a credit contract.
type Guarantee struct {
	Meta
	ContractID string          `json:"contract_id" validate:"required"`
	CompanyID  string          `json:"company_id,omitempty"`
	Type       string          `json:"type,omitempty" validate:"omitempty,oneof=mortgage pledge personal bank"`
	Value      decimal.Decimal `json:"value"`
	Status     string          `json:"status,omitempty" validate:"omitempty,oneof=pending active released executed"`
}

// PortfolioSummary is derived data computed from a portfolio's requests,
// contracts and guarantees.
type PortfolioSummary struct {
	PortfolioID      string          `json:"portfolio_id"`
	Requests         int             `json:"requests"`
	Contracts        int             `json:"contracts"`
	ActiveContracts  int             `json:"active_contracts"`
	ContractedAmount decimal.Decimal `json:"contracted_amount"`
	GuaranteedAmount decimal.Decimal `json:"guaranteed_amount"`
	ComputedAt       time.Time       `json:"computed_at"`
}
