package stores

import (
	"context"
	"time"

	"github.com/opensource-finance/folio/internal/domain"
)

const activeFilter = `record.status == "active"`

// Stores groups the typed collections.
type Stores struct {
	Portfolios      *PortfolioStore
	Companies       *CompanyStore
	CreditRequests  *CreditRequestStore
	CreditContracts *CreditContractStore
	Guarantees      *GuaranteeStore
}

// New builds every typed store over deps. Summaries are cached in cache for
// summaryTTL.
func New(catalog domain.Catalog, deps Deps, cache domain.Cache, summaryTTL time.Duration) (*Stores, error) {
	portfolios, err := NewCollection[domain.Portfolio](catalog, domain.CollectionPortfolios, deps)
	if err != nil {
		return nil, err
	}
	companies, err := NewCollection[domain.Company](catalog, domain.CollectionCompanies, deps)
	if err != nil {
		return nil, err
	}
	requests, err := NewCollection[domain.CreditRequest](catalog, domain.CollectionCreditRequests, deps)
	if err != nil {
		return nil, err
	}
	contracts, err := NewCollection[domain.CreditContract](catalog, domain.CollectionCreditContracts, deps)
	if err != nil {
		return nil, err
	}
	guarantees, err := NewCollection[domain.Guarantee](catalog, domain.CollectionGuarantees, deps)
	if err != nil {
		return nil, err
	}

	s := &Stores{
		Companies:       &CompanyStore{Collection: companies},
		CreditRequests:  &CreditRequestStore{Collection: requests},
		CreditContracts: &CreditContractStore{Collection: contracts},
		Guarantees:      &GuaranteeStore{Collection: guarantees},
	}
	s.Portfolios = &PortfolioStore{
		Collection: portfolios,
		stores:     s,
		cache:      cache,
		summaryTTL: summaryTTL,
		now:        time.Now,
	}
	return s, nil
}

// CompanyStore holds borrowers and guarantors.
type CompanyStore struct {
	*Collection[domain.Company]
}

func (s *CompanyStore) ByStatus(ctx context.Context, status string) ([]*domain.Company, error) {
	return s.ByIndex(ctx, "status", status)
}

func (s *CompanyStore) ByInstitution(ctx context.Context, institutionID string) ([]*domain.Company, error) {
	return s.ByIndex(ctx, "institution_id", institutionID)
}

// CreditRequestStore holds credit applications.
type CreditRequestStore struct {
	*Collection[domain.CreditRequest]
}

func (s *CreditRequestStore) ByPortfolio(ctx context.Context, portfolioID string) ([]*domain.CreditRequest, error) {
	return s.ByIndex(ctx, "portfolio_id", portfolioID)
}

func (s *CreditRequestStore) ByCompany(ctx context.Context, companyID string) ([]*domain.CreditRequest, error) {
	return s.ByIndex(ctx, "company_id", companyID)
}

func (s *CreditRequestStore) ByStatus(ctx context.Context, status string) ([]*domain.CreditRequest, error) {
	return s.ByIndex(ctx, "status", status)
}

// CreditContractStore holds disbursed credits.
type CreditContractStore struct {
	*Collection[domain.CreditContract]
}

func (s *CreditContractStore) ByPortfolio(ctx context.Context, portfolioID string) ([]*domain.CreditContract, error) {
	return s.ByIndex(ctx, "portfolio_id", portfolioID)
}

func (s *CreditContractStore) ByStatus(ctx context.Context, status string) ([]*domain.CreditContract, error) {
	return s.ByIndex(ctx, "status", status)
}

// ActiveByCompany returns the company's contracts in status active.
func (s *CreditContractStore) ActiveByCompany(ctx context.Context, companyID string) ([]*domain.CreditContract, error) {
	return s.byIndexWhere(ctx, "company_id", companyID, activeFilter)
}

// GuaranteeStore holds contract guarantees.
type GuaranteeStore struct {
	*Collection[domain.Guarantee]
}

func (s *GuaranteeStore) ByContract(ctx context.Context, contractID string) ([]*domain.Guarantee, error) {
	return s.ByIndex(ctx, "contract_id", contractID)
}

func (s *GuaranteeStore) ByType(ctx context.Context, guaranteeType string) ([]*domain.Guarantee, error) {
	return s.ByIndex(ctx, "type", guaranteeType)
}

// ActiveByCompany returns the company's guarantees in status active.
func (s *GuaranteeStore) ActiveByCompany(ctx context.Context, companyID string) ([]*domain.Guarantee, error) {
	return s.byIndexWhere(ctx, "company_id", companyID, activeFilter)
}
