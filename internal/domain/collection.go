package domain

// Collection names.
const (
	CollectionPortfolios      = "portfolios"
	CollectionCompanies       = "companies"
	CollectionCreditRequests  = "credit_requests"
	CollectionCreditContracts = "credit_contracts"
	CollectionGuarantees      = "guarantees"
)

// IndexSpec declares a secondary index over one record field.
type IndexSpec struct {
	Name  string
	Field string
}

// CollectionSpec declares a collection and its indexes.
type CollectionSpec struct {
	Name    string
	Indexes []IndexSpec

	// LegacyKey names the pre-migration blob read as a fallback.
	LegacyKey string
}

// Index returns the named index spec.
func (c CollectionSpec) Index(name string) (IndexSpec, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// Catalog is the versioned set of collections. Adding a collection or an
// index requires a version bump; adding a record field does not.
type Catalog struct {
	Version     int
	Collections []CollectionSpec
}

// Lookup returns the named collection spec.
func (c Catalog) Lookup(name string) (CollectionSpec, bool) {
	for _, spec := range c.Collections {
		if spec.Name == name {
			return spec, true
		}
	}
	return CollectionSpec{}, false
}

// Names returns the collection names in declaration order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Collections))
	for i, spec := range c.Collections {
		names[i] = spec.Name
	}
	return names
}

// DefaultCatalog returns the collections of the portfolio domain.
func DefaultCatalog() Catalog {
	return Catalog{
		Version: 2,
		Collections: []CollectionSpec{
			{
				Name:      CollectionPortfolios,
				LegacyKey: "finance_portfolios",
				Indexes: []IndexSpec{
					{Name: "type", Field: "type"},
					{Name: "status", Field: "status"},
					{Name: "institution_id", Field: "institution_id"},
				},
			},
			{
				Name:      CollectionCompanies,
				LegacyKey: "finance_companies",
				Indexes: []IndexSpec{
					{Name: "status", Field: "status"},
					{Name: "institution_id", Field: "institution_id"},
					{Name: "tax_id", Field: "tax_id"},
				},
			},
			{
				Name:      CollectionCreditRequests,
				LegacyKey: "finance_credit_requests",
				Indexes: []IndexSpec{
					{Name: "portfolio_id", Field: "portfolio_id"},
					{Name: "company_id", Field: "company_id"},
					{Name: "status", Field: "status"},
				},
			},
			{
				Name:      CollectionCreditContracts,
				LegacyKey: "finance_credit_contracts",
				Indexes: []IndexSpec{
					{Name: "portfolio_id", Field: "portfolio_id"},
					{Name: "company_id", Field: "company_id"},
					{Name: "status", Field: "status"},
				},
			},
			{
				Name:      CollectionGuarantees,
				LegacyKey: "finance_guarantees",
				Indexes: []IndexSpec{
					{Name: "contract_id", Field: "contract_id"},
					{Name: "company_id", Field: "company_id"},
					{Name: "type", Field: "type"},
					{Name: "status", Field: "status"},
				},
			},
		},
	}
}
