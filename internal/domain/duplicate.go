package domain

// MatchType tags how a duplicate cluster was formed so operators can judge
// the confidence of the duplicate claim itself.
type MatchType string

const (
	// MatchReference: members share an identical MoMo reference.
	MatchReference MatchType = "reference_match"

	// MatchFuzzyTimeAmount: equal amount and overlapping payer identity
	// within the institution's dedupe window.
	MatchFuzzyTimeAmount MatchType = "fuzzy_time_amount_match"
)

// DuplicateCluster is a derived group of transactions that plausibly encode
// the same real-world payment. It is never stored or edited directly; it is
// regenerated from the underlying transactions on every detection pass.
type DuplicateCluster struct {
	MatchKey      string    `json:"matchKey"`
	MatchType     MatchType `json:"matchType"`
	InstitutionID string    `json:"institutionId"`

	TransactionIDs []string `json:"transactionIds"`

	// Transactions holds the full records, loaded on demand for cluster
	// expansion. Nil in listing responses.
	Transactions []*Transaction `json:"transactions,omitempty"`
}

// UnresolvedCount returns how many members are still actionable: unallocated
// and not dismissed. A cluster with fewer than two is considered resolved.
func (c *DuplicateCluster) UnresolvedCount() int {
	n := 0
	for _, tx := range c.Transactions {
		if tx.Status == StatusUnallocated && !tx.DuplicateDismissed {
			n++
		}
	}
	return n
}
