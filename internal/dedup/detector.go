// Package dedup groups transactions that plausibly encode the same
// real-world payment.
//
// Detection is advisory only. Clusters are derived on demand from the
// underlying transactions and never stored; allocating or dismissing a
// member is the only way a cluster shrinks.
package dedup

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

// defaultLookback bounds how far back a detection pass scans. Payments older
// than this cannot join a new cluster, which keeps the pass cheap on large
// histories.
const defaultLookback = 30 * 24 * time.Hour

// Store is the slice of the repository the detector reads from.
type Store interface {
	ListForDedup(ctx context.Context, institutionID string, since time.Time) ([]*domain.Transaction, error)
}

// Detector runs duplicate detection passes over an institution's
// transactions.
type Detector struct {
	repo     Store
	lookback time.Duration
}

// New creates a detector reading candidates from the repository.
func New(repo Store) *Detector {
	return &Detector{repo: repo, lookback: defaultLookback}
}

// Detect regenerates the institution's duplicate clusters under its current
// settings. Two transactions match when they share an identical MoMo
// reference, or when they have equal amounts and overlapping payer identity
// within the dedupe window. Matching is transitive within a pass.
//
// Only clusters with at least two actionable members are returned; a cluster
// whose members have been allocated or dismissed down to one is resolved.
func (d *Detector) Detect(ctx context.Context, institutionID string, cfg *domain.ParsingConfig) ([]*domain.DuplicateCluster, error) {
	since := time.Now().UTC().Add(-d.lookback)
	txs, err := d.repo.ListForDedup(ctx, institutionID, since)
	if err != nil {
		return nil, err
	}
	if len(txs) < 2 {
		return nil, nil
	}

	uf := newUnionFind(len(txs))

	// Reference matches: identical non-empty MoMo reference.
	byRef := make(map[string][]int)
	for i, tx := range txs {
		if ref := strings.TrimSpace(tx.MomoReference); ref != "" {
			byRef[ref] = append(byRef[ref], i)
		}
	}
	for _, members := range byRef {
		for _, i := range members[1:] {
			uf.union(members[0], i, true)
		}
	}

	// Fuzzy matches: equal amount, overlapping payer identity, timestamps
	// within the window. Candidates arrive ordered by occurred_at, so each
	// amount bucket only needs a sliding comparison.
	window := cfg.DedupeWindow()
	byAmount := make(map[int64][]int)
	for i, tx := range txs {
		byAmount[tx.AmountMinor] = append(byAmount[tx.AmountMinor], i)
	}
	for _, members := range byAmount {
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				ta, tb := txs[members[a]], txs[members[b]]
				if tb.OccurredAt.Sub(ta.OccurredAt) > window {
					break
				}
				if samePayer(ta, tb) {
					uf.union(members[a], members[b], false)
				}
			}
		}
	}

	// Materialize clusters of size >= 2.
	groups := make(map[int][]int)
	for i := range txs {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var clusters []*domain.DuplicateCluster
	for root, members := range groups {
		if len(members) < 2 {
			continue
		}

		cluster := &domain.DuplicateCluster{
			InstitutionID: institutionID,
			MatchType:     domain.MatchFuzzyTimeAmount,
		}
		if uf.viaReference[root] {
			cluster.MatchType = domain.MatchReference
		}

		for _, i := range members {
			cluster.TransactionIDs = append(cluster.TransactionIDs, txs[i].ID)
			cluster.Transactions = append(cluster.Transactions, txs[i])
		}
		sort.Strings(cluster.TransactionIDs)
		cluster.MatchKey = string(cluster.MatchType) + ":" + cluster.TransactionIDs[0]

		if cluster.UnresolvedCount() < 2 {
			continue
		}
		clusters = append(clusters, cluster)
	}

	// Newest activity first, then key for a stable order.
	sort.Slice(clusters, func(i, j int) bool {
		ti, tj := newestMember(clusters[i]), newestMember(clusters[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return clusters[i].MatchKey < clusters[j].MatchKey
	})

	return clusters, nil
}

// samePayer reports overlapping payer identity: matching non-empty phone or
// matching non-empty name, compared case-insensitively.
func samePayer(a, b *domain.Transaction) bool {
	if a.PayerPhone != "" && a.PayerPhone == b.PayerPhone {
		return true
	}
	if a.PayerName != "" && strings.EqualFold(a.PayerName, b.PayerName) {
		return true
	}
	return false
}

func newestMember(c *domain.DuplicateCluster) time.Time {
	var newest time.Time
	for _, tx := range c.Transactions {
		if tx.OccurredAt.After(newest) {
			newest = tx.OccurredAt
		}
	}
	return newest
}

// unionFind with path compression. viaReference marks roots whose cluster
// contains at least one reference edge, which outranks a fuzzy match in the
// cluster's match-type tag.
type unionFind struct {
	parent       []int
	viaReference map[int]bool
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent:       make([]int, n),
		viaReference: make(map[int]bool),
	}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int, viaReference bool) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
		if u.viaReference[rb] {
			u.viaReference[ra] = true
		}
		delete(u.viaReference, rb)
	}
	if viaReference {
		u.viaReference[ra] = true
	}
}
