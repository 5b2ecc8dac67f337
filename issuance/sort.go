package issuance

import (
	"cmp"
	"slices"

	"github.com/jmcleod/ironca/ledger"
)

func sortRequests(reqs []*ledger.CertificateRequest) {
	slices.SortStableFunc(reqs, func(a, b *ledger.CertificateRequest) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func sortSummaries(s []ledger.IssuedSummary) {
	slices.SortStableFunc(s, func(a, b ledger.IssuedSummary) int {
		if c := b.ValidFrom.Compare(a.ValidFrom); c != 0 {
			return c
		}
		return cmp.Compare(a.Serial, b.Serial)
	})
}
