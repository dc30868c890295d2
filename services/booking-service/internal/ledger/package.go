package ledger

import (
	"fmt"
	"sort"
	"time"
)

// Package is one stored multi-session purchase.
type Package struct {
	ID                string    `json:"id"`
	ClientEmail       string    `json:"client_email"`
	ServiceKey        string    `json:"service_key"`
	PurchasedQuantity int       `json:"purchased_quantity"`
	RemainingSessions int       `json:"remaining_sessions"`
	Version           int64     `json:"version"`
	PurchasedAt       time.Time `json:"purchased_at"`
}

func (p Package) Validate() error {
	if err := checkCounts(p.PurchasedQuantity, p.RemainingSessions); err != nil {
		return fmt.Errorf("package %s: %w", p.ID, err)
	}
	return nil
}

// Consumption is what booking one appointment against a package yields.
type Consumption struct {
	SessionNumber   int
	RemainingBefore int
	RemainingAfter  int
	Label           string
}

// Plan computes the effect of booking the next session of p without
// touching any state. Writing RemainingAfter back is the caller's job and
// must be conditional on p.Version.
func Plan(p Package, base, locale string) (Consumption, error) {
	if err := p.Validate(); err != nil {
		return Consumption{}, err
	}
	if p.RemainingSessions == 0 {
		return Consumption{}, ErrNoSessionsRemaining
	}
	n, err := SessionNumber(p.PurchasedQuantity, p.RemainingSessions)
	if err != nil {
		return Consumption{}, err
	}
	return Consumption{
		SessionNumber:   n,
		RemainingBefore: p.RemainingSessions,
		RemainingAfter:  Decrement(p.RemainingSessions),
		Label:           LabelForSession(base, p.PurchasedQuantity, n, locale),
	}, nil
}

// SelectCurrent picks the client's current package from every stored
// record: one with sessions left if any exists, and within that group the
// most recent purchase. Equal purchase times fall back to the larger ID so
// the answer never depends on the order records were fetched in.
func SelectCurrent(records []Package) (Package, bool) {
	if len(records) == 0 {
		return Package{}, false
	}
	sorted := make([]Package, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.RemainingSessions > 0) != (b.RemainingSessions > 0) {
			return a.RemainingSessions > 0
		}
		if !a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.PurchasedAt.After(b.PurchasedAt)
		}
		return a.ID > b.ID
	})
	return sorted[0], true
}
