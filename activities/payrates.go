package activities

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/warp/activities-sync/generic"
)

// =============================================================================
// PAY RATES - Half-day rates keyed by (incentive level, pay band)
// =============================================================================

// PayRateKey identifies one rate within an activity.
type PayRateKey struct {
	IncentiveLevel string
	PayBand        string
}

func (k PayRateKey) String() string { return k.IncentiveLevel + "/" + k.PayBand }

// PayRate is a rate in force over an interval. Rates are decimals end to end;
// the no-op check depends on exact equality.
type PayRate = generic.Interval[PayRateKey, decimal.Decimal]

// PayRateReconciliation is the new rate history plus changed keys.
type PayRateReconciliation = generic.Reconciliation[PayRateKey, decimal.Decimal]

// RequestedPayRate is one entry of the target rate list.
type RequestedPayRate struct {
	IncentiveLevel string
	PayBand        string
	Rate           decimal.Decimal
}

func (r RequestedPayRate) Key() PayRateKey {
	return PayRateKey{IncentiveLevel: r.IncentiveLevel, PayBand: r.PayBand}
}

var payRateReconciler = generic.IntervalReconciler[PayRateKey, decimal.Decimal]{
	Equal: func(a, b decimal.Decimal) bool { return a.Equal(b) },
	Less: func(a, b PayRateKey) bool {
		if a.IncentiveLevel != b.IncentiveLevel {
			return a.IncentiveLevel < b.IncentiveLevel
		}
		return a.PayBand < b.PayBand
	},
	Describe: func(k PayRateKey) string { return "pay rate " + k.String() },
}

// ReconcilePayRates moves an activity's rate history to the requested list.
// Unchanged rates are kept verbatim; changes take effect tomorrow; new keys
// take effect today; withdrawn rates are closed today (or deleted if pending).
func ReconcilePayRates(current []PayRate, requested []RequestedPayRate, today generic.TimePoint) (PayRateReconciliation, error) {
	targets, err := payRateTargets(requested)
	if err != nil {
		return PayRateReconciliation{}, err
	}
	return payRateReconciler.Reconcile(current, targets, today)
}

func payRateTargets(requested []RequestedPayRate) (map[PayRateKey]decimal.Decimal, error) {
	targets := make(map[PayRateKey]decimal.Decimal, len(requested))
	for _, r := range requested {
		if r.IncentiveLevel == "" || r.PayBand == "" {
			return nil, invalidRequest("pay rate needs an incentive level and a pay band")
		}
		if r.Rate.IsNegative() {
			return nil, invalidRequest("pay rate %s is negative (%s)", r.Key(), r.Rate)
		}
		if _, dup := targets[r.Key()]; dup {
			return nil, invalidRequest("pay rate %s requested more than once", r.Key())
		}
		targets[r.Key()] = r.Rate
	}
	return targets, nil
}

// ValidatePayRates resolves every requested incentive level and pay band.
// All codes are checked before returning so the caller can reject the whole
// request before touching any interval; the first failure is returned,
// joined with any others.
func ValidatePayRates(ctx context.Context, ref ReferenceResolver, prison PrisonID, requested []RequestedPayRate) error {
	var errs []error
	seenLevel := map[string]bool{}
	seenBand := map[string]bool{}
	for _, r := range requested {
		if !seenLevel[r.IncentiveLevel] {
			seenLevel[r.IncentiveLevel] = true
			if _, err := ref.ResolveIncentiveLevel(ctx, prison, r.IncentiveLevel); err != nil {
				errs = append(errs, err)
			}
		}
		if !seenBand[r.PayBand] {
			seenBand[r.PayBand] = true
			if _, err := ref.ResolvePayBand(ctx, r.PayBand); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RateOn returns the rate in force for a level and band on date.
func RateOn(rates []PayRate, incentiveLevel, payBand string, date generic.TimePoint) (decimal.Decimal, bool) {
	return generic.ValueOn(rates, PayRateKey{IncentiveLevel: incentiveLevel, PayBand: payBand}, date)
}
