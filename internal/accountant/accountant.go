// Package accountant tracks the (epsilon, delta) privacy budget spent per
// metric per calendar month, admits or denies new releases against a
// configured cap, and reports tight bounds via Renyi and advanced
// composition.
package accountant

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/Dv04/DAU-MAU-counter/internal/apperr"
	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

// Accountant is the persistent privacy ledger for one pipeline. It shares
// the ledger's physical SQLite file but owns the releases, rdp_contributions,
// and budget tables exclusively.
type Accountant struct {
	db *sql.DB
}

// New builds an Accountant over an already-opened database handle.
func New(db *sql.DB) *Accountant {
	return &Accountant{db: db}
}

func monthKey(day string) (string, error) {
	if len(day) < 7 {
		return "", fmt.Errorf("day %q too short to derive a month key", day)
	}
	return day[:7], nil
}

// SpentBudget returns the naive sum of epsilon spent by metric in day's
// calendar month.
func (a *Accountant) SpentBudget(ctx context.Context, metric domain.Metric, day string) (float64, error) {
	period, err := monthKey(day)
	if err != nil {
		return 0, err
	}
	var spent sql.NullFloat64
	err = a.db.QueryRowContext(ctx,
		`SELECT SUM(epsilon) FROM releases WHERE metric = ? AND period = ?`, string(metric), period).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("spent budget: %w", err)
	}
	return spent.Float64, nil
}

// CanRelease reports whether a release of epsilon for metric on day would
// stay within cap.
func (a *Accountant) CanRelease(ctx context.Context, metric domain.Metric, epsilon, cap float64, day string) (bool, float64, error) {
	spent, err := a.SpentBudget(ctx, metric, day)
	if err != nil {
		return false, 0, err
	}
	return spent+epsilon <= cap+1e-9, spent, nil
}

// RDPEpsilonLaplace is the conservative closed-form RDP contribution of a
// Laplace release at order alpha: a direct consequence of its epsilon-DP
// guarantee composing monotonically at every Renyi order.
func RDPEpsilonLaplace(order, flippancyBound, epsilonLaplace float64) float64 {
	return order * flippancyBound / epsilonLaplace
}

// RDPEpsilonGaussian is the exact RDP contribution of a Gaussian release at
// noise scale sigma, L2 sensitivity flippancyBound, and order alpha.
func RDPEpsilonGaussian(order, flippancyBound, sigma float64) float64 {
	return order * flippancyBound * flippancyBound / (2 * sigma * sigma)
}

// RecordRelease persists a ReleaseRecord and its per-order RDP contributions
// inside tx, then updates the month's naive-spend/release-count budget row.
// Every write for one release happens in the caller's single transaction.
func (a *Accountant) RecordRelease(ctx context.Context, tx *sql.Tx, rec domain.ReleaseRecord, rdp []domain.RDPContribution) error {
	period, err := monthKey(rec.Day)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO releases (metric, day, period, epsilon, delta, mechanism, raw, estimate, ci_low, ci_high, seed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Metric), rec.Day, period, rec.Epsilon, rec.Delta, string(rec.Mechanism),
		rec.Raw, rec.Estimate, rec.CILow, rec.CIHigh, rec.Seed,
	); err != nil {
		return fmt.Errorf("record release: %w", err)
	}

	for _, c := range rdp {
		if c.Order <= 1 {
			return fmt.Errorf("rdp order must be > 1, got %v", c.Order)
		}
		if c.Epsilon < 0 {
			return fmt.Errorf("rdp epsilon must be non-negative, got %v", c.Epsilon)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rdp_contributions (metric, day, period, order_value, epsilon) VALUES (?, ?, ?, ?, ?)`,
			string(rec.Metric), rec.Day, period, c.Order, c.Epsilon,
		); err != nil {
			return fmt.Errorf("record rdp contribution: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget (metric, month, naive_spent, release_count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(metric, month) DO UPDATE SET
		   naive_spent = naive_spent + excluded.naive_spent,
		   release_count = release_count + 1`,
		string(rec.Metric), period, rec.Epsilon,
	); err != nil {
		return fmt.Errorf("update budget row: %w", err)
	}

	return nil
}

// ResetMonth zeroes a metric's budget for a month: deletes its releases and
// RDP contributions and drops its budget row. Idempotent — resetting an
// already-empty month is a no-op, not an error.
func (a *Accountant) ResetMonth(ctx context.Context, tx *sql.Tx, metric domain.Metric, month string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM releases WHERE metric = ? AND period = ?`, string(metric), month); err != nil {
		return fmt.Errorf("reset month releases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rdp_contributions WHERE metric = ? AND period = ?`, string(metric), month); err != nil {
		return fmt.Errorf("reset month rdp contributions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM budget WHERE metric = ? AND month = ?`, string(metric), month); err != nil {
		return fmt.Errorf("reset month budget: %w", err)
	}
	return nil
}

func (a *Accountant) spentRDP(ctx context.Context, metric domain.Metric, day string, orders []float64) (map[float64]float64, error) {
	period, err := monthKey(day)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT order_value, SUM(epsilon) FROM rdp_contributions WHERE metric = ? AND period = ? GROUP BY order_value`,
		string(metric), period)
	if err != nil {
		return nil, fmt.Errorf("spent rdp: %w", err)
	}
	defer rows.Close()

	totals := make(map[float64]float64, len(orders))
	for _, o := range orders {
		totals[o] = 0
	}
	for rows.Next() {
		var order, total float64
		if err := rows.Scan(&order, &total); err != nil {
			return nil, fmt.Errorf("scan rdp total: %w", err)
		}
		totals[order] = total
	}
	return totals, rows.Err()
}

func (a *Accountant) fetchReleases(ctx context.Context, metric domain.Metric, day string) ([]domain.ReleaseRecord, error) {
	period, err := monthKey(day)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT epsilon, delta FROM releases WHERE metric = ? AND period = ? ORDER BY id ASC`, string(metric), period)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}
	defer rows.Close()

	var out []domain.ReleaseRecord
	for rows.Next() {
		var rec domain.ReleaseRecord
		if err := rows.Scan(&rec.Epsilon, &rec.Delta); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// advancedEpsilonDelta applies the heterogeneous-epsilon advanced
// composition bound to a set of releases that may each carry a different
// per-release epsilon, generalizing the textbook uniform-epsilon form:
//
//	eps_adv = sqrt(2*ln(1/delta') * sum(eps_i^2)) + sum(eps_i*(exp(eps_i)-1))
//	delta_total = sum(delta_i) + delta'
//
// which reduces exactly to the uniform-epsilon bound when every release
// shares one epsilon.
func advancedEpsilonDelta(releases []domain.ReleaseRecord, deltaPrime float64) (*float64, *float64) {
	if len(releases) == 0 || deltaPrime <= 0 || deltaPrime >= 1 {
		return nil, nil
	}
	var sumEpsSq, sumExpTerms, sumDelta float64
	for _, r := range releases {
		sumEpsSq += r.Epsilon * r.Epsilon
		sumExpTerms += r.Epsilon * (math.Exp(r.Epsilon) - 1)
		sumDelta += r.Delta
	}
	epsBound := math.Sqrt(2*math.Log(1/deltaPrime)*sumEpsSq) + sumExpTerms
	deltaTotal := sumDelta + deltaPrime
	return &epsBound, &deltaTotal
}

// bestRDPEpsilon minimizes eps_rdp(alpha) = rdp_total(alpha) + ln(1/delta)/(alpha-1)
// over the configured Renyi orders, returning the tightest (epsilon, order)
// pair convertible to (epsilon, delta)-DP.
func bestRDPEpsilon(totals map[float64]float64, delta float64) (*float64, *float64) {
	if delta <= 0 {
		return nil, nil
	}
	logTerm := math.Log(1 / delta)
	var bestEps *float64
	var bestOrder *float64
	orders := make([]float64, 0, len(totals))
	for o := range totals {
		orders = append(orders, o)
	}
	sort.Float64s(orders)
	for _, order := range orders {
		if order <= 1 {
			continue
		}
		eps := totals[order] + logTerm/(order-1)
		if bestEps == nil || eps < *bestEps {
			bestEps = &eps
			bestOrder = &order
		}
	}
	return bestEps, bestOrder
}

// Snapshot is the side-effect-free budget report spec.md §4.6 and §6
// require for both the CLI and the HTTP budget endpoint.
type Snapshot struct {
	Metric           domain.Metric
	Period           string
	EpsilonCap       float64
	EpsilonSpent     float64
	EpsilonRemaining float64
	Delta            float64
	BestRDPEpsilon   *float64
	BestRDPOrder     *float64
	RDPCurve         map[float64]float64
	AdvancedEpsilon  *float64
	AdvancedDelta    *float64
	ReleaseCount     int
	RDPOrders        []float64
}

// BudgetSnapshot computes the full budget report for metric as of day,
// touching only read paths.
func (a *Accountant) BudgetSnapshot(ctx context.Context, metric domain.Metric, day string, cap, delta float64, orders []float64, advancedDelta float64) (*Snapshot, error) {
	spent, err := a.SpentBudget(ctx, metric, day)
	if err != nil {
		return nil, err
	}
	period, err := monthKey(day)
	if err != nil {
		return nil, err
	}
	rdpTotals, err := a.spentRDP(ctx, metric, day, orders)
	if err != nil {
		return nil, err
	}
	bestEps, bestOrder := bestRDPEpsilon(rdpTotals, delta)
	releases, err := a.fetchReleases(ctx, metric, day)
	if err != nil {
		return nil, err
	}
	advEps, advDelta := advancedEpsilonDelta(releases, advancedDelta)

	sortedOrders := append([]float64(nil), orders...)
	sort.Float64s(sortedOrders)

	return &Snapshot{
		Metric:           metric,
		Period:           period,
		EpsilonCap:       cap,
		EpsilonSpent:     spent,
		EpsilonRemaining: math.Max(0, cap-spent),
		Delta:            delta,
		BestRDPEpsilon:   bestEps,
		BestRDPOrder:     bestOrder,
		RDPCurve:         rdpTotals,
		AdvancedEpsilon:  advEps,
		AdvancedDelta:    advDelta,
		ReleaseCount:     len(releases),
		RDPOrders:        sortedOrders,
	}, nil
}

// BudgetExhausted builds the structured denial payload spec.md §6 requires
// on a 429, using a fresh snapshot taken before the failed release.
func (a *Accountant) BudgetExhausted(ctx context.Context, metric domain.Metric, day string, cap float64) (*apperr.BudgetExhausted, error) {
	spent, err := a.SpentBudget(ctx, metric, day)
	if err != nil {
		return nil, err
	}
	period, err := monthKey(day)
	if err != nil {
		return nil, err
	}
	return &apperr.BudgetExhausted{
		Metric:     string(metric),
		Cap:        cap,
		Spent:      spent,
		Remaining:  math.Max(0, cap-spent),
		ResetMonth: period,
	}, nil
}
