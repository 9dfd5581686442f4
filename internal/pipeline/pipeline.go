// Package pipeline orchestrates hashing, sketching, windowing, ledger
// persistence, and DP release under the single-writer discipline the
// engine requires: ingest, release, reset, and salt rotation each hold one
// exclusive lock spanning the window store, ledger, and accountant for the
// duration of the operation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/accountant"
	"github.com/Dv04/DAU-MAU-counter/internal/apperr"
	"github.com/Dv04/DAU-MAU-counter/internal/config"
	"github.com/Dv04/DAU-MAU-counter/internal/domain"
	"github.com/Dv04/DAU-MAU-counter/internal/hashing"
	"github.com/Dv04/DAU-MAU-counter/internal/ledger"
	"github.com/Dv04/DAU-MAU-counter/internal/noise"
	"github.com/Dv04/DAU-MAU-counter/internal/sketch"
	"github.com/Dv04/DAU-MAU-counter/internal/window"
)

// IncomingEvent is a turnstile event as it arrives at the pipeline, before
// pseudonymization.
type IncomingEvent struct {
	UserID   string
	Op       domain.Op
	Day      string
	Metadata map[string]any
}

// ReleaseResult is the outcome of a DAU/MAU release. Raw always carries the
// pre-noise cardinality for CLI/test consumption; HTTP handlers decide
// whether to forward it to callers.
type ReleaseResult struct {
	Day             string
	WindowDays      int
	Raw             float64
	Estimate        float64
	CILow           float64
	CIHigh          float64
	Epsilon         float64
	Delta           float64
	Mechanism       domain.Mechanism
	SketchImpl      string
	BudgetSnapshot  *accountant.Snapshot
}

// Pipeline is the engine's single orchestration point.
type Pipeline struct {
	cfg       *config.Config
	log       *zap.Logger
	saltMgr   *hashing.SaltManager
	factory   *sketch.Factory
	store     *window.Store
	ledger    *ledger.Ledger
	accnt     *accountant.Accountant
	rdpOrders []float64

	mu sync.Mutex
}

// New wires a Pipeline from its already-constructed dependencies.
func New(cfg *config.Config, log *zap.Logger, saltMgr *hashing.SaltManager, factory *sketch.Factory, store *window.Store, ledg *ledger.Ledger, accnt *accountant.Accountant, rdpOrders []float64) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		log:       log,
		saltMgr:   saltMgr,
		factory:   factory,
		store:     store,
		ledger:    ledg,
		accnt:     accnt,
		rdpOrders: rdpOrders,
	}
}

func (p *Pipeline) eventsLoader() window.EventsLoader {
	return func(day string) ([]window.KeyEvent, error) {
		rows, err := p.ledger.FetchDayEvents(context.Background(), day)
		if err != nil {
			return nil, err
		}
		out := make([]window.KeyEvent, 0, len(rows))
		for _, row := range rows {
			out = append(out, window.KeyEvent{
				Add:  row.Op == domain.OpAdd,
				Hash: hashing.SketchHash64(row.UserKey),
			})
		}
		return out, nil
	}
}

// Ingest processes a batch of turnstile events atomically: one malformed
// event fails the whole batch with no partial commit.
func (p *Pipeline) Ingest(ctx context.Context, events []IncomingEvent) error {
	today := time.Now().UTC()
	for _, ev := range events {
		if ev.Op != domain.OpAdd && ev.Op != domain.OpErase {
			return apperr.Validation(fmt.Sprintf("unknown op %q", ev.Op), nil)
		}
		day, err := time.Parse("2006-01-02", ev.Day)
		if err != nil {
			return apperr.Validation(fmt.Sprintf("invalid day %q", ev.Day), err)
		}
		if day.After(today) {
			return apperr.Validation(fmt.Sprintf("day %q is in the future", ev.Day), nil)
		}
		if ev.UserID == "" {
			return apperr.Validation("user_id is required", nil)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	dirtyDays := make(map[string]struct{})

	for _, ev := range events {
		day, err := time.Parse("2006-01-02", ev.Day)
		if err != nil {
			return apperr.Validation(fmt.Sprintf("invalid day %q", ev.Day), err)
		}
		key := p.saltMgr.DeriveKey(ev.UserID, day)
		root := p.saltMgr.DeriveRoot(ev.UserID)
		metadataJSON := "{}"
		if len(ev.Metadata) > 0 {
			// best-effort: metadata is opaque and only ever round-tripped, never
			// interpreted, so a serialization failure degrades to an empty object
			// rather than failing the whole batch.
			if encoded, err := encodeMetadata(ev.Metadata); err == nil {
				metadataJSON = encoded
			}
		}

		row := domain.ActivityRow{
			Day:      ev.Day,
			UserKey:  key,
			UserRoot: root,
			Op:       ev.Op,
			Metadata: metadataJSON,
		}
		if err := p.ledger.RecordActivity(ctx, tx, row); err != nil {
			return err
		}
		dirtyDays[ev.Day] = struct{}{}

		if ev.Op == domain.OpErase {
			days, err := p.ledger.DaysForUserTx(ctx, tx, root)
			if err != nil {
				return err
			}
			affected := uniqueWith(days, ev.Day)

			tombstones := make([]domain.ActivityRow, 0, len(affected))
			for _, d := range affected {
				if d == ev.Day {
					continue // already recorded above
				}
				tk := p.saltMgr.DeriveKey(ev.UserID, mustParseDay(d))
				tombstones = append(tombstones, domain.ActivityRow{
					Day: d, UserKey: tk, UserRoot: root, Op: domain.OpErase, Metadata: "{}",
				})
			}
			if err := p.ledger.RecordActivityBatch(ctx, tx, tombstones); err != nil {
				return err
			}
			if _, err := p.ledger.RecordErasure(ctx, tx, root, affected); err != nil {
				return err
			}
			for _, d := range affected {
				dirtyDays[d] = struct{}{}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest transaction: %w", err)
	}
	committed = true

	for day := range dirtyDays {
		p.store.Touch(day)
	}
	return nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func mustParseDay(day string) time.Time {
	t, _ := time.Parse("2006-01-02", day)
	return t
}

func uniqueWith(days []string, extra string) []string {
	seen := make(map[string]struct{}, len(days)+1)
	out := make([]string, 0, len(days)+1)
	for _, d := range days {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	if _, ok := seen[extra]; !ok {
		out = append(out, extra)
	}
	return out
}

// ReplayDeletions marks every day touched by a pending erasure dirty, then
// flips each erasure to done once its days have been queued for rebuild.
// Idempotent: replaying with no pending erasures is a no-op.
func (p *Pipeline) ReplayDeletions(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replayDeletionsLocked(ctx)
}

func (p *Pipeline) replayDeletionsLocked(ctx context.Context) error {
	pending, err := p.ledger.PendingErasures(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := p.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, req := range pending {
		for _, day := range req.Days {
			p.store.Evict(day)
		}
		if err := p.ledger.MarkErasureDone(ctx, tx, req.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replay deletions: %w", err)
	}
	committed = true
	return nil
}

// release runs the shared DAU/MAU release sequence: admission check, noise
// sampling, and a single transaction recording both the release and the
// accountant's updated state.
func (p *Pipeline) release(ctx context.Context, metric domain.Metric, day string, rawValue, sensitivity float64) (*ReleaseResult, error) {
	epsilon := p.cfg.EpsilonDAU
	delta := 0.0
	budgetCap := p.cfg.DAUBudgetTotal
	if metric == domain.MetricMAU {
		epsilon = p.cfg.EpsilonMAU
		delta = p.cfg.Delta
		budgetCap = p.cfg.MAUBudgetTotal
	}

	ok, _, err := p.accnt.CanRelease(ctx, metric, epsilon, budgetCap, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		payload, snapErr := p.accnt.BudgetExhausted(ctx, metric, day, budgetCap)
		if snapErr != nil {
			return nil, snapErr
		}
		return nil, payload
	}

	var seedBase int64
	if p.cfg.DefaultSeed != nil {
		seedBase = *p.cfg.DefaultSeed
	} else {
		seedBase = time.Now().UnixNano()
	}
	seed := noise.SeedFor(seedBase, metric, day)

	var result noise.Result
	var rdp []domain.RDPContribution
	if delta > 0 {
		result, err = noise.Gaussian(rawValue, sensitivity, epsilon, delta, seed)
		if err != nil {
			return nil, err
		}
		sigma := noise.GaussianSigma(sensitivity, epsilon, delta)
		for _, order := range p.rdpOrders {
			rdp = append(rdp, domain.RDPContribution{
				Order: order, Epsilon: accountant.RDPEpsilonGaussian(order, sensitivity, sigma),
			})
		}
	} else {
		result, err = noise.Laplace(rawValue, sensitivity, epsilon, seed)
		if err != nil {
			return nil, err
		}
		for _, order := range p.rdpOrders {
			rdp = append(rdp, domain.RDPContribution{
				Order: order, Epsilon: accountant.RDPEpsilonLaplace(order, sensitivity, epsilon),
			})
		}
	}

	rec := domain.ReleaseRecord{
		Metric: metric, Day: day, Epsilon: epsilon, Delta: delta, Mechanism: result.Mechanism,
		Raw: result.Raw, Estimate: result.Noisy, CILow: result.CILow, CIHigh: result.CIHigh, Seed: seed,
	}

	tx, err := p.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := p.accnt.RecordRelease(ctx, tx, rec, rdp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release transaction: %w", err)
	}
	committed = true

	snap, err := p.accnt.BudgetSnapshot(ctx, metric, day, budgetCap, p.cfg.Delta, p.rdpOrders, p.cfg.AdvancedDelta)
	if err != nil {
		return nil, err
	}

	return &ReleaseResult{
		Day: day, Raw: result.Raw, Estimate: result.Noisy, CILow: result.CILow, CIHigh: result.CIHigh,
		Epsilon: result.Epsilon, Delta: result.Delta, Mechanism: result.Mechanism,
		SketchImpl: p.factory.DefaultImpl(), BudgetSnapshot: snap,
	}, nil
}

// ReleaseDAU computes and releases a DP DAU estimate for day.
func (p *Pipeline) ReleaseDAU(ctx context.Context, day string) (*ReleaseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.replayDeletionsLocked(ctx); err != nil {
		return nil, err
	}
	raw, _, err := p.store.DAU(day, p.eventsLoader())
	if err != nil {
		return nil, err
	}
	sensitivity := math.Min(float64(p.cfg.WBound), 1)
	result, err := p.release(ctx, domain.MetricDAU, day, raw, sensitivity)
	if err != nil {
		return nil, err
	}
	result.WindowDays = 1
	return result, nil
}

// ReleaseMAU computes and releases a DP MAU estimate for the window ending
// on endDay, spanning windowDays calendar days.
func (p *Pipeline) ReleaseMAU(ctx context.Context, endDay string, windowDays int) (*ReleaseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.replayDeletionsLocked(ctx); err != nil {
		return nil, err
	}
	raw, _, err := p.store.MAU(endDay, windowDays, p.eventsLoader())
	if err != nil {
		return nil, err
	}
	sensitivity := float64(p.cfg.WBound)
	result, err := p.release(ctx, domain.MetricMAU, endDay, raw, sensitivity)
	if err != nil {
		return nil, err
	}
	result.WindowDays = windowDays
	return result, nil
}

// ResetBudget zeroes a metric's budget for a month. Logged, idempotent,
// intended for manual operator use.
func (p *Pipeline) ResetBudget(ctx context.Context, metric domain.Metric, month string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("resetting budget", zap.String("metric", string(metric)), zap.String("month", month))

	tx, err := p.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := p.accnt.ResetMonth(ctx, tx, metric, month); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset budget: %w", err)
	}
	committed = true
	return nil
}

// RotateSalt appends a new salt epoch effective strictly after
// effectiveDate. A rotation landing inside the current MAU window conflicts
// with keys already derived for days in that window, so it is rejected
// rather than silently desynchronizing them.
func (p *Pipeline) RotateSalt(ctx context.Context, secret string, effectiveDate string, rotationDays int, today string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	eff, err := time.Parse("2006-01-02", effectiveDate)
	if err != nil {
		return apperr.Validation(fmt.Sprintf("invalid effective date %q", effectiveDate), err)
	}
	now, err := time.Parse("2006-01-02", today)
	if err != nil {
		return apperr.Validation(fmt.Sprintf("invalid current date %q", today), err)
	}
	windowStart := now.AddDate(0, 0, -(p.cfg.MAUWindowDays - 1))
	if !eff.Before(windowStart) {
		return apperr.Conflict(
			fmt.Sprintf("salt rotation effective %s falls inside the active %d-day MAU window starting %s",
				effectiveDate, p.cfg.MAUWindowDays, windowStart.Format("2006-01-02")), nil)
	}

	tx, err := p.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := p.ledger.RecordSaltEpoch(ctx, tx, domain.SaltEpoch{
		Secret: []byte(secret), EffectiveDate: effectiveDate, RotationDays: rotationDays,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate salt: %w", err)
	}
	committed = true
	return nil
}

// BudgetSnapshot is a read-only query. It takes no lock at all, neither
// exclusive nor shared, so it does not wait for an in-flight ingest or
// release and reads whatever the accountant's tables hold at that moment.
func (p *Pipeline) BudgetSnapshot(ctx context.Context, metric domain.Metric, day string) (*accountant.Snapshot, error) {
	budgetCap := p.cfg.DAUBudgetTotal
	if metric == domain.MetricMAU {
		budgetCap = p.cfg.MAUBudgetTotal
	}
	return p.accnt.BudgetSnapshot(ctx, metric, day, budgetCap, p.cfg.Delta, p.rdpOrders, p.cfg.AdvancedDelta)
}
