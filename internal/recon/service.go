package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sikafo/trustpay/internal/alerts"
	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/trust"
)

// Thresholds carries the sweep timing knobs.
type Thresholds struct {
	// AutoRelease is how long a confirmed escrow waits for the buyer
	// before the sweep releases it. Floor applies when the counterparty
	// is high-trust.
	AutoRelease      time.Duration
	AutoReleaseFloor time.Duration

	// AutoConfirm is how long a delivered delivery waits for the buyer's
	// confirmation. Floor applies when both parties are high-trust.
	AutoConfirm      time.Duration
	AutoConfirmFloor time.Duration

	// StuckAfter is the age at which a held escrow is flagged.
	StuckAfter time.Duration

	BatchLimit int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.AutoRelease <= 0 {
		t.AutoRelease = 72 * time.Hour
	}
	if t.AutoReleaseFloor <= 0 {
		t.AutoReleaseFloor = 24 * time.Hour
	}
	if t.AutoConfirm <= 0 {
		t.AutoConfirm = 48 * time.Hour
	}
	if t.AutoConfirmFloor <= 0 {
		t.AutoConfirmFloor = 24 * time.Hour
	}
	if t.StuckAfter <= 0 {
		t.StuckAfter = 7 * 24 * time.Hour
	}
	if t.BatchLimit <= 0 {
		t.BatchLimit = 200
	}
	return t
}

// Service runs the sweeps. Each sweep method matches the scheduler's
// task signature and is safe to retry; the money operations underneath
// are idempotent.
type Service struct {
	escrows     *escrow.Service
	escrowStore escrow.Store
	trust       *trust.Service
	ledger      *ledger.Ledger
	alerts      *alerts.Service
	jobs        JobStore
	deliveries  DeliveryStore
	thresholds  Thresholds
	logger      *slog.Logger

	now func() time.Time
}

func NewService(
	escrows *escrow.Service,
	escrowStore escrow.Store,
	trustSvc *trust.Service,
	led *ledger.Ledger,
	alertSvc *alerts.Service,
	jobs JobStore,
	deliveries DeliveryStore,
	thresholds Thresholds,
	logger *slog.Logger,
) *Service {
	return &Service{
		escrows:     escrows,
		escrowStore: escrowStore,
		trust:       trustSvc,
		ledger:      led,
		alerts:      alertSvc,
		jobs:        jobs,
		deliveries:  deliveries,
		thresholds:  thresholds.withDefaults(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ReleaseStats summarizes one auto-release sweep.
type ReleaseStats struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
}

// AutoRelease pays out confirmed escrows the buyer never acted on.
// Trust snapshots are read once for the whole batch, so every row in a
// sweep is judged against the same scores.
func (s *Service) AutoRelease(ctx context.Context) (ReleaseStats, error) {
	var stats ReleaseStats
	now := s.now()

	// The floor is the earliest any row can qualify, so it bounds the scan.
	candidates, err := s.escrowStore.ListAged(ctx,
		escrow.StatusCompleted, now.Add(-s.thresholds.AutoReleaseFloor), s.thresholds.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("listing aged escrows: %w", err)
	}
	stats.Scanned = len(candidates)
	if len(candidates) == 0 {
		return stats, nil
	}

	snaps, err := s.trust.GetMany(ctx, counterpartyIDs(candidates))
	if err != nil {
		return stats, fmt.Errorf("loading trust snapshots: %w", err)
	}

	for _, tx := range candidates {
		threshold := s.thresholds.AutoRelease
		if snaps[tx.CounterpartyID].HighTrust() {
			threshold = s.thresholds.AutoReleaseFloor
		}
		if now.Sub(tx.UpdatedAt) < threshold {
			stats.Skipped++
			continue
		}

		_, err := s.escrows.Release(ctx, escrow.ReleaseParams{EscrowID: tx.ID, Auto: true})
		switch {
		case err == nil:
			stats.Released++
			sweepActions.WithLabelValues("auto_release", "released").Inc()
		case errors.Is(err, escrow.ErrDisputeActive):
			stats.Skipped++
			sweepActions.WithLabelValues("auto_release", "dispute_skip").Inc()
		default:
			// One bad row must not starve the rest of the batch.
			stats.Skipped++
			sweepActions.WithLabelValues("auto_release", "error").Inc()
			s.logger.Error("auto-release failed", "escrow", tx.ID, "error", err)
		}
	}

	if stats.Released > 0 {
		s.logger.Info("auto-release sweep done",
			"scanned", stats.Scanned, "released", stats.Released, "skipped", stats.Skipped)
	}
	return stats, nil
}

// ConfirmStats summarizes one auto-confirm sweep.
type ConfirmStats struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Skipped   int `json:"skipped"`
}

// AutoConfirm treats an aged delivered delivery as accepted by the
// buyer: every held leg of the order moves to confirmed-pending and the
// delivery is closed. A dispute on any leg freezes the whole order.
func (s *Service) AutoConfirm(ctx context.Context) (ConfirmStats, error) {
	var stats ConfirmStats
	now := s.now()

	candidates, err := s.deliveries.ListDeliveredBefore(ctx,
		now.Add(-s.thresholds.AutoConfirmFloor), s.thresholds.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("listing delivered deliveries: %w", err)
	}
	stats.Scanned = len(candidates)
	if len(candidates) == 0 {
		return stats, nil
	}

	snaps, err := s.trust.GetMany(ctx, partyIDs(candidates))
	if err != nil {
		return stats, fmt.Errorf("loading trust snapshots: %w", err)
	}

	for _, d := range candidates {
		threshold := s.thresholds.AutoConfirm
		if snaps[d.BuyerID].HighTrust() && snaps[d.DriverID].HighTrust() {
			threshold = s.thresholds.AutoConfirmFloor
		}
		if d.DeliveredAt == nil || now.Sub(*d.DeliveredAt) < threshold {
			stats.Skipped++
			continue
		}

		if err := s.confirmOrder(ctx, d, now, true); err != nil {
			stats.Skipped++
			if errors.Is(err, escrow.ErrDisputeActive) {
				sweepActions.WithLabelValues("auto_confirm", "dispute_skip").Inc()
			} else {
				sweepActions.WithLabelValues("auto_confirm", "error").Inc()
				s.logger.Error("auto-confirm failed", "delivery", d.ID, "error", err)
			}
			continue
		}
		stats.Confirmed++
		sweepActions.WithLabelValues("auto_confirm", "confirmed").Inc()
	}

	if stats.Confirmed > 0 {
		s.logger.Info("auto-confirm sweep done",
			"scanned", stats.Scanned, "confirmed", stats.Confirmed, "skipped", stats.Skipped)
	}
	return stats, nil
}

// ConfirmDelivery is the buyer's manual acceptance of a delivered
// order. Same leg movement as the sweep, without the age requirement.
func (s *Service) ConfirmDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != DeliveryDelivered {
		return nil, fmt.Errorf("%w: delivery %s is %s", ErrNotDelivered, d.ID, d.Status)
	}
	if err := s.confirmOrder(ctx, d, s.now(), false); err != nil {
		return nil, err
	}
	return s.deliveries.Get(ctx, deliveryID)
}

func (s *Service) confirmOrder(ctx context.Context, d *Delivery, now time.Time, auto bool) error {
	legs, err := s.escrowStore.ListByReference(ctx, "order", d.OrderID)
	if err != nil {
		return fmt.Errorf("listing order legs: %w", err)
	}
	for _, leg := range legs {
		if leg.Status == escrow.StatusDisputed {
			return fmt.Errorf("%w: escrow %s", escrow.ErrDisputeActive, leg.ID)
		}
	}
	for _, leg := range legs {
		if leg.Status != escrow.StatusHeld {
			continue
		}
		if _, err := s.escrows.MarkCompleted(ctx, leg.ID); err != nil {
			return fmt.Errorf("confirming leg %s: %w", leg.ID, err)
		}
	}
	return s.deliveries.MarkConfirmed(ctx, d.ID, auto, now)
}

// StuckStats summarizes one stuck-money sweep.
type StuckStats struct {
	StuckEscrows   int `json:"stuckEscrows"`
	WalletsDrift   int `json:"walletsDrift"`
	WalletsChecked int `json:"walletsChecked"`
}

// CheckStuckMoney flags held escrows that have sat past the stuck
// threshold and wallets whose balance has drifted from their entry sum.
// Drift alerts resolve themselves once the wallet checks clean again.
func (s *Service) CheckStuckMoney(ctx context.Context) (StuckStats, error) {
	var stats StuckStats
	now := s.now()

	aged, err := s.escrowStore.ListAged(ctx,
		escrow.StatusHeld, now.Add(-s.thresholds.StuckAfter), s.thresholds.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("listing aged held escrows: %w", err)
	}
	for _, tx := range aged {
		severity := alerts.SeverityWarning
		if now.Sub(tx.UpdatedAt) >= 2*s.thresholds.StuckAfter {
			severity = alerts.SeverityCritical
		}
		_, err := s.alerts.Fire(ctx, "stuck_escrow", tx.ID, severity,
			fmt.Sprintf("escrow %s has held %s %s since %s",
				tx.ID, tx.Currency, tx.Amount, tx.UpdatedAt.Format(time.RFC3339)))
		if err != nil {
			return stats, fmt.Errorf("firing stuck alert: %w", err)
		}
		stats.StuckEscrows++
		sweepActions.WithLabelValues("stuck_money", "stuck_escrow").Inc()
	}

	wallets, err := s.ledger.ListWallets(ctx, s.thresholds.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("listing wallets: %w", err)
	}
	for _, w := range wallets {
		stats.WalletsChecked++
		diff, ok, err := s.ledger.CheckDrift(ctx, w.OwnerID)
		if err != nil {
			return stats, fmt.Errorf("checking drift for %s: %w", w.OwnerID, err)
		}
		if ok {
			if err := s.alerts.ResolveByKey(ctx, "ledger_drift", w.OwnerID); err != nil {
				return stats, fmt.Errorf("resolving drift alert: %w", err)
			}
			continue
		}
		stats.WalletsDrift++
		sweepActions.WithLabelValues("stuck_money", "ledger_drift").Inc()
		if _, err := s.alerts.Fire(ctx, "ledger_drift", w.OwnerID, alerts.SeverityCritical,
			fmt.Sprintf("wallet %s balance is off by %s", w.OwnerID, diff)); err != nil {
			return stats, fmt.Errorf("firing drift alert: %w", err)
		}
	}
	return stats, nil
}

func counterpartyIDs(txs []*escrow.Transaction) []string {
	seen := make(map[string]bool, len(txs))
	var out []string
	for _, tx := range txs {
		if tx.CounterpartyID == "" || seen[tx.CounterpartyID] {
			continue
		}
		seen[tx.CounterpartyID] = true
		out = append(out, tx.CounterpartyID)
	}
	return out
}

func partyIDs(ds []*Delivery) []string {
	seen := make(map[string]bool, 2*len(ds))
	var out []string
	for _, d := range ds {
		for _, id := range []string{d.BuyerID, d.DriverID} {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
