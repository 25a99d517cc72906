package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is a reservation's lifecycle state. The only legal
// transitions are active → released (normal completion) and active → expired
// (TTL lapse); after either, the row is immutable history.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation is a short-lived hold on budget for a not-yet-committed run's
// estimated cost. It carries no link to the run it anticipates: a crash
// between reserve and record self-heals via TTL expiry instead of leaving an
// orphaned foreign key.
type Reservation struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	AmountUSD float64           `json:"amount_usd"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// CheckAndReserve is the primary entry point for callers about to do
// expensive work: the exceed check and the reservation insert share one
// exclusive transaction, so no window exists where two callers both pass.
func (a *Accountant) CheckAndReserve(ctx context.Context, tenant string, estimatedCost float64, ttl time.Duration) (Decision, error) {
	if estimatedCost < 0 {
		return Decision{}, fmt.Errorf("budget: estimated cost must be non-negative")
	}
	cfg, err := a.GetConfig(ctx, tenant)
	if err != nil {
		return Decision{}, err
	}
	if cfg.PerRunLimitUSD > 0 && estimatedCost > cfg.PerRunLimitUSD {
		return Decision{
			Allowed: false,
			Message: fmt.Sprintf("estimated cost $%.2f exceeds per-run limit $%.2f", estimatedCost, cfg.PerRunLimitUSD),
		}, nil
	}
	return a.reserve(ctx, cfg, estimatedCost, ttl)
}

// ReserveBudget re-runs the exceed check and, if it passes (or the tenant is
// warn-only), inserts an active reservation expiring at now+ttl. Returns an
// empty id, without error, when the tenant is blocked.
func (a *Accountant) ReserveBudget(ctx context.Context, tenant string, amount float64, ttl time.Duration) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("budget: reservation amount must be non-negative")
	}
	cfg, err := a.GetConfig(ctx, tenant)
	if err != nil {
		return "", err
	}
	dec, err := a.reserve(ctx, cfg, amount, ttl)
	if err != nil {
		return "", err
	}
	return dec.ReservationID, nil
}

// reserve runs sweep, check, and insert inside one immediate transaction on
// the budget store. Concurrent callers serialize on the store's write lock,
// so the second caller's projection always includes the first caller's
// now-committed reservation.
func (a *Accountant) reserve(ctx context.Context, cfg Config, amount float64, ttl time.Duration) (Decision, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	daily, monthly, err := a.committedSpend(ctx, cfg.TenantID)
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sweepExpiredTx(ctx, tx); err != nil {
			return err
		}
		reserved, err := activeReservationsTx(ctx, tx, cfg.TenantID)
		if err != nil {
			return err
		}
		st := buildStatus(cfg, daily, monthly, reserved, amount)
		dec.Status = st
		dec.Message = st.Message
		if st.State == StateExceeded && cfg.BlockOnExceed {
			dec.Allowed = false
			return nil
		}

		now := time.Now().UTC()
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_reservations (id, tenant_id, amount_usd, status, created_at, expires_at)
			VALUES (?, ?, ?, 'active', ?, ?);
		`, id, cfg.TenantID, amount, now, now.Add(ttl)); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		dec.Allowed = true
		dec.ReservationID = id
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if !dec.Allowed {
		a.logger.Info("budget: reservation denied",
			"tenant", cfg.TenantID, "amount_usd", amount, "message", dec.Message)
	}
	return dec, nil
}

// ReleaseReservation transitions a reservation to released. Idempotent:
// releasing twice, releasing after expiry, or releasing an unknown id are
// all no-ops, since a prior sweep may already have expired it.
func (a *Accountant) ReleaseReservation(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return a.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE budget_reservations SET status = 'released'
			WHERE id = ? AND status = 'active';
		`, id)
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			a.logger.Debug("budget: release was a no-op", "reservation_id", id)
		}
		return nil
	})
}

// SweepExpired runs one janitor pass, expiring every active reservation past
// its TTL, and returns how many it expired. The same sweep also runs lazily
// at the top of every budget check.
func (a *Accountant) SweepExpired(ctx context.Context) (int64, error) {
	var swept int64
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE budget_reservations SET status = 'expired'
			WHERE status = 'active' AND expires_at <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("sweep expired reservations: %w", err)
		}
		swept, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		a.logger.Info("budget: expired stale reservations", "count", swept)
	}
	return swept, nil
}

func sweepExpiredTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE budget_reservations SET status = 'expired'
		WHERE status = 'active' AND expires_at <= ?;
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep expired reservations: %w", err)
	}
	return nil
}

// ActiveReservations returns a tenant's currently counting holds, newest
// first. Used by cost-reporting surfaces.
func (a *Accountant) ActiveReservations(ctx context.Context, tenant string) ([]Reservation, error) {
	var out []Reservation
	err := a.store.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, tenant_id, amount_usd, status, created_at, expires_at
			FROM budget_reservations
			WHERE tenant_id = ? AND status = 'active' AND expires_at > ?
			ORDER BY created_at DESC;
		`, tenant, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r Reservation
			var status string
			if err := rows.Scan(&r.ID, &r.TenantID, &r.AmountUSD, &status, &r.CreatedAt, &r.ExpiresAt); err != nil {
				return fmt.Errorf("scan reservation: %w", err)
			}
			r.Status = ReservationStatus(status)
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
