package accounting_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/skillmeter/internal/accounting"
	"github.com/basket/skillmeter/internal/budget"
	"github.com/basket/skillmeter/internal/config"
	"github.com/basket/skillmeter/internal/ledger"
)

func openAccounting(t *testing.T) *accounting.Accounting {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	acct, err := accounting.New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("new accounting: %v", err)
	}
	t.Cleanup(func() { _ = acct.Close() })
	return acct
}

func TestAccounting_RecordAndQuery(t *testing.T) {
	acct := openAccounting(t)
	ctx := context.Background()

	run := ledger.RunRecord{
		ID:        "e2e-1",
		TenantID:  "acme",
		Kind:      "extract",
		Name:      "invoice-parse",
		Status:    ledger.StatusSuccess,
		StartedAt: time.Now().UTC(),
		CostUSD:   0.02,
	}
	if err := acct.RecordRun(ctx, run, nil, nil); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := acct.QueryRuns(ctx, ledger.Filter{Tenant: "acme"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "e2e-1" {
		t.Fatalf("roundtrip: %+v", runs)
	}

	w, err := acct.TenantCostWindow(ctx, "acme", 1)
	if err != nil {
		t.Fatalf("cost window: %v", err)
	}
	if w.CostUSD != 0.02 {
		t.Fatalf("window cost: %v", w.CostUSD)
	}
}

func TestAccounting_ReserveCycle(t *testing.T) {
	acct := openAccounting(t)
	ctx := context.Background()

	if err := acct.SetBudget(ctx, budget.Config{
		TenantID:      "acme",
		DailyLimitUSD: 10,
		WarnAtPercent: 0.8,
		BlockOnExceed: true,
	}); err != nil {
		t.Fatalf("set budget: %v", err)
	}

	dec, err := acct.CheckAndReserve(ctx, "acme", 4, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !dec.Allowed || dec.ReservationID == "" {
		t.Fatalf("expected allow: %+v", dec)
	}

	// A second hold pushes the projection to 11 of 10.
	dec2, err := acct.CheckAndReserve(ctx, "acme", 7, 0)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if dec2.Allowed {
		t.Fatalf("expected denial: %+v", dec2)
	}

	if err := acct.ReleaseReservation(ctx, dec.ReservationID); err != nil {
		t.Fatalf("release: %v", err)
	}

	st, err := acct.CheckBudget(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.ReservedUSD != 0 {
		t.Fatalf("expected nothing reserved after release, got %v", st.ReservedUSD)
	}
}

func TestAccounting_SweepCountsExpired(t *testing.T) {
	acct := openAccounting(t)
	ctx := context.Background()

	if _, err := acct.CheckAndReserve(ctx, "acme", 1, 30*time.Millisecond); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	swept, err := acct.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}
}

func TestAccounting_BudgetConfigRoundtrip(t *testing.T) {
	acct := openAccounting(t)
	ctx := context.Background()

	want := budget.Config{TenantID: "zeta", MonthlyLimitUSD: 500, WarnAtPercent: 0.9}
	if err := acct.SetBudget(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := acct.GetBudget(ctx, "zeta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip: got %+v want %+v", got, want)
	}
}

func TestAccounting_SweeperScheduleValidatedAtStartup(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.SweepCron = "bogus"
	if _, err := accounting.New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for invalid sweep schedule")
	}
}
