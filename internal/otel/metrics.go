package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all skillmeter metric instruments.
type Metrics struct {
	RunsRecorded       metric.Int64Counter
	RunCost            metric.Float64Histogram
	RunDuration        metric.Float64Histogram
	TokensRecorded     metric.Int64Counter
	ReservationsMade   metric.Int64Counter
	ReservationsDenied metric.Int64Counter
	ReservationsSwept  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsRecorded, err = meter.Int64Counter("skillmeter.runs.recorded",
		metric.WithDescription("Run records written to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Histogram("skillmeter.run.cost",
		metric.WithDescription("Recorded run cost in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("skillmeter.run.duration",
		metric.WithDescription("Recorded run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensRecorded, err = meter.Int64Counter("skillmeter.run.tokens",
		metric.WithDescription("Total tokens recorded across runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsMade, err = meter.Int64Counter("skillmeter.budget.reservations",
		metric.WithDescription("Budget reservations created"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsDenied, err = meter.Int64Counter("skillmeter.budget.denials",
		metric.WithDescription("Reservation requests denied by block-on-exceed"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsSwept, err = meter.Int64Counter("skillmeter.budget.swept",
		metric.WithDescription("Stale reservations expired by the janitor"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
