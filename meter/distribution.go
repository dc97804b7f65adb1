package meter

import "time"

// millisPerSecond converts a step duration in milliseconds into seconds
// for rate computation (value / (step/1000)).
const millisPerSecond = 1000.0

// distCells holds the four step cells shared by DistributionSummary and
// Timer: a count, a long-sum "amount", a double-sum "totalOfSquares", and
// a long-max "max". The two meter types differ only in
// their record() input validation and in the tag name / scale factor
// applied to the amount and totalOfSquares statistics on emit.
type distCells struct {
	count          *StepLong
	amount         *StepLong
	totalOfSquares *StepDouble
	max            *StepMax
}

func newDistCells(stepMillis int64) distCells {
	return distCells{
		count:          NewStepLong(stepMillis),
		amount:         NewStepLong(stepMillis),
		totalOfSquares: NewStepDouble(stepMillis),
		max:            NewStepMax(stepMillis),
	}
}

// record folds one observation of amount a (already in the meter's
// native unit, e.g. nanoseconds for Timer) into the four cells. count is
// incremented unconditionally; the amount-dependent stats only fold in
// values a > 0.
func (d *distCells) record(now int64, a int64) {
	d.count.AddAndGet(now, 1)

	if a > 0 {
		d.amount.AddAndGet(now, a)
		d.totalOfSquares.AddAndGet(now, float64(a)*float64(a))
		d.max.Max(now, float64(a))
	}
}

// measure emits the four measurements for one completed step. amountStat
// names the amount statistic ("totalAmount" or "totalTime"); amountScale
// and sqScale convert the native unit into the emitted unit (1.0 for
// DistributionSummary, 1e-9/1e-18 for Timer).
func (d *distCells) measure(now int64, id Id, stepSeconds, amountScale, sqScale float64, amountStat Statistic, sink Sink) {
	ts := d.count.Timestamp()

	countRate := float64(d.count.Poll(now)) / stepSeconds
	sink.Record(Measurement{ID: withStat(id, StatCount, DsRate), Timestamp: ts, Value: countRate})

	amountRate := float64(d.amount.Poll(now)) * amountScale / stepSeconds
	sink.Record(Measurement{ID: withStat(id, amountStat, DsRate), Timestamp: ts, Value: amountRate})

	sqRate := d.totalOfSquares.Poll(now) * sqScale / stepSeconds
	sink.Record(Measurement{ID: withStat(id, StatTotalSq, DsRate), Timestamp: ts, Value: sqRate})

	maxVal := d.max.Poll(now) * amountScale
	sink.Record(Measurement{ID: withStat(id, StatMax, DsGauge), Timestamp: ts, Value: maxVal})
}

func withStat(id Id, stat Statistic, ds DsType) Id {
	return id.WithTag(TagStatistic, string(stat)).WithTag(TagDsType, string(ds))
}

// DistributionSummary tracks the distribution of events: a count plus the
// total, sum-of-squares, and max of a positive "amount" per step
//.
type DistributionSummary struct {
	meterBase
	cells       distCells
	stepSeconds float64
}

// NewDistributionSummary creates a DistributionSummary for id, rotating
// on stepMillis boundaries.
func NewDistributionSummary(id Id, clock Clock, ttl time.Duration, stepMillis int64) *DistributionSummary {
	return &DistributionSummary{
		meterBase:   newMeterBase(id, clock, ttl),
		cells:       newDistCells(stepMillis),
		stepSeconds: float64(stepMillis) / millisPerSecond,
	}
}

// Record folds one observation into the summary. The count is always
// incremented; amount-dependent stats ignore non-positive values
//.
func (d *DistributionSummary) Record(amount int64) {
	now := d.clock.NowMillis()
	d.updateLastModTime(now)
	d.cells.record(now, amount)
}

// Measure implements Meter.
func (d *DistributionSummary) Measure(now int64, sink Sink) {
	d.cells.measure(now, d.id, d.stepSeconds, 1.0, 1.0, StatTotalAmt, sink)
}
