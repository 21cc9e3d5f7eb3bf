package authz

import (
	"time"

	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
)

// BillingUnit is the length of one billable service unit.
const BillingUnit = 15 * time.Minute

// CalculateUnits rounds the clock-in/out duration to interval and converts it
// to 15-minute billing units, rounding partial units up. A clock-out before
// the clock-in yields zero.
func CalculateUnits(in, out time.Time, interval time.Duration, mode config.RoundingMode) int {
	d := out.Sub(in)
	if d <= 0 {
		return 0
	}
	rounded := roundDuration(d, interval, mode)
	return int((rounded + BillingUnit - 1) / BillingUnit)
}

func roundDuration(d, interval time.Duration, mode config.RoundingMode) time.Duration {
	if interval <= 0 {
		return d
	}
	q, r := d/interval, d%interval
	switch mode {
	case config.RoundUp:
		if r > 0 {
			q++
		}
	case config.RoundDown:
	default:
		if 2*r >= interval {
			q++
		}
	}
	return q * interval
}

// CheckForVisit builds the matcher input for v using the organization's
// rounding rules and time zone. Incomplete visits carry zero units.
func CheckForVisit(v *model.VisitRecord, rules config.OrgRules) VisitCheck {
	check := VisitCheck{
		ClientID:      v.ClientID,
		PayerID:       v.PayerID,
		PayerProgram:  v.PayerProgram,
		ProcedureCode: v.ProcedureCode,
		Modifiers:     v.Modifiers,
		ServiceDate:   v.ScheduledStart.In(rules.Location()),
	}
	if v.ClockIn != nil {
		check.ServiceDate = v.ClockIn.In(rules.Location())
	}
	if v.Completed() {
		check.Units = CalculateUnits(*v.ClockIn, *v.ClockOut, rules.RoundingInterval(), rules.RoundingMode)
	}
	return check
}
