package schools

import "math"

// Summary is the aggregate projection over the active subset. It is a pure
// derivation: never stored, recomputed whenever the subset or its data change.
type Summary struct {
	Locals          int
	OpenLocals      int
	MesasAssigned   int
	MesasOpen       int
	PercentOpen     float64
	PendingOpen     int
	DoorsClosed     int
	Cleared         int
	PercentCleared  float64
	MesasScrutadas  int
	PercentScrutiny float64
	UrnsRetrieved   int
	FinalClose      int
	Hourly          map[string]float64
	Novelties       int
	Incidents       int
}

type summaryKey struct {
	revision  uint64
	stationID string
	schoolID  string
}

// Summary returns the projection for the current filtered subset, memoized by
// (list revision, filter selection) so unchanged inputs never recompute.
func (r *Roster) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := summaryKey{revision: r.revision, stationID: r.stationID, schoolID: r.schoolID}
	if r.summaryValid && r.summaryKey == key {
		return r.summaryValue
	}

	value := Summarize(r.filteredLocked())
	r.summaryKey = key
	r.summaryValue = value
	r.summaryValid = true
	return value
}

// Summarize derives the aggregate snapshot for a subset of schools. All
// percentages are rounded half-up to two decimals; a zero denominator always
// yields 0, never a division fault.
func Summarize(subset []School) Summary {
	summary := Summary{
		Locals: len(subset),
		Hourly: make(map[string]float64, len(CheckpointHours)),
	}

	for _, school := range subset {
		if school.IsOpen {
			summary.OpenLocals++
		}
		summary.MesasAssigned += school.MesasAssigned
		summary.MesasOpen += school.MesasOpen
		summary.MesasScrutadas += school.MesasScrutadas
		if school.DoorsClosed {
			summary.DoorsClosed++
			if school.PendingVoters == 0 {
				summary.Cleared++
			}
		}
		if school.UrnsRetrieved {
			summary.UrnsRetrieved++
		}
		if school.FinalClose {
			summary.FinalClose++
		}
		summary.Novelties += len(school.Novelties)
		summary.Incidents += school.IncidentCount()
	}

	summary.PercentOpen = percentOf(summary.MesasOpen, summary.MesasAssigned)
	if pending := summary.MesasAssigned - summary.MesasOpen; pending > 0 {
		summary.PendingOpen = pending
	}
	summary.PercentCleared = percentOf(summary.Cleared, summary.DoorsClosed)
	summary.PercentScrutiny = percentOf(summary.MesasScrutadas, summary.MesasAssigned)

	for _, hour := range CheckpointHours {
		total := 0.0
		count := 0
		for _, school := range subset {
			report, ok := school.HourlyReportFor(hour)
			if !ok || report.Percent == nil {
				continue
			}
			total += *report.Percent
			count++
		}
		if count == 0 {
			summary.Hourly[hour] = 0
			continue
		}
		summary.Hourly[hour] = round2(total / float64(count))
	}

	return summary
}

func percentOf(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(100 * float64(part) / float64(total))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
