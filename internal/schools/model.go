package schools

import (
	"fmt"
	"time"
)

// NoveltyType enumerates the categories of field log entries.
type NoveltyType string

const (
	NoveltyInfo      NoveltyType = "info"
	NoveltyIncident  NoveltyType = "incidente"
	NoveltyLogistics NoveltyType = "logistica"
)

// ParseNoveltyType validates a raw category value.
func ParseNoveltyType(value string) (NoveltyType, error) {
	switch NoveltyType(value) {
	case NoveltyInfo, NoveltyIncident, NoveltyLogistics:
		return NoveltyType(value), nil
	default:
		return "", fmt.Errorf("schools: unknown novelty type %q", value)
	}
}

// MaxEffectives caps the field-personnel records per school.
const MaxEffectives = 2

// CheckpointHours lists the fixed turnout checkpoints, in reporting order.
var CheckpointHours = []string{"14", "15", "16", "17", "18"}

// closingGateHour is the report that unlocks the closing milestones.
const closingGateHour = "18"

// Station identifies the precinct grouping a school belongs to.
type Station struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// HourlyReport is a turnout percentage for a checkpoint hour. Percent is nil
// until a value has been recorded; a locked report is immutable.
type HourlyReport struct {
	Hour    string   `json:"hour"`
	Percent *float64 `json:"percent,omitempty"`
	Locked  bool     `json:"locked"`
}

// Novelty is a timestamped free-text log entry.
type Novelty struct {
	At   time.Time   `json:"at"`
	Type NoveltyType `json:"type"`
	Text string      `json:"text"`
	By   string      `json:"by,omitempty"`
}

// Effective is a field-personnel contact record.
type Effective struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Rank        string `json:"rank"`
	FileNumber  string `json:"legajo"`
	Destination string `json:"destino"`
}

// School is a polling location as reported by the backend. Instances are
// fetched, never created client-side, and replaced wholesale on every refresh.
type School struct {
	ID             string         `json:"_id"`
	Name           string         `json:"name"`
	Address        string         `json:"address,omitempty"`
	Station        Station        `json:"station"`
	IsOpen         bool           `json:"isOpen"`
	DoorsClosed    bool           `json:"doorsClosed"`
	UrnsRetrieved  bool           `json:"urnsRetrieved"`
	FinalClose     bool           `json:"finalClose"`
	MesasAssigned  int            `json:"mesasAssigned"`
	MesasOpen      int            `json:"mesasOpen"`
	PendingVoters  int            `json:"pendingVoters"`
	MesasScrutadas int            `json:"mesasScrutadas"`
	HourlyReports  []HourlyReport `json:"hourlyReports"`
	Novelties      []Novelty      `json:"novedades"`
	Effectives     []Effective    `json:"effectives"`
}

// HourlyReportFor returns the report recorded for the given hour.
func (s School) HourlyReportFor(hour string) (HourlyReport, bool) {
	for _, report := range s.HourlyReports {
		if report.Hour == hour {
			return report, true
		}
	}
	return HourlyReport{}, false
}

// ClosingGateOpen reports whether the closing milestones may be requested:
// the 18:00 report must exist, be locked, and hold a numeric percent.
func (s School) ClosingGateOpen() bool {
	report, ok := s.HourlyReportFor(closingGateHour)
	return ok && report.Locked && report.Percent != nil
}

// IncidentCount counts novelties flagged as incidents.
func (s School) IncidentCount() int {
	count := 0
	for _, novelty := range s.Novelties {
		if novelty.Type == NoveltyIncident {
			count++
		}
	}
	return count
}

// ConsistencyWarnings lists advisory data problems. Warnings never block a
// save; operators are expected to resolve them from the field.
func (s School) ConsistencyWarnings() []string {
	var warnings []string
	if s.MesasOpen > s.MesasAssigned {
		warnings = append(warnings, fmt.Sprintf("mesas abiertas (%d) exceed mesas asignadas (%d)", s.MesasOpen, s.MesasAssigned))
	}
	if s.IsOpen && s.MesasOpen == 0 {
		warnings = append(warnings, "school reported open with no open mesas")
	}
	if !s.IsOpen && s.MesasOpen > 0 {
		warnings = append(warnings, "school reported closed with open mesas")
	}
	if len(s.Effectives) < MaxEffectives {
		warnings = append(warnings, fmt.Sprintf("only %d of %d effectives recorded", len(s.Effectives), MaxEffectives))
	}
	return warnings
}

// HourlyEntry is the wire shape for submitting a checkpoint percentage.
type HourlyEntry struct {
	Hour    string  `json:"hour"`
	Percent float64 `json:"percent"`
}

// Patch carries a partial school update. Nil fields are left untouched by the
// backend; the client decides field by field what it is submitting.
type Patch struct {
	IsOpen         *bool         `json:"isOpen,omitempty"`
	MesasAssigned  *int          `json:"mesasAssigned,omitempty"`
	MesasOpen      *int          `json:"mesasOpen,omitempty"`
	PendingVoters  *int          `json:"pendingVoters,omitempty"`
	MesasScrutadas *int          `json:"mesasScrutadas,omitempty"`
	HourlyReports  []HourlyEntry `json:"hourlyReports,omitempty"`
	DoorsClosed    *bool         `json:"doorsClosed,omitempty"`
	UrnsRetrieved  *bool         `json:"urnsRetrieved,omitempty"`
	FinalClose     *bool         `json:"finalClose,omitempty"`
	Effectives     []Effective   `json:"effectives,omitempty"`
}
