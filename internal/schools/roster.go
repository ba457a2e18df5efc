package schools

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var errMissingFetch = errors.New("schools: fetch function is required")

// FetchFunc loads the full school collection for the caller's scope.
type FetchFunc func(ctx context.Context) ([]School, error)

// CounterField names the numeric draft fields an operator can edit.
type CounterField string

const (
	FieldMesasAssigned  CounterField = "mesasAssigned"
	FieldMesasOpen      CounterField = "mesasOpen"
	FieldPendingVoters  CounterField = "pendingVoters"
	FieldMesasScrutadas CounterField = "mesasScrutadas"
)

// EffectiveField names the editable columns of a personnel record.
type EffectiveField string

const (
	EffectiveName        EffectiveField = "name"
	EffectivePhone       EffectiveField = "phone"
	EffectiveRank        EffectiveField = "rank"
	EffectiveFileNumber  EffectiveField = "legajo"
	EffectiveDestination EffectiveField = "destino"
)

// EffectiveDraft overlays a single personnel record. Nil fields fall through
// to the authoritative value.
type EffectiveDraft struct {
	Name        *string
	Phone       *string
	Rank        *string
	FileNumber  *string
	Destination *string
}

func (d EffectiveDraft) edited() bool {
	return d.Name != nil || d.Phone != nil || d.Rank != nil || d.FileNumber != nil || d.Destination != nil
}

// Draft is a client-local overlay of operator edits for one school. Every
// field is optional so "not yet edited" stays distinct from "edited to zero";
// reads merge non-nil draft fields over the authoritative state.
type Draft struct {
	IsOpen         *bool
	MesasAssigned  *int
	MesasOpen      *int
	PendingVoters  *int
	MesasScrutadas *int
	Effectives     [MaxEffectives]EffectiveDraft
}

func (d Draft) edited() bool {
	if d.IsOpen != nil || d.MesasAssigned != nil || d.MesasOpen != nil || d.PendingVoters != nil || d.MesasScrutadas != nil {
		return true
	}
	for _, effective := range d.Effectives {
		if effective.edited() {
			return true
		}
	}
	return false
}

// RosterConfig describes the dependencies of a Roster.
type RosterConfig struct {
	Fetch  FetchFunc
	Logger *zap.Logger
}

// Roster maintains the authoritative school list for one view plus the map of
// in-progress local drafts. Refreshes replace the list wholesale and never
// discard a draft; only an explicit save or cancel clears one.
type Roster struct {
	mu     sync.Mutex
	fetch  FetchFunc
	logger *zap.Logger

	schools   []School
	drafts    map[string]*Draft
	stationID string
	schoolID  string

	revision   uint64
	issuedGen  uint64
	appliedGen uint64

	summaryKey   summaryKey
	summaryValue Summary
	summaryValid bool
}

// NewRoster constructs an empty roster backed by the supplied fetch function.
func NewRoster(cfg RosterConfig) (*Roster, error) {
	if cfg.Fetch == nil {
		return nil, errMissingFetch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roster{
		fetch:  cfg.Fetch,
		logger: logger,
		drafts: make(map[string]*Draft),
	}, nil
}

// Refresh replaces the authoritative list with a fresh fetch, sorted by name.
// Responses are guarded by a monotonic generation: a refresh that resolves
// after a newer one has already been applied is discarded, so a slow response
// cannot overwrite fresher data. Filters that no longer resolve are cleared.
func (r *Roster) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.issuedGen++
	generation := r.issuedGen
	r.mu.Unlock()

	fetched, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	list := make([]School, len(fetched))
	copy(list, fetched)
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	r.mu.Lock()
	defer r.mu.Unlock()

	if generation <= r.appliedGen {
		r.logger.Debug("stale refresh discarded",
			zap.Uint64("generation", generation),
			zap.Uint64("applied", r.appliedGen))
		return nil
	}
	r.appliedGen = generation
	r.schools = list
	r.revision++

	if r.stationID != "" && !r.stationKnownLocked(r.stationID) {
		r.stationID = ""
	}
	if r.schoolID != "" && r.findLocked(r.schoolID) == nil {
		r.schoolID = ""
	}
	return nil
}

// Revision increments every time the authoritative list is replaced.
func (r *Roster) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Schools returns a copy of the authoritative list.
func (r *Roster) Schools() []School {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]School, len(r.schools))
	copy(out, r.schools)
	return out
}

// School returns the authoritative record for one school.
func (r *Roster) School(schoolID string) (School, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if found := r.findLocked(schoolID); found != nil {
		return *found, true
	}
	return School{}, false
}

// Stations lists the distinct stations present in the roster, sorted by name.
func (r *Roster) Stations() []Station {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(r.schools))
	var stations []Station
	for _, school := range r.schools {
		if school.Station.ID == "" || seen[school.Station.ID] {
			continue
		}
		seen[school.Station.ID] = true
		stations = append(stations, school.Station)
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].Name < stations[j].Name })
	return stations
}

// SetStationFilter narrows the active subset to one station. Changing the
// station drops any narrower school selection.
func (r *Roster) SetStationFilter(stationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stationID != stationID {
		r.schoolID = ""
	}
	r.stationID = stationID
}

// SetSchoolFilter narrows the active subset to a single school.
func (r *Roster) SetSchoolFilter(schoolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schoolID = schoolID
}

// StationFilter returns the active station selection.
func (r *Roster) StationFilter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stationID
}

// SchoolFilter returns the active school selection.
func (r *Roster) SchoolFilter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schoolID
}

// FilteredSchools returns the active subset after applying the filters.
func (r *Roster) FilteredSchools() []School {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filteredLocked()
}

func (r *Roster) filteredLocked() []School {
	var out []School
	for _, school := range r.schools {
		if r.stationID != "" && school.Station.ID != r.stationID {
			continue
		}
		if r.schoolID != "" && school.ID != r.schoolID {
			continue
		}
		out = append(out, school)
	}
	return out
}

// SetDraftOpen records a local edit of the open/closed toggle.
func (r *Roster) SetDraftOpen(schoolID string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value := open
	r.ensureDraftLocked(schoolID).IsOpen = &value
}

// SetDraftCounter records a local edit of one numeric field.
func (r *Roster) SetDraftCounter(schoolID string, field CounterField, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft := r.ensureDraftLocked(schoolID)
	stored := value
	switch field {
	case FieldMesasAssigned:
		draft.MesasAssigned = &stored
	case FieldMesasOpen:
		draft.MesasOpen = &stored
	case FieldPendingVoters:
		draft.PendingVoters = &stored
	case FieldMesasScrutadas:
		draft.MesasScrutadas = &stored
	}
}

// SetDraftEffective records a local edit of one personnel field. Indexes
// beyond the personnel cap are ignored.
func (r *Roster) SetDraftEffective(schoolID string, index int, field EffectiveField, value string) {
	if index < 0 || index >= MaxEffectives {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	draft := r.ensureDraftLocked(schoolID)
	stored := value
	switch field {
	case EffectiveName:
		draft.Effectives[index].Name = &stored
	case EffectivePhone:
		draft.Effectives[index].Phone = &stored
	case EffectiveRank:
		draft.Effectives[index].Rank = &stored
	case EffectiveFileNumber:
		draft.Effectives[index].FileNumber = &stored
	case EffectiveDestination:
		draft.Effectives[index].Destination = &stored
	}
}

// Draft returns a copy of the overlay for one school.
func (r *Roster) Draft(schoolID string) (Draft, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.drafts[schoolID]
	if !ok {
		return Draft{}, false
	}
	return *draft, true
}

// ClearDraft removes the overlay, reverting reads to the authoritative state.
func (r *Roster) ClearDraft(schoolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drafts, schoolID)
}

// MergedView returns the school with any draft fields overlaid. This is the
// single read path editable surfaces use, so an authoritative refresh can
// never clobber an in-progress edit.
func (r *Roster) MergedView(schoolID string) (School, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := r.findLocked(schoolID)
	if found == nil {
		return School{}, false
	}
	view := *found

	draft, ok := r.drafts[schoolID]
	if !ok {
		return view, true
	}

	if draft.IsOpen != nil {
		view.IsOpen = *draft.IsOpen
	}
	if draft.MesasAssigned != nil {
		view.MesasAssigned = *draft.MesasAssigned
	}
	if draft.MesasOpen != nil {
		view.MesasOpen = *draft.MesasOpen
	}
	if draft.PendingVoters != nil {
		view.PendingVoters = *draft.PendingVoters
	}
	if draft.MesasScrutadas != nil {
		view.MesasScrutadas = *draft.MesasScrutadas
	}
	view.Effectives = mergeEffectives(found.Effectives, draft)
	return view, true
}

// PatchFromDraft builds the save request for a school from its merged view.
// Post-18:00 counters are only submitted once the closing gate is open on the
// authoritative record, matching what the operator is allowed to edit.
func (r *Roster) PatchFromDraft(schoolID string) (Patch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := r.findLocked(schoolID)
	if found == nil {
		return Patch{}, false
	}

	draft := r.drafts[schoolID]
	if draft == nil {
		draft = &Draft{}
	}

	isOpen := found.IsOpen
	if draft.IsOpen != nil {
		isOpen = *draft.IsOpen
	}
	mesasAssigned := found.MesasAssigned
	if draft.MesasAssigned != nil {
		mesasAssigned = *draft.MesasAssigned
	}
	mesasOpen := found.MesasOpen
	if draft.MesasOpen != nil {
		mesasOpen = *draft.MesasOpen
	}

	patch := Patch{
		IsOpen:        &isOpen,
		MesasAssigned: &mesasAssigned,
		MesasOpen:     &mesasOpen,
		Effectives:    mergeEffectives(found.Effectives, draft),
	}

	if found.ClosingGateOpen() {
		pendingVoters := found.PendingVoters
		if draft.PendingVoters != nil {
			pendingVoters = *draft.PendingVoters
		}
		mesasScrutadas := found.MesasScrutadas
		if draft.MesasScrutadas != nil {
			mesasScrutadas = *draft.MesasScrutadas
		}
		patch.PendingVoters = &pendingVoters
		patch.MesasScrutadas = &mesasScrutadas
	}

	return patch, true
}

func mergeEffectives(authoritative []Effective, draft *Draft) []Effective {
	var merged []Effective
	for index := 0; index < MaxEffectives; index++ {
		var entry Effective
		present := false
		if index < len(authoritative) {
			entry = authoritative[index]
			present = true
		}
		if draft != nil {
			overlay := draft.Effectives[index]
			if overlay.edited() {
				present = true
			}
			if overlay.Name != nil {
				entry.Name = *overlay.Name
			}
			if overlay.Phone != nil {
				entry.Phone = *overlay.Phone
			}
			if overlay.Rank != nil {
				entry.Rank = *overlay.Rank
			}
			if overlay.FileNumber != nil {
				entry.FileNumber = *overlay.FileNumber
			}
			if overlay.Destination != nil {
				entry.Destination = *overlay.Destination
			}
		}
		if present {
			merged = append(merged, entry)
		}
	}
	return merged
}

func (r *Roster) ensureDraftLocked(schoolID string) *Draft {
	draft, ok := r.drafts[schoolID]
	if !ok {
		draft = &Draft{}
		r.drafts[schoolID] = draft
	}
	return draft
}

func (r *Roster) findLocked(schoolID string) *School {
	for index := range r.schools {
		if r.schools[index].ID == schoolID {
			return &r.schools[index]
		}
	}
	return nil
}

func (r *Roster) stationKnownLocked(stationID string) bool {
	for _, school := range r.schools {
		if school.Station.ID == stationID {
			return true
		}
	}
	return false
}
