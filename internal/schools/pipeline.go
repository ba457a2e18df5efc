package schools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoPendingAction indicates Confirm was called with nothing staged.
	ErrNoPendingAction = errors.New("schools: no pending action")
	// ErrUnknownSchool indicates the target school is not in the roster.
	ErrUnknownSchool = errors.New("schools: unknown school")
	// ErrGateClosed indicates a closing action was requested before the locked
	// 18:00 report exists.
	ErrGateClosed = errors.New("schools: closing actions require the locked 18:00 report")
	// ErrPercentOutOfRange rejects turnout values outside 0-100.
	ErrPercentOutOfRange = errors.New("schools: turnout percent must be between 0 and 100")
	// ErrHourLocked rejects re-submitting an already locked checkpoint.
	ErrHourLocked = errors.New("schools: hourly report already locked")
	// ErrEmptyNovelty rejects blank log entries.
	ErrEmptyNovelty = errors.New("schools: novelty text required")

	errMissingRoster  = errors.New("schools: roster is required")
	errMissingMutator = errors.New("schools: mutator is required")
)

// MilestoneFlag names the closing milestones an operator can record.
type MilestoneFlag string

const (
	MilestoneDoorsClosed   MilestoneFlag = "doorsClosed"
	MilestoneUrnsRetrieved MilestoneFlag = "urnsRetrieved"
	MilestoneFinalClose    MilestoneFlag = "finalClose"
)

// Mutator is the gateway surface the pipeline submits confirmed actions to.
type Mutator interface {
	UpdateSchool(ctx context.Context, schoolID string, patch Patch) (School, error)
	AddNovelty(ctx context.Context, schoolID string, noveltyType NoveltyType, text string) (Novelty, error)
	ResetSchool(ctx context.Context, schoolID string, keepEffectives, keepMesasAssigned bool) error
}

// PendingAction is a staged, not yet confirmed state change.
type PendingAction struct {
	ID       string
	SchoolID string
	Prompt   string

	submit func(ctx context.Context) error
}

// PipelineConfig describes the dependencies of a Pipeline.
type PipelineConfig struct {
	Roster  *Roster
	Mutator Mutator
	Logger  *zap.Logger
}

// Pipeline gates every state-changing action behind an explicit confirmation.
// At most one action is pending at a time; staging a new one replaces it.
type Pipeline struct {
	mu      sync.Mutex
	roster  *Roster
	mutator Mutator
	logger  *zap.Logger
	pending *PendingAction
}

// NewPipeline constructs the mutation pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Roster == nil {
		return nil, errMissingRoster
	}
	if cfg.Mutator == nil {
		return nil, errMissingMutator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		roster:  cfg.Roster,
		mutator: cfg.Mutator,
		logger:  logger,
	}, nil
}

// StageSchoolSave stages the full editable-field save built from the school's
// draft overlay.
func (p *Pipeline) StageSchoolSave(schoolID string) (PendingAction, error) {
	school, ok := p.roster.School(schoolID)
	if !ok {
		return PendingAction{}, ErrUnknownSchool
	}
	patch, _ := p.roster.PatchFromDraft(schoolID)

	return p.stage(schoolID,
		fmt.Sprintf("Save changes for %s?", school.Name),
		func(ctx context.Context) error {
			_, err := p.mutator.UpdateSchool(ctx, schoolID, patch)
			return err
		})
}

// StageHourlyReport stages a checkpoint turnout submission. The value locks
// on save and cannot be changed afterwards.
func (p *Pipeline) StageHourlyReport(schoolID, hour string, percent float64) (PendingAction, error) {
	if percent < 0 || percent > 100 {
		return PendingAction{}, ErrPercentOutOfRange
	}
	school, ok := p.roster.School(schoolID)
	if !ok {
		return PendingAction{}, ErrUnknownSchool
	}
	if report, ok := school.HourlyReportFor(hour); ok && report.Locked {
		return PendingAction{}, ErrHourLocked
	}

	patch := Patch{HourlyReports: []HourlyEntry{{Hour: hour, Percent: percent}}}
	return p.stage(schoolID,
		fmt.Sprintf("Save %s:00 turnout for %s? The value locks after saving.", hour, school.Name),
		func(ctx context.Context) error {
			_, err := p.mutator.UpdateSchool(ctx, schoolID, patch)
			return err
		})
}

// StageMilestone stages one of the closing milestones. The post-18:00 gate is
// enforced here, before anything reaches the gateway.
func (p *Pipeline) StageMilestone(schoolID string, flag MilestoneFlag) (PendingAction, error) {
	school, ok := p.roster.School(schoolID)
	if !ok {
		return PendingAction{}, ErrUnknownSchool
	}
	if !school.ClosingGateOpen() {
		return PendingAction{}, ErrGateClosed
	}

	requested := true
	var patch Patch
	var prompt string
	switch flag {
	case MilestoneDoorsClosed:
		patch.DoorsClosed = &requested
		prompt = fmt.Sprintf("Confirm doors closed at %s?", school.Name)
	case MilestoneUrnsRetrieved:
		patch.UrnsRetrieved = &requested
		prompt = fmt.Sprintf("Confirm urns retrieved from %s?", school.Name)
	case MilestoneFinalClose:
		patch.FinalClose = &requested
		prompt = fmt.Sprintf("Confirm final close of %s?", school.Name)
	default:
		return PendingAction{}, fmt.Errorf("schools: unknown milestone %q", flag)
	}

	return p.stage(schoolID, prompt, func(ctx context.Context) error {
		_, err := p.mutator.UpdateSchool(ctx, schoolID, patch)
		return err
	})
}

// StageNovelty stages a free-text log entry for the school.
func (p *Pipeline) StageNovelty(schoolID string, noveltyType NoveltyType, text string) (PendingAction, error) {
	school, ok := p.roster.School(schoolID)
	if !ok {
		return PendingAction{}, ErrUnknownSchool
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return PendingAction{}, ErrEmptyNovelty
	}

	return p.stage(schoolID,
		fmt.Sprintf("Record %s novelty for %s?", noveltyType, school.Name),
		func(ctx context.Context) error {
			_, err := p.mutator.AddNovelty(ctx, schoolID, noveltyType, trimmed)
			return err
		})
}

// StageReset stages returning a school to its initial state.
func (p *Pipeline) StageReset(schoolID string, keepEffectives, keepMesasAssigned bool) (PendingAction, error) {
	school, ok := p.roster.School(schoolID)
	if !ok {
		return PendingAction{}, ErrUnknownSchool
	}

	var kept []string
	if keepMesasAssigned {
		kept = append(kept, "mesas asignadas")
	}
	if keepEffectives {
		kept = append(kept, "effectives")
	}
	prompt := fmt.Sprintf("Reset %s to its initial state?", school.Name)
	if len(kept) > 0 {
		prompt = fmt.Sprintf("Reset %s to its initial state (keeping %s)?", school.Name, strings.Join(kept, " and "))
	}

	return p.stage(schoolID, prompt, func(ctx context.Context) error {
		return p.mutator.ResetSchool(ctx, schoolID, keepEffectives, keepMesasAssigned)
	})
}

// Pending returns the currently staged action, if any.
func (p *Pipeline) Pending() (PendingAction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return PendingAction{}, false
	}
	return *p.pending, true
}

// Cancel discards the staged action without any request or state change.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

// Confirm submits the staged action. On success the target's draft is cleared
// and the roster refetched; on failure the error is returned and drafts are
// preserved so the edit can be resubmitted. The pending slot empties either
// way: a failed action must be staged again explicitly.
func (p *Pipeline) Confirm(ctx context.Context) error {
	p.mu.Lock()
	action := p.pending
	p.pending = nil
	p.mu.Unlock()

	if action == nil {
		return ErrNoPendingAction
	}

	if err := action.submit(ctx); err != nil {
		p.logger.Warn("confirmed action failed",
			zap.String("action_id", action.ID),
			zap.String("school_id", action.SchoolID),
			zap.Error(err))
		return err
	}

	p.roster.ClearDraft(action.SchoolID)
	return p.roster.Refresh(ctx)
}

func (p *Pipeline) stage(schoolID, prompt string, submit func(ctx context.Context) error) (PendingAction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return PendingAction{}, err
	}
	action := PendingAction{
		ID:       id.String(),
		SchoolID: schoolID,
		Prompt:   prompt,
		submit:   submit,
	}

	p.mu.Lock()
	p.pending = &action
	p.mu.Unlock()

	return action, nil
}
