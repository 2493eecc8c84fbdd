package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// CreateWorkflow inserts a workflow unless one exists for the commit id. created reports
// whether this call inserted the row.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow) (created bool, err error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(wf)
	if res.Error != nil {
		return false, fmt.Errorf("create workflow: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetWorkflow loads a workflow by commit id.
func (s *Store) GetWorkflow(ctx context.Context, commitID string) (*Workflow, error) {
	var wf Workflow
	if err := s.db.WithContext(ctx).First(&wf, "commit_id = ?", commitID).Error; err != nil {
		return nil, notFound(err)
	}
	return &wf, nil
}

// UpdateWorkflowState moves a workflow to state, recording reason when non-empty.
func (s *Store) UpdateWorkflowState(ctx context.Context, commitID, state, reason string) error {
	updates := map[string]any{"state": state, "updated_at": s.clock()}
	if reason != "" {
		updates["failure_reason"] = truncate(reason, 512)
	}
	res := s.db.WithContext(ctx).Model(&Workflow{}).Where("commit_id = ?", commitID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update workflow state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLockSignal stores the lock signal payload if none was stored before. accepted is false
// when an earlier signal already won.
func (s *Store) SetLockSignal(ctx context.Context, commitID, payload string) (accepted bool, err error) {
	return s.setOnce(ctx, commitID, "lock_signal", payload)
}

// SetAddLockSig stores the add-lock signature payload if none was accepted before.
func (s *Store) SetAddLockSig(ctx context.Context, commitID, payload string) (accepted bool, err error) {
	return s.setOnce(ctx, commitID, "add_lock_sig", payload)
}

// RejectAddLockSig records why an add-lock signature was refused. Only the first rejection is
// kept.
func (s *Store) RejectAddLockSig(ctx context.Context, commitID, reason string) (bool, error) {
	return s.setOnce(ctx, commitID, "add_lock_rejected", truncate(reason, 512))
}

func (s *Store) setOnce(ctx context.Context, commitID, column, payload string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Workflow{}).
		Where("commit_id = ? AND ("+column+" = '' OR "+column+" IS NULL)", commitID).
		Updates(map[string]any{column: payload, "updated_at": s.clock()})
	if res.Error != nil {
		return false, fmt.Errorf("set %s: %w", column, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetWorkflow(ctx, commitID); err != nil {
		return false, err
	}
	return false, nil
}

// RequestCancel flags a workflow for cancellation.
func (s *Store) RequestCancel(ctx context.Context, commitID string) error {
	res := s.db.WithContext(ctx).Model(&Workflow{}).Where("commit_id = ?", commitID).
		Updates(map[string]any{"cancel_requested": true, "updated_at": s.clock()})
	if res.Error != nil {
		return fmt.Errorf("request cancel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflowsExcept returns workflows whose state is not one of states.
func (s *Store) ListWorkflowsExcept(ctx context.Context, states ...string) ([]Workflow, error) {
	var out []Workflow
	q := s.db.WithContext(ctx)
	if len(states) > 0 {
		q = q.Where("state NOT IN ?", states)
	}
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// GetStep returns the journaled output of a completed step.
func (s *Store) GetStep(ctx context.Context, commitID, step string) (string, bool, error) {
	var rows []WorkflowStep
	err := s.db.WithContext(ctx).Where("commit_id = ? AND step = ?", commitID, step).Limit(1).Find(&rows).Error
	if err != nil {
		return "", false, fmt.Errorf("load step %s: %w", step, err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Output, true, nil
}

// SaveStep appends a completed step to the journal. If the step was already journaled the
// earlier output is kept and returned.
func (s *Store) SaveStep(ctx context.Context, commitID, step, output string) (string, error) {
	row := WorkflowStep{CommitID: commitID, Step: step, Output: output, CreatedAt: s.clock()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return "", fmt.Errorf("save step %s: %w", step, res.Error)
	}
	if res.RowsAffected == 1 {
		return output, nil
	}
	stored, ok, err := s.GetStep(ctx, commitID, step)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("save step %s: conflict without stored row", step)
	}
	return stored, nil
}

// ListSteps returns the journal of a workflow in append order.
func (s *Store) ListSteps(ctx context.Context, commitID string) ([]WorkflowStep, error) {
	var out []WorkflowStep
	err := s.db.WithContext(ctx).Where("commit_id = ?", commitID).Order("id").Find(&out).Error
	return out, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
