// Package approval pauses tasks for human review. Requests are persisted in
// the durable approval queue, polled until resolved, and reviewer
// corrections are forwarded to the training service.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/logging"
	"arbiter/internal/storage"
)

// TimeoutAction selects what happens when a request expires unresolved.
type TimeoutAction string

const (
	TimeoutReject             TimeoutAction = "reject"
	TimeoutAutoApproveLowRisk TimeoutAction = "auto_approve_low_risk"
)

// Resolver identities recorded for auto-resolved rows.
const (
	resolvedByTimeout     = "system:timeout"
	resolvedByAutoApprove = "system:timeout_auto_approve"
)

// correctionTypeApproval tags corrections originating from the approval gate
// in the training-service payload.
const correctionTypeApproval = "approval_correction"

// Result is the outcome of one approval request.
type Result struct {
	Approved          bool      `json:"approved"`
	ResolvedBy        string    `json:"resolvedBy"`
	ResolvedAt        time.Time `json:"resolvedAt"`
	Reason            string    `json:"reason,omitempty"`
	CorrectionContent string    `json:"correctionContent,omitempty"`
	AutoResolved      bool      `json:"autoResolved"`
}

// Config tunes the gate's polling behavior.
type Config struct {
	PollInterval  time.Duration // default 5s
	Timeout       time.Duration // default 4h
	TimeoutAction TimeoutAction // default reject
	TrainingURL   string        // correction forwarding endpoint, optional
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 4 * time.Hour
	}
	if c.TimeoutAction == "" {
		c.TimeoutAction = TimeoutReject
	}
}

// Gate blocks tasks on human review.
type Gate struct {
	cfg    Config
	store  storage.ApprovalStore
	client *http.Client
	logger logging.Logger
}

// NewGate wires the gate to the durable approval queue.
func NewGate(cfg Config, store storage.ApprovalStore, logger logging.Logger) *Gate {
	cfg.defaults()
	return &Gate{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logging.OrNop(logger),
	}
}

// RequestApproval inserts a pending row and blocks until it is resolved, the
// timeout elapses, or ctx is cancelled. Every returned Result has a non-empty
// ResolvedBy.
func (g *Gate) RequestApproval(ctx context.Context, taskID, agentID, reason string) (Result, error) {
	row := storage.ApprovalRow{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AgentID:   agentID,
		Reason:    reason,
		Status:    storage.ApprovalPending,
		CreatedAt: time.Now(),
	}
	if err := g.store.InsertApproval(ctx, row); err != nil {
		return Result{}, fmt.Errorf("insert approval request: %w", err)
	}
	g.logger.Info("approval: task %s waiting for review (%s)", taskID, reason)

	deadline := time.NewTimer(g.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			return g.resolveTimeout(ctx, row.ID)
		case <-ticker.C:
			current, err := g.store.GetApproval(ctx, row.ID)
			if err != nil {
				g.logger.Warn("approval: poll failed for %s: %v", row.ID, err)
				continue
			}
			if current.Status == storage.ApprovalPending {
				continue
			}
			return g.finishResolved(ctx, current)
		}
	}
}

// Resolve records a reviewer's decision on a pending row. The external
// interface calls this; the blocked RequestApproval picks it up on the next
// poll.
func (g *Gate) Resolve(ctx context.Context, requestID string, approved bool, resolvedBy, reason, correction string) error {
	row, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}
	if row.Status != storage.ApprovalPending {
		return fmt.Errorf("approval %s already resolved (%s)", requestID, row.Status)
	}
	now := time.Now()
	row.Status = storage.ApprovalRejected
	if approved {
		row.Status = storage.ApprovalApproved
	}
	row.ResolvedBy = resolvedBy
	row.ResolvedAt = &now
	row.ResolutionReason = reason
	row.CorrectionContent = correction
	return g.store.UpdateApproval(ctx, row)
}

// Pending lists the unresolved queue rows.
func (g *Gate) Pending(ctx context.Context) ([]storage.ApprovalRow, error) {
	return g.store.ListPendingApprovals(ctx)
}

func (g *Gate) resolveTimeout(ctx context.Context, requestID string) (Result, error) {
	row, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return Result{}, fmt.Errorf("load approval on timeout: %w", err)
	}
	// Lost race: a reviewer resolved it just before the deadline.
	if row.Status != storage.ApprovalPending {
		return g.finishResolved(ctx, row)
	}

	now := time.Now()
	row.ResolvedAt = &now
	row.AutoResolved = true
	hours := g.cfg.Timeout.Hours()
	if g.cfg.TimeoutAction == TimeoutAutoApproveLowRisk {
		row.Status = storage.ApprovalApproved
		row.ResolvedBy = resolvedByAutoApprove
		row.ResolutionReason = fmt.Sprintf("Auto-approved after %.1fh timeout", hours)
	} else {
		row.Status = storage.ApprovalRejected
		row.ResolvedBy = resolvedByTimeout
		row.ResolutionReason = fmt.Sprintf("Rejected after %.1fh timeout", hours)
	}
	if err := g.store.UpdateApproval(ctx, row); err != nil {
		return Result{}, fmt.Errorf("record timeout resolution: %w", err)
	}
	g.logger.Warn("approval: task %s timed out, %s", row.TaskID, row.ResolutionReason)
	return g.finishResolved(ctx, row)
}

func (g *Gate) finishResolved(ctx context.Context, row storage.ApprovalRow) (Result, error) {
	approved := row.Status == storage.ApprovalApproved
	if row.CorrectionContent != "" {
		g.forwardCorrection(ctx, &row)
	}
	resolvedAt := time.Now()
	if row.ResolvedAt != nil {
		resolvedAt = *row.ResolvedAt
	}
	return Result{
		Approved:          approved,
		ResolvedBy:        row.ResolvedBy,
		ResolvedAt:        resolvedAt,
		Reason:            row.ResolutionReason,
		CorrectionContent: row.CorrectionContent,
		AutoResolved:      row.AutoResolved,
	}, nil
}

// forwardCorrection POSTs the reviewer's correction to the training service
// and marks the row correction_incorporated. Failures are logged, never
// propagated; the approval outcome stands either way.
func (g *Gate) forwardCorrection(ctx context.Context, row *storage.ApprovalRow) {
	if g.cfg.TrainingURL == "" {
		return
	}
	createdAt := time.Now().UTC()
	if row.ResolvedAt != nil {
		createdAt = row.ResolvedAt.UTC()
	}
	payload, err := json.Marshal(map[string]string{
		"agent_id":           row.AgentID,
		"task_id":            row.TaskID,
		"correction_content": row.CorrectionContent,
		"correction_type":    correctionTypeApproval,
		"created_at":         createdAt.Format(time.RFC3339),
	})
	if err != nil {
		g.logger.Error("approval: encode correction: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TrainingURL, bytes.NewReader(payload))
	if err != nil {
		g.logger.Error("approval: build correction request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("approval: forward correction for %s: %v", row.TaskID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		g.logger.Error("approval: training service returned %d for %s", resp.StatusCode, row.TaskID)
		return
	}
	row.Status = storage.ApprovalCorrectionIn
	if err := g.store.UpdateApproval(ctx, *row); err != nil {
		g.logger.Warn("approval: mark correction_incorporated for %s: %v", row.ID, err)
	}
	g.logger.Info("approval: correction for task %s incorporated", row.TaskID)
}
