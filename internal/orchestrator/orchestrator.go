// Package orchestrator owns the task DAG, the durable job dispatch, and the
// end-to-end pipeline that runs each task under the runtime's guardrails.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"arbiter/internal/approval"
	"arbiter/internal/breaker"
	"arbiter/internal/budget"
	"arbiter/internal/interrupt"
	"arbiter/internal/kg"
	"arbiter/internal/llm"
	"arbiter/internal/llm/router"
	"arbiter/internal/logging"
	"arbiter/internal/observability"
	"arbiter/internal/policy"
	"arbiter/internal/reinforce"
	"arbiter/internal/storage"
	"arbiter/internal/types"
)

// Active-context caps applied at envelope-build time.
const (
	capDecisions     = 15
	capHistory       = 10
	capOpenQuestions = 20
	capExperiments   = 10
	capKeyPeople     = 15

	recentDecisionCount = 5
)

// Telemetry kinds recorded per failure class.
const (
	telemetryTaskCompleted       = "task_completed"
	telemetryTaskFailed          = "task_failed"
	telemetryBreakerHardTrip     = "circuit_breaker_hard_trip"
	telemetryConstraintViolation = "constraint_violation"
	telemetryTaskInterrupted     = "task_interrupted"
	telemetrySuspiciousInput     = "suspicious_input"
)

// Config tunes the orchestrator.
type Config struct {
	Concurrency int
	CompanyGoal string
	MaxTokens   int
}

// Orchestrator wires every engine into the task pipeline.
type Orchestrator struct {
	cfg        Config
	dag        *DAG
	queue      Queue
	events     *EventBus
	policy     *policy.Engine
	budget     *budget.Engine
	breaker    *breaker.Breaker
	interrupts *interrupt.Store
	gate       *approval.Gate
	router     *router.Router
	routing    *reinforce.RouterPolicyAdapter // optional learned routing
	loop       *reinforce.Loop                // optional, hooks are non-blocking
	graph      *kg.Graph                      // optional
	stores     storage.Stores
	metrics    *Metrics
	tracer     *observability.TracerProvider
	logger     logging.Logger
}

// Deps collects the engines the orchestrator drives.
type Deps struct {
	Queue      Queue
	Events     *EventBus
	Policy     *policy.Engine
	Budget     *budget.Engine
	Breaker    *breaker.Breaker
	Interrupts *interrupt.Store
	Gate       *approval.Gate
	Router     *router.Router
	Routing    *reinforce.RouterPolicyAdapter
	Loop       *reinforce.Loop
	Graph      *kg.Graph
	Stores     storage.Stores
	Metrics    *Metrics
	Tracer     *observability.TracerProvider
	Logger     logging.Logger
}

// New assembles an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	return &Orchestrator{
		cfg:        cfg,
		dag:        NewDAG(),
		queue:      deps.Queue,
		events:     deps.Events,
		policy:     deps.Policy,
		budget:     deps.Budget,
		breaker:    deps.Breaker,
		interrupts: deps.Interrupts,
		gate:       deps.Gate,
		router:     deps.Router,
		routing:    deps.Routing,
		loop:       deps.Loop,
		graph:      deps.Graph,
		stores:     deps.Stores,
		metrics:    deps.Metrics,
		tracer:     tracer,
		logger:     logging.OrNop(deps.Logger),
	}
}

// DAG exposes the graph for the status surface.
func (o *Orchestrator) DAG() *DAG { return o.dag }

// Events exposes the bus for the external interface.
func (o *Orchestrator) Events() *EventBus { return o.events }

// SubmitTasks builds DAG nodes for a batch, persists the rows, and schedules
// whatever is immediately ready.
func (o *Orchestrator) SubmitTasks(ctx context.Context, agentID, companyID string, tasks []types.TaskDefinition) ([]string, error) {
	ids, err := o.dag.AddTasks(tasks)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		row := storage.TaskRow{
			ID:         id,
			AgentID:    agentID,
			CompanyID:  companyID,
			Definition: tasks[i],
			Status:     storage.TaskPending,
		}
		if err := o.stores.Tasks.SaveTask(ctx, row); err != nil {
			o.logger.Warn("orchestrator: persist task %s: %v", id, err)
		}
	}
	o.ScheduleReady(ctx, agentID, companyID)
	return ids, nil
}

// ScheduleReady enqueues every pending node whose dependencies completed and
// returns the scheduled ids.
func (o *Orchestrator) ScheduleReady(ctx context.Context, agentID, companyID string) []string {
	ready := o.dag.Ready()
	var scheduled []string
	for _, node := range ready {
		job := Job{
			TaskID:    node.ID,
			AgentID:   agentID,
			CompanyID: companyID,
			Task:      node.Task,
			Security:  o.securityContext(node.Task),
		}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			o.logger.Error("orchestrator: enqueue %s: %v", node.ID, err)
			o.dag.SetStatus(node.ID, storage.TaskPending)
			continue
		}
		o.updateTaskStatus(ctx, node.ID, storage.TaskInProgress)
		o.publish(types.StatusEvent{Task: node.ID, Message: "scheduled"})
		scheduled = append(scheduled, node.ID)
	}
	return scheduled
}

// securityContext derives the per-task security bounds. Only the policy and
// budget layers populate this.
func (o *Orchestrator) securityContext(task types.TaskDefinition) types.SecurityContext {
	sec := types.SecurityContext{
		MaxSpendDollars: task.EstimatedDollars * 2, // headroom over the estimate
	}
	if required, reason := o.policy.ApprovalRequirement(task.Spec); required {
		sec.RequiresApproval = true
		sec.ApprovalReason = reason
	}
	return sec
}

// Run consumes the durable queue until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.queue.Run(ctx, o.cfg.Concurrency, o.HandleJob)
}

// HandleJob runs the pipeline for one job and reconciles the DAG afterwards.
// The returned error drives queue redelivery, so terminal failures (policy,
// budget, breaker, interrupt) are swallowed after being recorded.
func (o *Orchestrator) HandleJob(ctx context.Context, job Job) error {
	start := time.Now()
	o.metrics.TaskStarted()
	defer o.metrics.TaskFinished()

	result, err := o.runPipeline(ctx, job)
	switch {
	case err == nil:
		o.dag.Complete(job.TaskID, result.Content)
		o.updateTaskResult(ctx, job.TaskID, storage.TaskCompleted, result.Content, "")
		o.appendTelemetry(ctx, storage.TelemetryEvent{
			TaskID:  job.TaskID,
			AgentID: job.AgentID,
			Kind:    telemetryTaskCompleted,
			Payload: map[string]string{"provider": result.ProviderID},
		})
		o.metrics.ObserveTask("completed", time.Since(start))

	case isInterrupt(err):
		o.dag.SetStatus(job.TaskID, storage.TaskInterruptedStatus)
		o.updateTaskStatus(ctx, job.TaskID, storage.TaskInterruptedStatus)
		o.publish(types.ErrorEvent{Task: job.TaskID, Message: err.Error(), IsInterrupt: true})
		o.recordTelemetry(ctx, job, telemetryTaskInterrupted, err)
		o.metrics.ObserveTask("interrupted", time.Since(start))

	default:
		cascaded := o.dag.Fail(job.TaskID, err.Error())
		o.updateTaskResult(ctx, job.TaskID, storage.TaskFailed, "", err.Error())
		o.publish(types.ErrorEvent{Task: job.TaskID, Message: err.Error()})
		for _, id := range cascaded {
			o.updateTaskResult(ctx, id, storage.TaskFailed, "", "dependency failed")
			o.publish(types.ErrorEvent{Task: id, Message: "dependency failed"})
		}
		o.recordFailureTelemetry(ctx, job, err)
		o.metrics.ObserveTask("failed", time.Since(start))
	}

	o.breaker.ResetTask(job.TaskID)
	o.ScheduleReady(ctx, job.AgentID, job.CompanyID)
	return nil
}

// runPipeline executes the guarded task pipeline and returns the lensed
// result of the final completion.
func (o *Orchestrator) runPipeline(ctx context.Context, job Job) (types.LensedResult, error) {
	var zero types.LensedResult

	ctx, span := o.tracer.StartSpan(ctx, observability.SpanPipeline,
		observability.TaskAttrs(job.TaskID, job.AgentID)...)
	defer span.End()

	// Interrupt guard at pipeline start.
	if err := o.interrupts.GuardOrThrow(job.TaskID); err != nil {
		return zero, err
	}

	o.publish(types.StatusEvent{Task: job.TaskID, Message: "building envelope"})
	env, err := o.buildEnvelope(ctx, job)
	if err != nil {
		return zero, fmt.Errorf("build envelope: %w", err)
	}
	defer o.removeInFlight(ctx, job.AgentID, job.TaskID)

	// Policy admission.
	check, err := o.policy.CheckTask(env)
	if err != nil {
		return zero, err
	}
	if !check.Allowed {
		if strings.HasPrefix(check.Reason, "approval_required:") {
			approved, err := o.holdForApproval(ctx, job, check.Reason)
			if err != nil {
				return zero, err
			}
			if !approved {
				return zero, fmt.Errorf("approval rejected: %s", check.Reason)
			}
		} else {
			return zero, &policy.BlockedError{Reason: check.Reason, Violations: check.Violations}
		}
	}

	// Budget admission.
	decision := o.budget.CheckBudget(job.TaskID, job.AgentID, env.Security.MaxSpendDollars, env.Task.EstimatedDollars)
	if !decision.Allowed {
		return zero, fmt.Errorf("budget exceeded: %s", decision.Reason)
	}

	// Idempotency replay.
	idemKey := idempotencyKey(job.AgentID, env.Task.Spec)
	if hit := o.policy.CheckIdempotencyKey(idemKey); hit.AlreadyExecuted {
		o.publish(types.StatusEvent{Task: job.TaskID, Message: "idempotent replay, returning cached result"})
		lensed, err := o.router.Lens(llm.CompletionResult{Content: hit.PreviousResult})
		if err != nil {
			return zero, err
		}
		o.finishTask(ctx, job, env, lensed)
		return lensed, nil
	}

	lensed, err := o.reasoningLoop(ctx, job, env)
	if err != nil {
		return zero, err
	}

	// Lens result handling.
	if lensed.ConstraintViolation {
		return zero, &policy.BlockedError{Reason: "output violates hard constraints", Violations: lensed.ViolatedConstraints}
	}
	if lensed.Escalate || lensed.RequiresReview {
		approved, err := o.holdForApproval(ctx, job, escalationReason(lensed))
		if err != nil {
			return zero, err
		}
		if !approved {
			return zero, fmt.Errorf("escalated output rejected by reviewer")
		}
	}

	o.policy.RecordIdempotencyKey(idemKey, lensed.Content)
	o.finishTask(ctx, job, env, lensed)
	return lensed, nil
}

// reasoningLoop drives the bounded LLM iteration under the breaker.
func (o *Orchestrator) reasoningLoop(ctx context.Context, job Job, env *types.TaskEnvelope) (types.LensedResult, error) {
	var zero types.LensedResult

	// The spec crossed the process boundary, so it enters the prompt only as
	// sanitized external data; instructions come from the constraint block.
	sanitized := policy.SanitizeExternalInput(env.Task.Spec, "task_spec")
	if sanitized.HadSuspiciousPatterns {
		o.logger.Warn("orchestrator: task %s spec matched injection patterns: %s",
			job.TaskID, strings.Join(sanitized.PatternDetails, ", "))
		o.appendTelemetry(ctx, storage.TelemetryEvent{
			TaskID:  job.TaskID,
			AgentID: job.AgentID,
			Kind:    telemetrySuspiciousInput,
			Payload: map[string]string{
				"had_suspicious_patterns": "true",
				"patterns":                strings.Join(sanitized.PatternDetails, ", "),
			},
		})
	}

	messages := []types.TaggedMessage{
		{Role: types.RoleUser, Content: sanitized.Content, Source: types.SourceExternal},
	}
	lastOutput := ""
	hadToolCall := false

	for {
		soft, err := o.breaker.BeforeIteration(job.TaskID, lastOutput, hadToolCall)
		if err != nil {
			var tripped *breaker.TrippedError
			if errors.As(err, &tripped) {
				o.metrics.IncBreakerTrip(tripped.Event.Reason, string(tripped.Event.Severity))
			}
			return zero, err
		}
		// Soft warnings ride into the next call as system messages.
		for _, event := range soft {
			o.metrics.IncBreakerTrip(event.Reason, string(event.Severity))
			messages = append(messages, types.SystemMessage(event.Message))
		}

		// Interrupt guard before the expensive call.
		if err := o.interrupts.GuardOrThrow(job.TaskID); err != nil {
			return zero, err
		}

		callCtx, callSpan := o.tracer.StartSpan(ctx, observability.SpanProviderCall)
		lensed, completion, err := o.route(callCtx, env, messages)
		callSpan.SetAttributes(observability.CompletionAttrs(
			completion.ProviderID, completion.Model,
			completion.InputTokens, completion.OutputTokens, completion.CostUSD)...)
		callSpan.End()
		o.breaker.RecordProviderCall(completion.ProviderID, time.Duration(completion.LatencyMS)*time.Millisecond, err == nil)
		if err != nil {
			return zero, err
		}

		o.budget.RecordCost(types.CostRecord{
			TaskID:       job.TaskID,
			AgentID:      job.AgentID,
			Operation:    "llm_completion",
			InputTokens:  completion.InputTokens,
			OutputTokens: completion.OutputTokens,
			Dollars:      completion.CostUSD,
			Timestamp:    time.Now(),
		})
		o.metrics.AddCost(completion.CostUSD)

		if completion.ToolCall {
			o.publish(types.ToolCallEvent{Task: job.TaskID, Tool: completion.ToolName, Description: "tool requested by model"})
			messages = append(messages, types.TaggedMessage{Role: types.RoleAssistant, Content: completion.Content, Source: types.SourceSystem})
			lastOutput = completion.Content
			hadToolCall = true
			continue
		}
		return lensed, nil
	}
}

// route selects through the learned adapter when present, the base router
// otherwise.
func (o *Orchestrator) route(ctx context.Context, env *types.TaskEnvelope, messages []types.TaggedMessage) (types.LensedResult, llm.CompletionResult, error) {
	opts := llm.Options{MaxTokens: o.cfg.MaxTokens}
	if o.routing == nil {
		return o.router.Route(ctx, "", messages, opts, env)
	}

	class := router.Classify(env.Task.Spec, len(env.Judgment.Constraints))
	provider, _, err := o.routing.SelectProvider(ctx, env, string(class))
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{}, err
	}
	constraintMsg, err := o.policy.BuildConstraintMessage()
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{}, err
	}
	assembled := append([]types.TaggedMessage{constraintMsg}, messages...)
	completion, err := provider.Complete(ctx, "", assembled, opts)
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{ProviderID: provider.ID()}, err
	}
	lensed, err := o.router.Lens(completion)
	return lensed, completion, err
}

// holdForApproval parks the task on the approval gate.
func (o *Orchestrator) holdForApproval(ctx context.Context, job Job, reason string) (bool, error) {
	o.dag.SetStatus(job.TaskID, storage.TaskHaltedForApproval)
	o.updateTaskStatus(ctx, job.TaskID, storage.TaskHaltedForApproval)
	o.publish(types.ApprovalNeededEvent{Task: job.TaskID, Action: reason, Context: job.Task.Spec})
	o.metrics.ApprovalHeld()
	defer o.metrics.ApprovalReleased()

	result, err := o.gate.RequestApproval(ctx, job.TaskID, job.AgentID, reason)
	if err != nil {
		return false, err
	}
	o.dag.SetStatus(job.TaskID, storage.TaskInProgress)
	o.updateTaskStatus(ctx, job.TaskID, storage.TaskInProgress)
	o.publish(types.StatusEvent{Task: job.TaskID, Message: fmt.Sprintf("approval resolved by %s", result.ResolvedBy)})
	return result.Approved, nil
}

// finishTask publishes the terminal events and runs the post-task hooks.
func (o *Orchestrator) finishTask(ctx context.Context, job Job, env *types.TaskEnvelope, lensed types.LensedResult) {
	o.publish(types.StreamEvent{Task: job.TaskID, Chunk: lensed.Content})
	o.publish(types.DoneEvent{
		Task:    job.TaskID,
		CostUSD: lensed.CostUSD,
		Tokens:  lensed.InputTokens + lensed.OutputTokens,
	})

	// Post-task hooks are best effort; storage errors are logged and
	// swallowed.
	if err := o.stores.Decisions.AppendDecision(ctx, storage.DecisionRow{
		AgentID: job.AgentID,
		TaskID:  job.TaskID,
		Summary: summarize(env.Task.Spec),
		Outcome: "completed",
	}); err != nil {
		o.logger.Warn("orchestrator: decision log append: %v", err)
	}

	if o.loop != nil {
		outcome := reinforce.Outcome{
			CompanyID:     job.CompanyID,
			AgentID:       job.AgentID,
			TaskType:      string(router.Classify(env.Task.Spec, len(env.Judgment.Constraints))),
			ProviderID:    lensed.ProviderID,
			Success:       true,
			ActualCostUSD: lensed.CostUSD,
			BudgetUSD:     env.Security.MaxSpendDollars,
			Escalated:     lensed.Escalate,
			Confidence:    lensed.Confidence,
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("orchestrator: reinforcement hook panic: %v", r)
				}
			}()
			if err := o.loop.ProcessOutcome(context.Background(), outcome); err != nil {
				o.logger.Warn("orchestrator: reinforcement update: %v", err)
			}
		}()
	}
}

// buildEnvelope gathers org context and attaches the locked judgment.
func (o *Orchestrator) buildEnvelope(ctx context.Context, job Job) (*types.TaskEnvelope, error) {
	judgment, err := o.policy.Judgment()
	if err != nil {
		return nil, err
	}

	org := types.OrgContext{
		Goal: o.cfg.CompanyGoal,
		Mode: types.OptimizeOutcome,
	}

	if rows, err := o.stores.Decisions.RecentDecisions(ctx, job.AgentID, recentDecisionCount); err == nil {
		for _, row := range rows {
			org.ActiveDecisions = append(org.ActiveDecisions, types.Decision{
				ID:        row.ID,
				TaskID:    row.TaskID,
				AgentID:   row.AgentID,
				Summary:   row.Summary,
				Outcome:   row.Outcome,
				CreatedAt: row.CreatedAt,
			})
		}
	} else {
		o.logger.Warn("orchestrator: recent decisions: %v", err)
	}

	if o.graph != nil && job.CompanyID != "" {
		if excerpts, err := o.graph.Excerpts(ctx, job.CompanyID); err == nil {
			org.KnowledgeItems = excerpts
		}
	}

	ac, err := o.stores.ActiveContext.LoadActiveContext(ctx, job.AgentID)
	if err != nil {
		o.logger.Warn("orchestrator: load active context: %v", err)
		ac = types.ActiveContext{}
	}
	ac.Decisions = capList(ac.Decisions, capDecisions)
	ac.History = capList(ac.History, capHistory)
	ac.OpenQuestions = capList(ac.OpenQuestions, capOpenQuestions)
	ac.Experiments = capList(ac.Experiments, capExperiments)
	ac.KeyPeople = capList(ac.KeyPeople, capKeyPeople)
	org.ActiveContext = ac

	// Record this task as in flight.
	ac.InFlight = append(ac.InFlight, job.TaskID)
	if err := o.stores.ActiveContext.SaveActiveContext(ctx, job.AgentID, ac); err != nil {
		o.logger.Warn("orchestrator: save active context: %v", err)
	}

	return &types.TaskEnvelope{
		TaskID:    job.TaskID,
		AgentID:   job.AgentID,
		CompanyID: job.CompanyID,
		Judgment:  judgment,
		Org:       org,
		Task:      job.Task,
		Security:  job.Security,
		Mode:      org.Mode,
		CreatedAt: time.Now(),
	}, nil
}

func (o *Orchestrator) removeInFlight(ctx context.Context, agentID, taskID string) {
	ac, err := o.stores.ActiveContext.LoadActiveContext(ctx, agentID)
	if err != nil {
		return
	}
	kept := ac.InFlight[:0]
	for _, id := range ac.InFlight {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	ac.InFlight = kept
	if err := o.stores.ActiveContext.SaveActiveContext(ctx, agentID, ac); err != nil {
		o.logger.Warn("orchestrator: clear in-flight %s: %v", taskID, err)
	}
}

func (o *Orchestrator) publish(event types.Event) {
	if o.events != nil {
		o.events.Publish(event)
	}
}

func (o *Orchestrator) updateTaskStatus(ctx context.Context, id string, status storage.TaskStatus) {
	if err := o.stores.Tasks.UpdateTaskStatus(ctx, id, status); err != nil {
		o.logger.Warn("orchestrator: update task %s to %s: %v", id, status, err)
	}
}

func (o *Orchestrator) updateTaskResult(ctx context.Context, id string, status storage.TaskStatus, result, errMsg string) {
	row, err := o.stores.Tasks.GetTask(ctx, id)
	if err != nil {
		o.logger.Warn("orchestrator: load task %s: %v", id, err)
		return
	}
	row.Status = status
	row.Result = result
	row.Error = errMsg
	if err := o.stores.Tasks.SaveTask(ctx, row); err != nil {
		o.logger.Warn("orchestrator: save task %s: %v", id, err)
	}
}

func (o *Orchestrator) recordFailureTelemetry(ctx context.Context, job Job, err error) {
	kind := telemetryTaskFailed
	var tripped *breaker.TrippedError
	if errors.As(err, &tripped) {
		kind = telemetryBreakerHardTrip
	}
	var blocked *policy.BlockedError
	if errors.As(err, &blocked) && strings.Contains(blocked.Reason, "constraint") {
		kind = telemetryConstraintViolation
	}
	o.recordTelemetry(ctx, job, kind, err)
}

func (o *Orchestrator) recordTelemetry(ctx context.Context, job Job, kind string, cause error) {
	o.appendTelemetry(ctx, storage.TelemetryEvent{
		TaskID:  job.TaskID,
		AgentID: job.AgentID,
		Kind:    kind,
		Payload: map[string]string{"error": cause.Error()},
	})
}

// appendTelemetry logs and skips on storage errors; telemetry never blocks
// the pipeline.
func (o *Orchestrator) appendTelemetry(ctx context.Context, event storage.TelemetryEvent) {
	if err := o.stores.Telemetry.AppendTelemetry(ctx, event); err != nil {
		o.logger.Warn("orchestrator: telemetry append: %v", err)
	}
}

func isInterrupt(err error) bool {
	var interrupted *interrupt.InterruptedError
	return errors.As(err, &interrupted)
}

func escalationReason(lensed types.LensedResult) string {
	if lensed.Escalate {
		return fmt.Sprintf("escalation triggers matched: %s", strings.Join(lensed.MatchedTriggers, ", "))
	}
	return fmt.Sprintf("low confidence %.2f requires review", lensed.Confidence)
}

func idempotencyKey(agentID, spec string) string {
	sum := sha256.Sum256([]byte(agentID + "|" + spec))
	return hex.EncodeToString(sum[:])
}

func summarize(spec string) string {
	const max = 140
	if len(spec) <= max {
		return spec
	}
	return spec[:max] + "..."
}

func capList(list []string, max int) []string {
	if len(list) <= max {
		return list
	}
	return list[len(list)-max:]
}
