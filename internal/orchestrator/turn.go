package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niganuga/flow-editor-sub001/internal/confidence"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/history"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/planner"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
	"github.com/niganuga/flow-editor-sub001/internal/session"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
)

// Turn statuses used for logs and metrics
const (
	statusSuccess   = "success"
	statusPartial   = "partial"
	statusFailed    = "failed"
	statusNoEdit    = "no_edit"
	statusInvalid   = "invalid"
	statusPlanner   = "planner_error"
	statusCancelled = "cancelled"
)

const cancelledMessage = "The request was cancelled before it finished. Nothing was changed."

// proposal tracks one planner proposal through the pipeline
type proposal struct {
	record    model.ToolExecution
	approved  *validation.ApprovedCall
	execution *executor.Execution
}

// turn is the state of one Handle call
type turn struct {
	o       *Orchestrator
	req     model.TurnRequest
	resp    model.OrchestratorResponse
	metrics *observability.TurnMetrics
	logger  zerolog.Logger

	sess       *session.Session
	correction bool
	rollback   bool
	restored   session.ImageState
	uploaded   bool
	image      *pixel.Buffer
	analysis   *model.ImageAnalysis
	plan       *planner.Plan
	proposals  []*proposal
}

func (t *turn) run(ctx context.Context) string {
	if err := t.o.validate.Struct(t.req); err != nil {
		t.fail(ErrCodeInvalidRequest, fmt.Sprintf("I couldn't process that request: %v", err))
		return statusInvalid
	}
	t.sess = t.o.deps.Sessions.Get(t.req.ConversationID)

	t.detectCorrection()
	if !t.resolveImage(ctx) {
		if ctx.Err() != nil {
			return t.cancelled()
		}
		return statusInvalid
	}
	if ctx.Err() != nil {
		return t.cancelled()
	}

	if err := t.propose(ctx); err != nil {
		if ctx.Err() != nil {
			return t.cancelled()
		}
		t.logger.Error().Err(err).Msg("Planner failed")
		t.fail(ErrCodePlanner, "I couldn't work out an edit right now, so your image is unchanged. Please try again in a moment.")
		if t.rollback {
			t.resp.Message = "I reverted your last edit, but I couldn't plan a new one right now. Please try again in a moment."
		}
		if !t.persist(ctx) {
			return t.cancelled()
		}
		return statusPlanner
	}
	if ctx.Err() != nil {
		return t.cancelled()
	}

	t.validateProposals(ctx)
	if ctx.Err() != nil {
		return t.cancelled()
	}

	t.execute(ctx)
	if ctx.Err() != nil {
		return t.cancelled()
	}

	t.verify(ctx)
	if ctx.Err() != nil {
		return t.cancelled()
	}

	t.aggregate()
	t.resp.Message = t.message()
	if !t.persist(ctx) {
		return t.cancelled()
	}
	return t.status()
}

func (t *turn) fail(code, message string) {
	t.resp.Success = false
	t.resp.Error = code
	t.resp.Message = message
}

func (t *turn) cancelled() string {
	t.resp = model.OrchestratorResponse{
		ConversationID: t.req.ConversationID,
		ToolExecutions: []model.ToolExecution{},
		Error:          ErrCodeCancelled,
		Message:        cancelledMessage,
	}
	return statusCancelled
}

// detectCorrection classifies the message against the last assistant reply,
// taken from the session or, for a fresh session, from the caller's history
func (t *turn) detectCorrection() {
	last := t.sess.LastAssistant()
	if last == "" {
		for i := len(t.req.ConversationHistory) - 1; i >= 0; i-- {
			if h := t.req.ConversationHistory[i]; h.Role == model.RoleAssistant {
				last = h.Text
				break
			}
		}
	}
	res := t.o.deps.Corrections.Detect(t.req.Message, last)
	if !res.IsCorrection {
		return
	}
	t.correction = true
	observability.RecordCorrection()
	t.logger.Info().Str("matched", res.Matched).Msg("Correction detected")
}

// resolveImage picks the working image. A correction without a new image
// works on the state before the last committed tool execution, so the
// planner never sees the result being corrected. An upload with the same
// pixels as the current state is not a new image.
func (t *turn) resolveImage(ctx context.Context) bool {
	var resent *model.ImageAnalysis
	if len(t.req.Image) > 0 {
		analysis, buf, err := t.o.deps.Analyzer.Extract(ctx, t.req.Image)
		if err != nil {
			t.fail(ErrCodeInvalidImage, fmt.Sprintf("I couldn't read that image: %v.", err))
			return false
		}
		current, ok := t.sess.Current()
		if !ok || !current.Image.Equal(buf) {
			if t.correction {
				observability.RecordRollback(false)
			}
			t.uploaded = true
			t.image, t.analysis = buf, analysis
			return true
		}
		t.logger.Debug().Str("handle", current.Handle).Msg("Upload matches the current image")
		resent = analysis
	}

	var state session.ImageState
	if t.correction {
		if target, ok := t.sess.RollbackTarget(); ok {
			t.rollback = true
			t.restored = target
			state = target
		}
		observability.RecordRollback(t.rollback)
	}
	if !t.rollback {
		current, ok := t.sess.Current()
		if !ok {
			t.fail(ErrCodeNoImage, "Please attach an image to edit.")
			return false
		}
		state = current
		if state.Analysis == nil {
			state.Analysis = resent
		}
	}

	t.image, t.analysis = state.Image, state.Analysis
	if t.analysis == nil {
		t.analysis = t.o.deps.Analyzer.Analyze(ctx, state.Image, pixel.Metadata{Format: "png"})
	}
	t.resp.RolledBack = t.rollback
	return true
}

func (t *turn) propose(ctx context.Context) error {
	hist := t.req.ConversationHistory
	if len(hist) == 0 {
		hist = t.sess.Turns()
	}
	msg := t.req.Message
	if t.rollback {
		msg = "(The previous edit has been undone; the image shown is the state before it.) " + msg
	}
	req := planner.Request{
		Image:       t.image,
		Message:     msg,
		History:     hist,
		Preferences: t.sess.Preferences(),
		GroundTruth: t.analysis,
		UserContext: t.req.UserContext,
	}

	t.metrics.RecordPlannerStart()
	var plan *planner.Plan
	err := resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		p, err := t.o.deps.Planner.Propose(ctx, req)
		if err != nil {
			t.logger.Warn().Err(err).Int("attempt", attempt).Bool("retryable", resilience.IsRetryable(err)).Msg("Planner attempt failed")
			return err
		}
		plan = p
		return nil
	}, t.o.cfg.PlannerRetry, resilience.IsRetryable)
	t.metrics.RecordPlannerEnd(err == nil)
	if err != nil {
		return err
	}
	t.plan = plan
	return nil
}

// validateProposals checks every proposal against the working image and
// similar past outcomes. History is a soft dependency: lookup errors only
// remove the prior. Size limits apply to the size each call will receive
// after the approved calls before it.
func (t *turn) validateProposals(ctx context.Context) {
	vector := history.FeatureVector(t.analysis)
	w, h := t.analysis.Width, t.analysis.Height
	for _, p := range t.plan.Proposals {
		var similar []model.HistoryRecord
		matches, err := t.o.deps.History.FindSimilar(ctx, p.ToolName, vector, t.o.cfg.SimilarK)
		if err != nil {
			t.logger.Warn().Err(err).Str("tool", p.ToolName).Msg("History lookup failed")
		} else {
			similar = history.Records(matches)
		}

		result, approved := t.o.deps.Validator.Check(ctx, p, validation.Input{
			Analysis: t.analysis,
			Image:    t.image,
			History:  similar,
			Width:    w,
			Height:   h,
		})
		if approved != nil {
			w, h = approved.OutputSize(w, h)
		}
		t.proposals = append(t.proposals, &proposal{
			record:   model.ToolExecution{ToolCall: p, Validation: result},
			approved: approved,
		})
	}
}

func (t *turn) execute(ctx context.Context) {
	var calls []*validation.ApprovedCall
	var owners []*proposal
	for _, p := range t.proposals {
		if p.approved != nil {
			calls = append(calls, p.approved)
			owners = append(owners, p)
		}
	}
	if len(calls) == 0 {
		return
	}

	execs := t.o.deps.Router.RunChain(ctx, calls, t.image)
	for i := range execs {
		e := execs[i]
		outcome := e.Outcome
		owners[i].execution = &e
		owners[i].record.Outcome = &outcome
	}
}

func (t *turn) verify(ctx context.Context) {
	for _, p := range t.proposals {
		e := p.execution
		if e == nil || !e.Outcome.Success {
			continue
		}
		var before *model.ImageAnalysis
		if e.Input == t.image {
			before = t.analysis
		}
		rv := t.o.deps.Verifier.Validate(ctx, p.approved.ToolName(), e.Input, e.Image, before)
		p.record.ResultValidation = &rv
	}
}

// aggregate scores each proposal and the turn. Rejected proposals take part
// with their validation confidence; only executed calls count towards the
// chain penalty.
func (t *turn) aggregate() {
	agg := t.o.deps.Confidence
	floor := t.analysis.Confidence
	var executed []float64

	for _, p := range t.proposals {
		v := p.record.Validation
		in := confidence.Inputs{
			GroundTruth: t.analysis.Confidence,
			Validation:  v.Confidence,
			Historical:  v.HistoricalConfidence,
		}
		if p.execution == nil {
			p.record.Confidence = agg.ForExecution(in)
			floor = math.Min(floor, p.record.Confidence)
			continue
		}
		in.Failed = !p.execution.Outcome.Success
		if rv := p.record.ResultValidation; rv != nil {
			q := rv.QualityScore
			in.ResultQuality = &q
			in.Failed = in.Failed || !rv.Success
		}
		p.record.Confidence = agg.ForExecution(in)
		executed = append(executed, p.record.Confidence)
	}

	overall := agg.Overall(executed, floor)
	if len(executed) > 0 {
		overall = math.Min(overall, floor)
	}
	t.resp.OverallConfidence = overall

	t.resp.Success = true
	for _, p := range t.proposals {
		t.resp.ToolExecutions = append(t.resp.ToolExecutions, p.record)
		if !p.succeeded() {
			t.resp.Success = false
		}
	}
}

func (p *proposal) succeeded() bool {
	if p.execution == nil || !p.execution.Outcome.Success {
		return false
	}
	return p.record.ResultValidation != nil && p.record.ResultValidation.Success
}

func (t *turn) status() string {
	if len(t.proposals) == 0 {
		return statusNoEdit
	}
	ok := 0
	for _, p := range t.proposals {
		if p.succeeded() {
			ok++
		}
	}
	switch ok {
	case len(t.proposals):
		return statusSuccess
	case 0:
		return statusFailed
	default:
		return statusPartial
	}
}

// persist commits the turn if the caller is still waiting. Once it starts it
// runs to completion so the session and history are never half written.
func (t *turn) persist(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	ctx = context.WithoutCancel(ctx)

	if t.uploaded {
		t.sess.Commit(session.ImageState{Handle: uuid.NewString(), Image: t.image, Analysis: t.analysis})
	}
	if t.rollback {
		t.sess.Rollback()
	}

	latest, changed := t.restored, t.rollback
	for _, p := range t.proposals {
		e := p.execution
		if e == nil || !e.Outcome.Success || !p.approved.Spec().ProducesImage() {
			continue
		}
		if !p.succeeded() {
			break
		}
		latest = session.ImageState{
			Handle:   e.Outcome.ResultImageHandle,
			ToolName: p.approved.ToolName(),
			Image:    e.Image,
		}
		t.sess.Commit(latest)
		changed = true
	}
	if changed && latest.Image != nil {
		data, err := latest.Image.EncodePNG()
		if err != nil {
			t.logger.Error().Err(err).Msg("Failed to encode result image")
		} else {
			t.resp.ResultImageHandle = latest.Handle
			t.resp.ResultImage = data
		}
	}

	t.learn(ctx)

	t.sess.AddTurn(model.ConversationTurn{Role: model.RoleUser, Text: t.req.Message})
	t.sess.AddTurn(model.ConversationTurn{Role: model.RoleAssistant, Text: t.resp.Message})
	if planner.IsPreference(t.req.Message) {
		t.sess.AddPreference(t.req.Message)
	}
	return true
}

// learn records every verified call of a turn whose overall confidence,
// chain penalty included, clears the store threshold
func (t *turn) learn(ctx context.Context) {
	vector := history.FeatureVector(t.analysis)
	store := t.o.deps.Confidence.ShouldStore(t.resp.OverallConfidence)
	for _, p := range t.proposals {
		rv := p.record.ResultValidation
		if rv == nil {
			continue
		}
		if !store {
			observability.RecordHistoryWrite("below_threshold")
			continue
		}
		rec := model.HistoryRecord{
			ImageFeatureVector: vector,
			ToolName:           p.approved.ToolName(),
			Parameters:         p.execution.Outcome.Parameters,
			OutcomeSuccess:     rv.Success,
			QualityScore:       rv.QualityScore,
		}
		if err := t.o.deps.History.Record(ctx, rec); err != nil {
			t.logger.Warn().Err(err).Str("tool", rec.ToolName).Msg("Failed to record history")
			observability.RecordHistoryWrite("error")
			continue
		}
		observability.RecordHistoryWrite("stored")
	}
}

// message renders the user-facing summary of the turn
func (t *turn) message() string {
	var lines []string
	head := strings.TrimSpace(t.plan.Text)
	if t.rollback {
		head = strings.TrimSpace("I reverted your last edit. " + head)
	}
	if head != "" {
		lines = append(lines, head)
	}

	for _, p := range t.proposals {
		name := p.record.ToolCall.ToolName
		v := p.record.Validation
		switch {
		case p.execution == nil:
			lines = append(lines, fmt.Sprintf("- I did not run %s: %s", name, strings.Join(v.Errors, "; ")))
		case !p.execution.Outcome.Success:
			lines = append(lines, fmt.Sprintf("- %s failed: %s", name, p.execution.Outcome.Error))
		case p.record.ResultValidation != nil && !p.record.ResultValidation.Success:
			lines = append(lines, fmt.Sprintf("- %s ran, but the result did not look right: %s",
				name, strings.Join(p.record.ResultValidation.Warnings, "; ")))
		case len(v.Warnings) > 0:
			lines = append(lines, fmt.Sprintf("- %s: %s", name, strings.Join(v.Warnings, "; ")))
		}
	}
	for _, d := range t.plan.Dropped {
		lines = append(lines, fmt.Sprintf("- Ignored a suggested %q call: %s", d.ToolName, d.Reason))
	}

	if len(lines) == 0 {
		if len(t.proposals) == 0 {
			return "I didn't find anything to change."
		}
		return "Done."
	}
	return strings.Join(lines, "\n")
}
