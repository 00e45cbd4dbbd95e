package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/confidence"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/groundtruth"
	"github.com/niganuga/flow-editor-sub001/internal/history"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/planner"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
	"github.com/niganuga/flow-editor-sub001/internal/session"
	"github.com/niganuga/flow-editor-sub001/internal/tools"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
	"github.com/niganuga/flow-editor-sub001/internal/verification"
)

type step struct {
	plan *planner.Plan
	err  error
	hook func()
}

type fakePlanner struct {
	mu       sync.Mutex
	steps    []step
	requests []planner.Request
}

func (f *fakePlanner) Propose(ctx context.Context, req planner.Request) (*planner.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		return &planner.Plan{Text: "Nothing to do."}, nil
	}
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	if s.hook != nil {
		s.hook()
	}
	return s.plan, s.err
}

type harness struct {
	o        *Orchestrator
	planner  *fakePlanner
	history  *history.MemoryStore
	sessions *session.Manager
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	return newHarnessWith(t, nil, steps...)
}

func newHarnessWith(t *testing.T, vcfg *validation.Config, steps ...step) *harness {
	t.Helper()
	log := zerolog.Nop()
	cat := catalog.Default()

	ext, err := groundtruth.NewExtractor(groundtruth.DefaultConfig(), log)
	require.NoError(t, err)
	t.Cleanup(ext.Close)

	reg := executor.NewRegistry(cat)
	require.NoError(t, tools.Register(reg, tools.Options{}))

	h := &harness{
		planner:  &fakePlanner{steps: steps},
		history:  history.NewMemoryStore(0),
		sessions: session.NewManager(0, 0),
	}
	cfg := DefaultConfig()
	cfg.PlannerRetry.InitialBackoff = time.Millisecond
	cfg.PlannerRetry.Jitter = false

	h.o = New(Dependencies{
		Analyzer:  ext,
		Planner:   h.planner,
		Validator: validation.New(cat, vcfg, log),
		Router:    executor.NewRouter(reg, 5*time.Second, log),
		Verifier:  verification.New(cat, ext, nil, log),
		History:   h.history,
		Sessions:  h.sessions,
	}, cfg, log)
	return h
}

// framedPNG is a 40x40 white image with a red centre covering a quarter of it
func framedPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			c := color.NRGBA{255, 255, 255, 255}
			if x >= 10 && x < 30 && y >= 10 && y < 30 {
				c = color.NRGBA{255, 0, 0, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func call(tool string, params map[string]any) model.ToolCallProposal {
	return model.ToolCallProposal{ToolName: tool, Parameters: params}
}

func removeWhite() step {
	return step{plan: &planner.Plan{
		Text:      "Removing the white background.",
		Proposals: []model.ToolCallProposal{call(catalog.ToolRemoveColor, map[string]any{"color": "#ffffff", "tolerance": 5.0})},
	}}
}

func transparentPercent(t *testing.T, data []byte) float64 {
	t.Helper()
	buf, _, err := pixel.Decode(data)
	require.NoError(t, err)
	_, pct := buf.Transparency()
	return pct
}

func TestHandle_AppliesEdit(t *testing.T) {
	h := newHarness(t, removeWhite())

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message:        "remove the white",
		Image:          framedPNG(t),
		ConversationID: "c1",
	})

	assert.True(t, resp.Success, resp.Message)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.ToolExecutions, 1)
	te := resp.ToolExecutions[0]
	assert.True(t, te.Validation.IsValid)
	require.NotNil(t, te.Outcome)
	assert.True(t, te.Outcome.Success)
	require.NotNil(t, te.ResultValidation)
	assert.True(t, te.ResultValidation.Success)
	assert.InDelta(t, 75.0, te.ResultValidation.PercentageChanged, 0.01)
	assert.Equal(t, 95.0, resp.OverallConfidence)

	assert.Equal(t, te.Outcome.ResultImageHandle, resp.ResultImageHandle)
	assert.InDelta(t, 75.0, transparentPercent(t, resp.ResultImage), 0.01)
	assert.Equal(t, "Removing the white background.", resp.Message)
	assert.False(t, resp.Timestamp.IsZero())

	sess := h.sessions.Get("c1")
	assert.Equal(t, 2, sess.Depth(), "upload plus result")
	assert.Len(t, sess.Turns(), 2)
	assert.Equal(t, 1, h.history.Len(), "confident outcome is learned")

	req := h.planner.requests[0]
	require.NotNil(t, req.GroundTruth)
	assert.False(t, req.GroundTruth.HasTransparency)
	assert.Equal(t, 40, req.GroundTruth.Width)
}

func TestHandle_ColorNotPresent(t *testing.T) {
	h := newHarness(t, step{plan: &planner.Plan{
		Text:      "Removing green.",
		Proposals: []model.ToolCallProposal{call(catalog.ToolRemoveColor, map[string]any{"color": "#00ff00"})},
	}})

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "remove the green", Image: framedPNG(t), ConversationID: "c1",
	})

	assert.False(t, resp.Success)
	require.Len(t, resp.ToolExecutions, 1)
	te := resp.ToolExecutions[0]
	assert.False(t, te.Validation.IsValid)
	assert.Nil(t, te.Outcome, "rejected proposals never execute")
	assert.Zero(t, resp.OverallConfidence)
	assert.Contains(t, resp.Message, "I did not run remove_color")
	assert.Contains(t, resp.Message, "not found")
	assert.Empty(t, resp.ResultImage)
	assert.Zero(t, h.history.Len())
	assert.Equal(t, 1, h.sessions.Get("c1").Depth(), "only the upload is committed")
}

func TestHandle_RollbackOnCorrection(t *testing.T) {
	h := newHarness(t, removeWhite(), step{plan: &planner.Plan{Text: "Back to the original."}})

	first := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
	})
	require.True(t, first.Success, first.Message)

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "no, that's wrong, undo that", ConversationID: "c1",
	})

	assert.True(t, resp.RolledBack)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "I reverted your last edit.")
	require.NotEmpty(t, resp.ResultImage)
	assert.Zero(t, transparentPercent(t, resp.ResultImage), "restored image is the upload")

	require.Len(t, h.planner.requests, 2)
	second := h.planner.requests[1]
	assert.False(t, second.GroundTruth.HasTransparency, "planner sees the restored image")
	_, pct := second.Image.Transparency()
	assert.Zero(t, pct)
	assert.Equal(t, 1, h.sessions.Get("c1").Depth())
}

func recolorRedToBlue() step {
	return step{plan: &planner.Plan{
		Text:      "Recoloring only the red square.",
		Proposals: []model.ToolCallProposal{call(catalog.ToolRecolor, map[string]any{"from_color": "#ff0000", "to_color": "#0000ff"})},
	}}
}

func TestHandle_CorrectionAppliesNarrowerEdit(t *testing.T) {
	upload := framedPNG(t)
	original, _, err := pixel.Decode(upload)
	require.NoError(t, err)

	tests := []struct {
		name   string
		resend bool
	}{
		{"no image attached", false},
		{"current image sent again", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, removeWhite(), recolorRedToBlue())

			first := h.o.Handle(context.Background(), model.TurnRequest{
				Message: "remove the white", Image: upload, ConversationID: "c1",
			})
			require.True(t, first.Success, first.Message)
			require.Equal(t, 2, h.sessions.Get("c1").Depth())

			req := model.TurnRequest{Message: "that was too much, just make the red blue", ConversationID: "c1"}
			if tt.resend {
				req.Image = first.ResultImage
			}
			resp := h.o.Handle(context.Background(), req)

			assert.True(t, resp.RolledBack)
			assert.True(t, resp.Success, resp.Message)
			assert.Contains(t, resp.Message, "I reverted your last edit.")

			require.Len(t, h.planner.requests, 2)
			second := h.planner.requests[1]
			assert.True(t, second.Image.Equal(original), "planner sees the restored upload")
			assert.False(t, second.GroundTruth.HasTransparency)

			require.Len(t, resp.ToolExecutions, 1)
			te := resp.ToolExecutions[0]
			assert.True(t, te.Validation.IsValid, "errors: %v", te.Validation.Errors)
			require.NotNil(t, te.Outcome)
			assert.True(t, te.Outcome.Success)

			result, _, err := pixel.Decode(resp.ResultImage)
			require.NoError(t, err)
			assert.Equal(t, color.NRGBA{255, 255, 255, 255}, result.NRGBAAt(0, 0), "recolor ran on the restored image")
			assert.Equal(t, color.NRGBA{0, 0, 255, 255}, result.NRGBAAt(20, 20))
			assert.Equal(t, te.Outcome.ResultImageHandle, resp.ResultImageHandle)

			assert.Equal(t, 2, h.sessions.Get("c1").Depth(), "upload plus the new edit")
		})
	}
}

func TestHandle_ResentImageIsNotCommittedTwice(t *testing.T) {
	h := newHarness(t, removeWhite(), step{plan: &planner.Plan{Text: "Looks good."}})

	first := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
	})
	require.True(t, first.Success, first.Message)

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "how does it look?", Image: first.ResultImage, ConversationID: "c1",
	})
	assert.False(t, resp.RolledBack)
	assert.Equal(t, 2, h.sessions.Get("c1").Depth())
	assert.True(t, h.planner.requests[1].GroundTruth.HasTransparency)
}

func TestHandle_CorrectionWithNothingToUndo(t *testing.T) {
	h := newHarness(t, step{plan: &planner.Plan{Text: "Okay."}})
	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "that's wrong", Image: framedPNG(t), ConversationID: "c1",
	})
	assert.False(t, resp.RolledBack)
	assert.Equal(t, "Okay.", resp.Message)
}

func TestHandle_PlannerFailure(t *testing.T) {
	t.Run("retryable errors are retried then reported", func(t *testing.T) {
		unavailable := resilience.NewRetryableError(errors.New("unavailable"))
		h := newHarness(t, step{err: unavailable})

		resp := h.o.Handle(context.Background(), model.TurnRequest{
			Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
		})

		assert.False(t, resp.Success)
		assert.Equal(t, ErrCodePlanner, resp.Error)
		assert.Contains(t, resp.Message, "your image is unchanged")
		assert.Len(t, h.planner.requests, 2, "bounded retry")
		assert.Equal(t, 1, h.sessions.Get("c1").Depth(), "upload is kept for the next turn")
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		h := newHarness(t, step{err: errors.New("bad request")})
		resp := h.o.Handle(context.Background(), model.TurnRequest{
			Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
		})
		assert.Equal(t, ErrCodePlanner, resp.Error)
		assert.Len(t, h.planner.requests, 1)
	})

	t.Run("recovers on second attempt", func(t *testing.T) {
		h := newHarness(t,
			step{err: resilience.NewRetryableError(errors.New("timeout"))},
			step{plan: &planner.Plan{Text: "All good."}})
		resp := h.o.Handle(context.Background(), model.TurnRequest{
			Message: "check it", Image: framedPNG(t), ConversationID: "c1",
		})
		assert.True(t, resp.Success)
		assert.Equal(t, "All good.", resp.Message)
	})
}

func TestHandle_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		h := newHarness(t, removeWhite())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp := h.o.Handle(ctx, model.TurnRequest{
			Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
		})
		assert.Equal(t, ErrCodeCancelled, resp.Error)
		assert.NotEmpty(t, resp.Message)
		assert.Empty(t, resp.ToolExecutions)
		assert.Zero(t, h.sessions.Get("c1").Depth())
		assert.Empty(t, h.planner.requests)
	})

	t.Run("during planning", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := removeWhite()
		s.hook = cancel
		h := newHarness(t, s)

		resp := h.o.Handle(ctx, model.TurnRequest{
			Message: "remove the white", Image: framedPNG(t), ConversationID: "c1",
		})
		assert.Equal(t, ErrCodeCancelled, resp.Error)
		assert.Empty(t, resp.ResultImage)
		sess := h.sessions.Get("c1")
		assert.Zero(t, sess.Depth(), "nothing persisted")
		assert.Empty(t, sess.Turns())
		assert.Zero(t, h.history.Len())
	})
}

func TestHandle_RequestErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.o.Handle(context.Background(), model.TurnRequest{ConversationID: "c1"})
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error)
	assert.NotEmpty(t, resp.Message)

	resp = h.o.Handle(context.Background(), model.TurnRequest{Message: "hi", ConversationID: "c1"})
	assert.Equal(t, ErrCodeNoImage, resp.Error)

	resp = h.o.Handle(context.Background(), model.TurnRequest{Message: "hi", ConversationID: "c1", Image: []byte("not an image")})
	assert.Equal(t, ErrCodeInvalidImage, resp.Error)
	assert.Contains(t, resp.Message, "couldn't read that image")
}

func TestHandle_ChainPenalty(t *testing.T) {
	palette := call(catalog.ToolExtractPalette, map[string]any{})
	h := newHarness(t, step{plan: &planner.Plan{
		Text:      "Reading the palette.",
		Proposals: []model.ToolCallProposal{palette, palette, palette},
	}})

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "what colors are in this?", Image: framedPNG(t), ConversationID: "c1",
	})

	require.Len(t, resp.ToolExecutions, 3)
	for _, te := range resp.ToolExecutions {
		assert.Equal(t, 95.0, te.Confidence)
		assert.NotEmpty(t, te.Outcome.Output)
	}
	assert.Equal(t, 85.0, resp.OverallConfidence, "more than two chained calls cost 10")
	assert.Empty(t, resp.ResultImage, "info tools do not change the image")
	assert.Equal(t, 1, h.sessions.Get("c1").Depth())
}

func TestHandle_ChainPenaltyAgainstSingleCall(t *testing.T) {
	upscale := call(catalog.ToolUpscale, map[string]any{"scale": 2.0})
	chain := newHarness(t, step{plan: &planner.Plan{
		Text: "Enlarging, cutting out and recoloring.",
		Proposals: []model.ToolCallProposal{
			upscale,
			call(catalog.ToolRemoveBackground, map[string]any{}),
			call(catalog.ToolRecolor, map[string]any{"from_color": "#ff0000", "to_color": "#0000ff"}),
		},
	}})
	single := newHarness(t, step{plan: &planner.Plan{
		Text:      "Enlarging.",
		Proposals: []model.ToolCallProposal{upscale},
	}})

	req := model.TurnRequest{Message: "bigger, no background, blue square", Image: framedPNG(t), ConversationID: "c1"}
	chained := chain.o.Handle(context.Background(), req)
	alone := single.o.Handle(context.Background(), req)

	require.Len(t, chained.ToolExecutions, 3)
	lowest := 100.0
	for _, te := range chained.ToolExecutions {
		assert.True(t, te.Validation.IsValid, "%s: %v", te.ToolCall.ToolName, te.Validation.Errors)
		require.NotNil(t, te.Outcome, te.ToolCall.ToolName)
		assert.True(t, te.Outcome.Success, te.Outcome.Error)
		require.NotNil(t, te.ResultValidation)
		assert.True(t, te.ResultValidation.Success, "%s: %v", te.ToolCall.ToolName, te.ResultValidation.Warnings)
		lowest = min(lowest, te.Confidence)
	}
	require.True(t, chained.Success, chained.Message)
	require.Greater(t, lowest, 10.0)
	assert.InDelta(t, lowest-10, chained.OverallConfidence, 0.001)

	require.True(t, alone.Success, alone.Message)
	assert.InDelta(t, chained.ToolExecutions[0].Confidence, alone.OverallConfidence, 0.001)
	assert.Less(t, chained.OverallConfidence, alone.OverallConfidence)

	result, _, err := pixel.Decode(chained.ResultImage)
	require.NoError(t, err)
	assert.Equal(t, 80, result.Width())
	assert.Zero(t, result.NRGBAAt(0, 0).A)
	centre := result.NRGBAAt(40, 40)
	assert.Greater(t, centre.B, uint8(200), "centre recolored: %v", centre)
	assert.Less(t, centre.R, uint8(50), "centre recolored: %v", centre)
	assert.Equal(t, 4, chain.sessions.Get("c1").Depth())
}

func TestHandle_LearnsOnlyAboveThresholdAfterPenalty(t *testing.T) {
	palette := call(catalog.ToolExtractPalette, map[string]any{})
	strict := confidence.New(confidence.Config{MultiToolPenalty: 10, MultiToolFreeCalls: 2, StoreThreshold: 90})

	chain := newHarness(t, step{plan: &planner.Plan{Proposals: []model.ToolCallProposal{palette, palette, palette}}})
	chain.o.deps.Confidence = strict
	resp := chain.o.Handle(context.Background(), model.TurnRequest{
		Message: "what colors are in this?", Image: framedPNG(t), ConversationID: "c1",
	})
	require.Len(t, resp.ToolExecutions, 3)
	assert.Equal(t, 95.0, resp.ToolExecutions[0].Confidence)
	assert.Equal(t, 85.0, resp.OverallConfidence)
	assert.Zero(t, chain.history.Len(), "each call clears 90 but the penalized turn does not")

	one := newHarness(t, step{plan: &planner.Plan{Proposals: []model.ToolCallProposal{palette}}})
	one.o.deps.Confidence = strict
	resp = one.o.Handle(context.Background(), model.TurnRequest{
		Message: "what colors are in this?", Image: framedPNG(t), ConversationID: "c1",
	})
	assert.Equal(t, 95.0, resp.OverallConfidence)
	assert.Equal(t, 1, one.history.Len())
}

func TestHandle_TextOnlyReply(t *testing.T) {
	h := newHarness(t, step{plan: &planner.Plan{Text: "It already looks print ready."}})
	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "is this ok?", Image: framedPNG(t), ConversationID: "c1",
	})
	assert.True(t, resp.Success)
	assert.Equal(t, "It already looks print ready.", resp.Message)
	assert.Equal(t, 95.0, resp.OverallConfidence)
	assert.Empty(t, resp.ToolExecutions)
}

func TestHandle_StoresPreferences(t *testing.T) {
	h := newHarness(t, step{plan: &planner.Plan{Text: "Noted."}}, step{plan: &planner.Plan{Text: "Sure."}})
	h.o.Handle(context.Background(), model.TurnRequest{
		Message: "always keep the edges soft", Image: framedPNG(t), ConversationID: "c1",
	})
	h.o.Handle(context.Background(), model.TurnRequest{Message: "now check it", ConversationID: "c1"})

	require.Len(t, h.planner.requests, 2)
	assert.Equal(t, []string{"always keep the edges soft"}, h.planner.requests[1].Preferences)
	assert.Len(t, h.planner.requests[1].History, 2)
}

func TestHandle_ChainedUpscalesRespectOutputLimit(t *testing.T) {
	vcfg := validation.DefaultConfig()
	vcfg.UpscaleMaxOutputPixels = 10000
	up := call(catalog.ToolUpscale, map[string]any{"scale": 2.5})
	h := newHarnessWith(t, vcfg, step{plan: &planner.Plan{
		Text:      "Enlarging.",
		Proposals: []model.ToolCallProposal{up, up, up},
	}})

	resp := h.o.Handle(context.Background(), model.TurnRequest{
		Message: "make it much bigger", Image: framedPNG(t), ConversationID: "c1",
	})

	require.Len(t, resp.ToolExecutions, 3)
	assert.True(t, resp.ToolExecutions[0].Validation.IsValid, "40x40 to 100x100 fits")
	for _, te := range resp.ToolExecutions[1:] {
		assert.False(t, te.Validation.IsValid)
		assert.Nil(t, te.Outcome)
		require.NotEmpty(t, te.Validation.Errors)
		assert.Contains(t, te.Validation.Errors[0], "upscaling 100x100")
		assert.Contains(t, te.Validation.Errors[0], "limit of 10000 pixels")
	}

	buf, _, err := pixel.Decode(resp.ResultImage)
	require.NoError(t, err)
	assert.Equal(t, 100, buf.Width())
	assert.Equal(t, 100, buf.Height())
	assert.Equal(t, 2, h.sessions.Get("c1").Depth())
}
