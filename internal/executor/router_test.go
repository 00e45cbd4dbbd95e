package executor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		catalog.Spec{Name: "invert", Family: catalog.FamilyRecolor},
		catalog.Spec{Name: "fail", Family: catalog.FamilyTextureMask},
		catalog.Spec{Name: "hang", Family: catalog.FamilyTextureMask},
		catalog.Spec{Name: "crash", Family: catalog.FamilyTextureMask},
		catalog.Spec{Name: "blank", Family: catalog.FamilyTextureMask},
		catalog.Spec{Name: "probe", Family: catalog.FamilyInfo},
		catalog.Spec{Name: "unimplemented", Family: catalog.FamilyInfo},
	)
	require.NoError(t, err)
	return cat
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, img *pixel.Buffer) (Result, error)
}

func (f funcTool) Name() string { return f.name }

func (f funcTool) Execute(ctx context.Context, img *pixel.Buffer, _ catalog.Params) (Result, error) {
	return f.fn(ctx, img)
}

func invert(_ context.Context, img *pixel.Buffer) (Result, error) {
	out := img.Clone()
	pix := out.Image().Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2] = 255-pix[i], 255-pix[i+1], 255-pix[i+2]
	}
	return Result{Image: out}, nil
}

type fixture struct {
	router    *Router
	validator *validation.Validator
	probes    int
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	cat := testCatalog(t)
	reg := NewRegistry(cat)
	f := &fixture{validator: validation.New(cat, nil, zerolog.Nop())}

	tools := []Tool{
		funcTool{"invert", invert},
		funcTool{"fail", func(context.Context, *pixel.Buffer) (Result, error) { return Result{}, errors.New("boom") }},
		funcTool{"hang", func(ctx context.Context, _ *pixel.Buffer) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
		funcTool{"crash", func(context.Context, *pixel.Buffer) (Result, error) { panic("nil map") }},
		funcTool{"blank", func(context.Context, *pixel.Buffer) (Result, error) { return Result{}, nil }},
		funcTool{"probe", func(_ context.Context, img *pixel.Buffer) (Result, error) {
			f.probes++
			return Result{Output: map[string]any{"width": img.Width()}}, nil
		}},
	}
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	f.router = NewRouter(reg, timeout, zerolog.Nop())
	return f
}

func (f *fixture) approve(t *testing.T, names ...string) []*validation.ApprovedCall {
	t.Helper()
	var calls []*validation.ApprovedCall
	for _, n := range names {
		result, call := f.validator.Check(context.Background(), model.ToolCallProposal{ToolName: n}, validation.Input{})
		require.True(t, result.IsValid, "%s: %v", n, result.Errors)
		calls = append(calls, call)
	}
	return calls
}

func grayImage() *pixel.Buffer {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 100
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	return pixel.FromImage(img)
}

func TestRegistry_RequiresContract(t *testing.T) {
	reg := NewRegistry(testCatalog(t))
	err := reg.Register(funcTool{"sharpen", invert})
	assert.Error(t, err)

	require.NoError(t, reg.Register(funcTool{"invert", invert}))
	assert.Equal(t, []string{"invert"}, reg.Names())
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, time.Second)
	img := grayImage()

	exec := f.router.Execute(context.Background(), f.approve(t, "invert")[0], img)

	require.True(t, exec.Outcome.Success, exec.Outcome.Error)
	assert.Equal(t, "invert", exec.Outcome.ToolName)
	assert.NotEmpty(t, exec.Outcome.ResultImageHandle)
	require.NotNil(t, exec.Image)
	assert.Equal(t, color.NRGBA{155, 155, 155, 255}, exec.Image.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{100, 100, 100, 255}, img.NRGBAAt(0, 0), "input is untouched")
}

func TestExecute_Failures(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	tests := []struct {
		tool string
		want string
	}{
		{"fail", "boom"},
		{"hang", "timed out"},
		{"crash", "crashed"},
		{"blank", "returned no image"},
		{"unimplemented", "no implementation"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			exec := f.router.Execute(context.Background(), f.approve(t, tt.tool)[0], grayImage())
			assert.False(t, exec.Outcome.Success)
			assert.Contains(t, exec.Outcome.Error, tt.want)
			assert.Nil(t, exec.Image)
			assert.Empty(t, exec.Outcome.ResultImageHandle)
		})
	}
}

func TestExecute_NilInputs(t *testing.T) {
	f := newFixture(t, time.Second)

	exec := f.router.Execute(context.Background(), f.approve(t, "invert")[0], nil)
	assert.False(t, exec.Outcome.Success)
	assert.Contains(t, exec.Outcome.Error, "no input image")

	exec = f.router.Execute(context.Background(), nil, grayImage())
	assert.False(t, exec.Outcome.Success)
}

func TestExecute_InfoToolKeepsInput(t *testing.T) {
	f := newFixture(t, time.Second)
	img := grayImage()

	exec := f.router.Execute(context.Background(), f.approve(t, "probe")[0], img)
	require.True(t, exec.Outcome.Success)
	assert.Same(t, img, exec.Image)
	assert.Equal(t, map[string]any{"width": 8}, exec.Outcome.Output)
}

func TestRunChain_FeedsResults(t *testing.T) {
	f := newFixture(t, time.Second)
	img := grayImage()

	execs := f.router.RunChain(context.Background(), f.approve(t, "invert", "invert"), img)
	require.Len(t, execs, 2)
	assert.Same(t, execs[0].Image, execs[1].Input)
	assert.Equal(t, img.NRGBAAt(3, 3), execs[1].Image.NRGBAAt(3, 3), "double inversion restores the image")
}

func TestRunChain_DependencyFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	img := grayImage()

	execs := f.router.RunChain(context.Background(), f.approve(t, "invert", "fail", "invert", "probe"), img)
	require.Len(t, execs, 4)

	assert.True(t, execs[0].Outcome.Success)
	assert.False(t, execs[1].Outcome.Success)
	assert.Equal(t, ErrDependencyFailed.Error(), execs[2].Outcome.Error)
	assert.Equal(t, "invert", execs[2].Outcome.ToolName)
	assert.True(t, execs[3].Outcome.Success, "info-only calls still run")
	assert.Same(t, execs[0].Image, execs[3].Input, "info-only calls see the last good image")
}

func TestRunChain_Cancelled(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execs := f.router.RunChain(ctx, f.approve(t, "invert", "probe"), grayImage())
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.False(t, e.Outcome.Success)
		assert.Contains(t, e.Outcome.Error, "cancelled")
	}
	assert.Zero(t, f.probes)
}
