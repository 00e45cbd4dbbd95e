package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{
		ToolExtractPalette, ToolRecolor, ToolRemoveBackground, ToolRemoveColor,
		ToolSamplePixels, ToolTextureMask, ToolUpscale,
	}, c.Names())

	spec, ok := c.Lookup(ToolRemoveColor)
	require.True(t, ok)
	assert.Equal(t, FamilyColorRemoval, spec.Family)
	assert.True(t, spec.ProducesImage())
	assert.True(t, spec.Has(InvariantAddsTransparency))

	p, ok := spec.Param("color")
	require.True(t, ok)
	assert.True(t, p.MustExist)
	assert.True(t, p.Required)

	palette, _ := c.Lookup(ToolExtractPalette)
	assert.False(t, palette.ProducesImage())

	_, ok = c.Lookup("sharpen")
	assert.False(t, ok)
}

func TestRegister_Rejects(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"no name", Spec{Family: FamilyInfo}},
		{"unknown family", Spec{Name: "x", Family: "magic"}},
		{"bad type", Spec{Name: "x", Family: FamilyInfo, Params: []Param{{Name: "p", Type: "date"}}}},
		{"dup param", Spec{Name: "x", Family: FamilyInfo, Params: []Param{
			{Name: "p", Type: TypeNumber}, {Name: "p", Type: TypeNumber}}}},
		{"min above max", Spec{Name: "x", Family: FamilyInfo, Params: []Param{
			{Name: "p", Type: TypeNumber, Min: bound(5), Max: bound(1)}}}},
		{"must exist on number", Spec{Name: "x", Family: FamilyInfo, Params: []Param{
			{Name: "p", Type: TypeNumber, MustExist: true}}}},
		{"duplicate tool", BuiltinSpecs()[0]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			assert.Error(t, c.Register(tt.spec))
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	content := `
tools:
  - name: vectorize
    description: Trace the image into vector paths.
    family: info
    params:
      - name: colors
        type: integer
        min: 2
        max: 64
        required: true
  - name: posterize
    family: recolor
    params:
      - name: levels
        type: integer
        min: 2
        max: 16
    invariants: [preserves_dimensions]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c := Default()
	require.NoError(t, c.LoadFile(path))

	spec, ok := c.Lookup("vectorize")
	require.True(t, ok)
	p, ok := spec.Param("colors")
	require.True(t, ok)
	assert.Equal(t, TypeInteger, p.Type)
	assert.Equal(t, 64.0, *p.Max)

	post, ok := c.Lookup("posterize")
	require.True(t, ok)
	assert.True(t, post.Has(InvariantPreservesDimensions))

	assert.Error(t, c.LoadFile(path), "second load must fail on duplicates")
	assert.Error(t, c.LoadFile(filepath.Join(dir, "missing.yaml")))
}
