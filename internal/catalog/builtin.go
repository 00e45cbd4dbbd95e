package catalog

func bound(v float64) *float64 { return &v }

// Tool names of the built-in contracts
const (
	ToolRemoveColor      = "remove_color"
	ToolRecolor          = "recolor"
	ToolRemoveBackground = "remove_background"
	ToolUpscale          = "upscale"
	ToolTextureMask      = "texture_mask"
	ToolExtractPalette   = "extract_palette"
	ToolSamplePixels     = "sample_pixels"
)

// BuiltinSpecs returns the contracts for the tools shipped with the service
func BuiltinSpecs() []Spec {
	return []Spec{
		{
			Name:        ToolRemoveColor,
			Description: "Make every pixel within tolerance of a color fully transparent.",
			Family:      FamilyColorRemoval,
			Params: []Param{
				{Name: "color", Type: TypeColor, Required: true, MustExist: true,
					Description: "Color to remove as #rrggbb. Must be a color measured in the image."},
				{Name: "tolerance", Type: TypeNumber, Min: bound(0), Max: bound(100), Default: 10.0,
					Description: "Perceptual distance (Delta E) within which pixels are removed."},
			},
			Invariants: []Invariant{InvariantPreservesDimensions, InvariantAddsTransparency},
		},
		{
			Name:        ToolRecolor,
			Description: "Replace one color with another, keeping shading.",
			Family:      FamilyRecolor,
			Params: []Param{
				{Name: "from_color", Type: TypeColor, Required: true, MustExist: true,
					Description: "Existing color to replace as #rrggbb."},
				{Name: "to_color", Type: TypeColor, Required: true,
					Description: "Replacement color as #rrggbb."},
				{Name: "tolerance", Type: TypeNumber, Min: bound(0), Max: bound(100), Default: 15.0,
					Description: "Perceptual distance (Delta E) within which pixels are recolored."},
			},
			Invariants: []Invariant{InvariantPreservesDimensions},
		},
		{
			Name:        ToolRemoveBackground,
			Description: "Remove the image background with a segmentation model.",
			Family:      FamilyBackgroundRemoval,
			Params: []Param{
				{Name: "model", Type: TypeString, Enum: []string{"general", "portrait", "product"}, Default: "general",
					Description: "Segmentation model to use."},
				{Name: "refine_edges", Type: TypeBoolean, Default: true,
					Description: "Refine hair and soft edges."},
			},
			Invariants: []Invariant{InvariantPreservesDimensions, InvariantAddsTransparency},
		},
		{
			Name:        ToolUpscale,
			Description: "Enlarge the image by a scale factor.",
			Family:      FamilyUpscale,
			Params: []Param{
				{Name: "scale", Type: TypeNumber, Required: true, Min: bound(1.1), Max: bound(8),
					Description: "Scale factor applied to both dimensions."},
				{Name: "method", Type: TypeString, Enum: []string{"catmullrom", "bilinear", "ai"}, Default: "catmullrom",
					Description: "Resampling method."},
			},
			Invariants: []Invariant{InvariantIncreasesDimensions},
		},
		{
			Name:        ToolTextureMask,
			Description: "Apply a texture mask such as halftone or distress.",
			Family:      FamilyTextureMask,
			Params: []Param{
				{Name: "texture", Type: TypeString, Required: true, Enum: []string{"halftone", "grain", "distress", "linen"},
					Description: "Texture pattern."},
				{Name: "intensity", Type: TypeNumber, Required: true, Min: bound(0), Max: bound(100),
					Description: "Mask strength in percent."},
			},
			Invariants: []Invariant{InvariantPreservesDimensions},
		},
		{
			Name:        ToolExtractPalette,
			Description: "Report the dominant colors of the image. Does not modify it.",
			Family:      FamilyInfo,
			Params: []Param{
				{Name: "count", Type: TypeInteger, Min: bound(1), Max: bound(16), Default: 5,
					Description: "Number of colors to return."},
			},
			Invariants: []Invariant{InvariantReturnsInput},
		},
		{
			Name:        ToolSamplePixels,
			Description: "Report the exact color at a pixel position. Does not modify the image.",
			Family:      FamilyInfo,
			Params: []Param{
				{Name: "x", Type: TypeInteger, Required: true, Min: bound(0)},
				{Name: "y", Type: TypeInteger, Required: true, Min: bound(0)},
				{Name: "radius", Type: TypeInteger, Min: bound(0), Max: bound(50), Default: 0,
					Description: "Average over a square of this radius."},
			},
			Invariants: []Invariant{InvariantReturnsInput},
		},
	}
}
