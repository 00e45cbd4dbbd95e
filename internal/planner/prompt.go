package planner

import (
	"fmt"
	"strings"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

const systemInstruction = `You are an image editing planner. You decide which editing tools to call, with which parameters, to satisfy the user's request.

Rules:
- The GROUND TRUTH block is measured from the actual pixels. When it disagrees with what you see, the GROUND TRUTH is correct.
- Transparent pixels may be displayed to you as white, black or a checkerboard. Never describe or remove a "white background" when the GROUND TRUTH says the area is transparent.
- Use colors from the measured dominant colors when a tool needs an existing color.
- Call tools in the order they must run; each call receives the previous call's output.
- Propose the fewest calls that do the job. If the request needs no edit, answer in text only.
- Always include a short text reply explaining what you are doing.`

// preferenceMarkers flag user turns that state a standing preference
var preferenceMarkers = []string{
	"always ", "never ", "i prefer", "prefer ", "from now on", "in future", "every time",
	"don't ever", "do not ever", "i like ", "i don't like", "remember ",
}

// IsPreference reports whether a user message states a standing preference
func IsPreference(text string) bool {
	lower := " " + strings.ToLower(strings.TrimSpace(text)) + " "
	for _, m := range preferenceMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// GroundTruthBlock renders measured facts in a form the model cannot miss
func GroundTruthBlock(a *model.ImageAnalysis) string {
	if a == nil {
		return "=== GROUND TRUTH ===\nNo measurements are available for this image.\n=== END GROUND TRUTH ==="
	}

	var b strings.Builder
	b.WriteString("=== GROUND TRUTH (measured from pixels; overrides visual impression) ===\n")
	fmt.Fprintf(&b, "Dimensions: %dx%d px\n", a.Width, a.Height)
	if a.Format != "" {
		fmt.Fprintf(&b, "Format: %s\n", a.Format)
	}

	if a.HasTransparency {
		fmt.Fprintf(&b, "TRANSPARENCY: YES. %.1f%% of pixels are fully transparent.\n", a.TransparentPercent)
		b.WriteString("IMPORTANT: transparent areas are NOT white and NOT a background color. There is nothing there to remove.\n")
	} else {
		b.WriteString("TRANSPARENCY: NO. Every pixel is fully opaque.\n")
	}

	if len(a.DominantColors) > 0 {
		b.WriteString("Dominant colors (share of visible pixels):\n")
		for _, c := range a.DominantColors {
			fmt.Fprintf(&b, "  %s %.1f%%\n", c.Hex, c.Percentage)
		}
	}
	fmt.Fprintf(&b, "Unique colors: %d\n", a.UniqueColorCount)
	fmt.Fprintf(&b, "Sharpness: %.0f/100, Noise: %.0f/100\n", a.SharpnessScore, a.NoiseScore)

	dpi := fmt.Sprintf("%.0f", a.DPIEstimate)
	if a.DPIEstimated {
		dpi += " (estimated, not stored in file)"
	}
	fmt.Fprintf(&b, "DPI: %s\n", dpi)
	fmt.Fprintf(&b, "Print ready: %s\n", yesNo(a.IsPrintReady))
	if len(a.IncompleteMeasurements) > 0 {
		fmt.Fprintf(&b, "Not measured: %s\n", strings.Join(a.IncompleteMeasurements, ", "))
	}
	fmt.Fprintf(&b, "Measurement confidence: %.0f/100\n", a.Confidence)
	b.WriteString("=== END GROUND TRUTH ===")
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

func turnSize(t model.ConversationTurn) int {
	return len(t.Role) + len(t.Text) + 2
}

// CompactHistory keeps the newest turns that fit in budget bytes plus every
// turn stating a user preference. Older turns are folded into one leading
// system turn.
func CompactHistory(turns []model.ConversationTurn, budget int) []model.ConversationTurn {
	total := 0
	for _, t := range turns {
		total += turnSize(t)
	}
	if budget <= 0 || total <= budget {
		return turns
	}

	keep := make([]bool, len(turns))
	used := 0
	for i, t := range turns {
		if t.Role == model.RoleUser && IsPreference(t.Text) {
			keep[i] = true
			used += turnSize(t)
		}
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		size := turnSize(turns[i])
		if used+size > budget {
			break
		}
		keep[i] = true
		used += size
	}

	var omitted []model.ConversationTurn
	kept := make([]model.ConversationTurn, 0, len(turns))
	for i, t := range turns {
		if keep[i] {
			kept = append(kept, t)
		} else {
			omitted = append(omitted, t)
		}
	}
	if len(omitted) == 0 {
		return kept
	}
	summary := model.ConversationTurn{
		Role:      model.RoleSystem,
		Text:      summarize(omitted, max(budget/8, 160)),
		Timestamp: omitted[len(omitted)-1].Timestamp,
	}
	return append([]model.ConversationTurn{summary}, kept...)
}

// summarize lists the first words of each omitted user request
func summarize(turns []model.ConversationTurn, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier messages. Earlier user requests:", len(turns))
	for _, t := range turns {
		if t.Role != model.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(t.Text), " ")
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		entry := " " + text + ";"
		if b.Len()+len(entry) > limit {
			b.WriteString(" ...")
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// requestText assembles the text part of the final user message
func requestText(req Request) string {
	var b strings.Builder
	b.WriteString(GroundTruthBlock(req.GroundTruth))
	b.WriteString("\n\n")
	if len(req.Preferences) > 0 {
		b.WriteString("Stored user preferences:\n")
		for _, p := range req.Preferences {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}
	if uc := req.UserContext; uc != nil && (uc.Industry != "" || uc.ExpertiseLevel != "") {
		b.WriteString("User context:")
		if uc.Industry != "" {
			fmt.Fprintf(&b, " industry=%s", uc.Industry)
		}
		if uc.ExpertiseLevel != "" {
			fmt.Fprintf(&b, " expertise=%s", uc.ExpertiseLevel)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("User request: ")
	b.WriteString(req.Message)
	return b.String()
}
