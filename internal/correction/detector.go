// Package correction flags user messages that reject the previous edit.
package correction

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPhrases always denote dissatisfaction with the last edit
var DefaultPhrases = []string{
	"too much",
	"too many",
	"too strong",
	"too aggressive",
	"wrong",
	"undo",
	"revert",
	"go back",
	"roll back",
	"put it back",
	"not what i",
	"that's not",
	"that is not",
	"i meant",
	"you removed",
	"messed up",
	"try again",
	"more precise",
	"less aggressive",
}

// DefaultScopedPhrases narrow the previous edit. They only count as a
// correction when there was a previous assistant reply.
var DefaultScopedPhrases = []string{
	"just the",
	"only the",
	"instead",
	"not the",
	"not that",
}

// DefaultPatterns are negations of the previous result
var DefaultPatterns = []string{
	`^(no|nope|nah)\b`,
	`\b(don't|do not|didn't|did not)\s+(want|like|need|ask)\b`,
	`\bshould(n't| not)\s+have\b`,
	`\bwhy did you\b`,
}

// Result is the verdict for one message
type Result struct {
	IsCorrection bool   `json:"isCorrection"`
	Matched      string `json:"matched,omitempty"`
}

// Detector is a stateless phrase and pattern matcher. It is safe for
// concurrent use.
type Detector struct {
	phrases  []matcher
	scoped   []matcher
	patterns []matcher
}

type matcher struct {
	source string
	re     *regexp.Regexp
}

// PhraseSet is the on-disk form of a detector configuration
type PhraseSet struct {
	Phrases       []string `yaml:"phrases"`
	ScopedPhrases []string `yaml:"scoped_phrases"`
	Patterns      []string `yaml:"patterns"`
}

// Default returns a detector with the built-in phrase set
func Default() *Detector {
	d, err := New(PhraseSet{
		Phrases:       DefaultPhrases,
		ScopedPhrases: DefaultScopedPhrases,
		Patterns:      DefaultPatterns,
	})
	if err != nil {
		panic(err)
	}
	return d
}

// New compiles a detector. Phrases match on word boundaries, patterns are
// regular expressions applied to the normalized message.
func New(set PhraseSet) (*Detector, error) {
	d := &Detector{}
	for _, p := range set.Phrases {
		if m, ok := phraseMatcher(p); ok {
			d.phrases = append(d.phrases, m)
		}
	}
	for _, p := range set.ScopedPhrases {
		if m, ok := phraseMatcher(p); ok {
			d.scoped = append(d.scoped, m)
		}
	}
	for _, p := range set.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid correction pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, matcher{source: p, re: re})
	}
	return d, nil
}

// LoadFile reads a YAML phrase set. Missing sections fall back to defaults.
func LoadFile(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read correction phrases: %w", err)
	}
	var set PhraseSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse correction phrases: %w", err)
	}
	if set.Phrases == nil {
		set.Phrases = DefaultPhrases
	}
	if set.ScopedPhrases == nil {
		set.ScopedPhrases = DefaultScopedPhrases
	}
	if set.Patterns == nil {
		set.Patterns = DefaultPatterns
	}
	return New(set)
}

// Detect classifies message. lastAssistant is the previous assistant reply,
// empty when there was none.
func (d *Detector) Detect(message, lastAssistant string) Result {
	text := normalize(message)
	if text == "" {
		return Result{}
	}

	for _, m := range d.phrases {
		if m.re.MatchString(text) {
			return Result{IsCorrection: true, Matched: m.source}
		}
	}
	for _, m := range d.patterns {
		if m.re.MatchString(text) {
			return Result{IsCorrection: true, Matched: m.source}
		}
	}
	if strings.TrimSpace(lastAssistant) != "" {
		for _, m := range d.scoped {
			if m.re.MatchString(text) {
				return Result{IsCorrection: true, Matched: m.source}
			}
		}
	}
	return Result{}
}

// IsCorrection is Detect reduced to its verdict
func (d *Detector) IsCorrection(message, lastAssistant string) bool {
	return d.Detect(message, lastAssistant).IsCorrection
}

func phraseMatcher(phrase string) (matcher, bool) {
	p := normalize(phrase)
	if p == "" {
		return matcher{}, false
	}
	re := regexp.MustCompile(`(^|\W)` + regexp.QuoteMeta(p) + `($|\W)`)
	return matcher{source: p, re: re}, true
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

// normalize lowercases, unifies apostrophes and collapses whitespace
func normalize(s string) string {
	s = apostrophes.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}
