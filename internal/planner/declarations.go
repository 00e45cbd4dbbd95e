package planner

import (
	"fmt"

	"google.golang.org/genai"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
)

// Declarations converts every catalog contract into a function declaration
func Declarations(cat *catalog.Catalog) []*genai.FunctionDeclaration {
	specs := cat.Specs()
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, declaration(s))
	}
	return decls
}

func declaration(s *catalog.Spec) *genai.FunctionDeclaration {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(s.Params)),
	}
	for _, p := range s.Params {
		schema.Properties[p.Name] = paramSchema(p)
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}

	return &genai.FunctionDeclaration{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  schema,
	}
}

func paramSchema(p catalog.Param) *genai.Schema {
	ps := &genai.Schema{Description: p.Description}
	switch p.Type {
	case catalog.TypeNumber:
		ps.Type = genai.TypeNumber
	case catalog.TypeInteger:
		ps.Type = genai.TypeInteger
	case catalog.TypeBoolean:
		ps.Type = genai.TypeBoolean
	case catalog.TypeColor:
		ps.Type = genai.TypeString
		ps.Description += " Hex color such as #ff0000; use a value from the measured dominant colors."
	default:
		ps.Type = genai.TypeString
	}
	if p.Min != nil {
		ps.Minimum = genai.Ptr(*p.Min)
	}
	if p.Max != nil {
		ps.Maximum = genai.Ptr(*p.Max)
	}
	if len(p.Enum) > 0 {
		ps.Enum = append([]string(nil), p.Enum...)
	}
	if p.Default != nil {
		ps.Description += fmt.Sprintf(" Default: %v.", p.Default)
	}
	return ps
}
