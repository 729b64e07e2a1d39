// Package schema describes JSON object shapes for tool parameters.
package schema

// Schema describes the structure of a JSON object.
type Schema struct {
	Type                 string               `json:"type"`
	Properties           map[string]*Property `json:"properties"`
	Required             []string             `json:"required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Property of a schema.
//
// Optional object-valued parameters must be declared with an explicit
// "object" type and AdditionalProperties=true; strict clients reject
// union-with-null declarations.
type Property struct {
	Type                 string               `json:"type"`
	Description          string               `json:"description"`
	Enum                 []string             `json:"enum,omitempty"`
	Items                *Property            `json:"items,omitempty"`
	Required             []string             `json:"required,omitempty"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Object returns a property describing a free-form JSON object.
func Object(description string) *Property {
	t := true
	return &Property{Type: "object", Description: description, AdditionalProperties: &t}
}
