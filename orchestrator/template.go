package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// Template is a named prompt skeleton. Placeholders use the {{name}} form in
// both the system instruction and the prompt body.
type Template struct {
	Id     string `yaml:"id" json:"id"`
	System string `yaml:"system" json:"system,omitempty"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// TemplateNotFoundError reports a request referencing an unregistered template.
type TemplateNotFoundError struct {
	Id string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.Id)
}

// TemplateStore holds the configured prompt templates. It is immutable after
// construction, so reads need no locking.
type TemplateStore struct {
	templates map[string]Template
}

func NewTemplateStore(templates []Template) (*TemplateStore, error) {
	store := &TemplateStore{templates: make(map[string]Template, len(templates))}
	for _, template := range templates {
		if template.Id == "" {
			return nil, fmt.Errorf("template id must not be empty")
		}
		if template.Prompt == "" {
			return nil, fmt.Errorf("template %s has no prompt", template.Id)
		}
		if _, exists := store.templates[template.Id]; exists {
			return nil, fmt.Errorf("duplicate template id: %s", template.Id)
		}
		store.templates[template.Id] = template
	}
	return store, nil
}

// Render substitutes variables into the template and returns the system
// instruction and prompt. Unresolved placeholders are an error: a prompt with
// a literal "{{customer_name}}" in it should never reach a model.
func (s *TemplateStore) Render(id string, variables map[string]string) (string, string, error) {
	template, exists := s.templates[id]
	if !exists {
		return "", "", &TemplateNotFoundError{Id: id}
	}

	system, err := substitute(template.System, variables)
	if err != nil {
		return "", "", fmt.Errorf("template %s system: %w", id, err)
	}
	prompt, err := substitute(template.Prompt, variables)
	if err != nil {
		return "", "", fmt.Errorf("template %s prompt: %w", id, err)
	}
	return system, prompt, nil
}

func substitute(text string, variables map[string]string) (string, error) {
	var missing []string
	result := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, exists := variables[name]
		if !exists {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return result, nil
}
