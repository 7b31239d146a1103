package extract

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "You are an event extraction analyst. For each numbered source text, " +
	"identify the core event and return a JSON array with one object per text, in the same order. " +
	"Each object has the fields event_type, trigger, summary, and entities (an array of names). " +
	"Use \"N/A\" for a trigger you cannot identify. Return only the JSON array."

const defaultInstruction = `Extract events from the following %d source texts:

%s

Return a JSON array of %d objects, one per text, in order.`

// PromptTemplate shapes the request sent for each batch. The instruction must
// contain two %d verbs (text count, repeated) around a %s verb for the
// numbered text block.
type PromptTemplate struct {
	System      string `yaml:"system"`
	Instruction string `yaml:"instruction"`
}

// DefaultPromptTemplate returns the built-in extraction prompt.
func DefaultPromptTemplate() *PromptTemplate {
	return &PromptTemplate{
		System:      defaultSystemPrompt,
		Instruction: defaultInstruction,
	}
}

// LoadPromptTemplate reads a prompt template from a YAML file. Fields left
// empty in the file fall back to the defaults.
func LoadPromptTemplate(path string) (*PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read prompt template %s", path)
	}

	var wrapper struct {
		Prompt PromptTemplate `yaml:"prompt"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "extract: parse prompt template %s", path)
	}

	tmpl := &wrapper.Prompt
	if tmpl.System == "" {
		tmpl.System = defaultSystemPrompt
	}
	if tmpl.Instruction == "" {
		tmpl.Instruction = defaultInstruction
	}
	return tmpl, nil
}

// Render builds the user message for a batch of source texts, numbering each
// text so the model can keep answers aligned with inputs.
func (t *PromptTemplate) Render(texts []string) string {
	var b strings.Builder
	for i, text := range texts {
		fmt.Fprintf(&b, "--- Text %d ---\n%s\n\n", i+1, text)
	}
	return fmt.Sprintf(t.Instruction, len(texts), strings.TrimRight(b.String(), "\n"), len(texts))
}
