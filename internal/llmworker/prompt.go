package llmworker

import (
	_ "embed"
	"strings"
	"text/template"

	"github.com/cascadechat/cascade/internal/memoryclient"
)

//go:embed system_prompt.tmpl
var systemPromptTemplate string

var promptTmpl = template.Must(template.New("system_prompt").
	Funcs(template.FuncMap{
		"join": func(items []string) string { return strings.Join(items, "; ") },
	}).
	Parse(systemPromptTemplate))

// renderSystemPrompt renders the pinned session instruction. A nil or empty
// profile renders the base instruction only, so a memory API failure still
// yields a usable prompt.
func renderSystemPrompt(mem *memoryclient.UserMemory) string {
	if mem == nil {
		mem = &memoryclient.UserMemory{}
	}
	var sb strings.Builder
	if err := promptTmpl.Execute(&sb, mem); err != nil {
		// The template is embedded and static; execution cannot fail on this
		// data shape. Fall back to the raw template text just in case.
		return systemPromptTemplate
	}
	return strings.TrimSpace(sb.String())
}
