package generation

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	basePromptName       = "base_prompt.tmpl"
	shorteningPromptName = "shortening_prompt.tmpl"
)

// PromptError reports a template that could not be loaded or rendered.
type PromptError struct {
	Template string
	Err      error
}

func (e *PromptError) Error() string {
	return fmt.Sprintf("prompt %s: %v", e.Template, e.Err)
}

func (e *PromptError) Unwrap() error { return e.Err }

// Prompts holds the parsed generation and shortening templates.
type Prompts struct {
	base    *template.Template
	shorten *template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// LoadPrompts parses the templates, preferring files in dir over the
// embedded defaults. An empty dir uses only the embedded set.
func LoadPrompts(dir string) (*Prompts, error) {
	base, err := loadTemplate(dir, basePromptName)
	if err != nil {
		return nil, err
	}
	shorten, err := loadTemplate(dir, shorteningPromptName)
	if err != nil {
		return nil, err
	}
	return &Prompts{base: base, shorten: shorten}, nil
}

func loadTemplate(dir, name string) (*template.Template, error) {
	var src []byte
	var err error
	if dir != "" {
		src, err = os.ReadFile(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &PromptError{Template: name, Err: err}
		}
	}
	if src == nil {
		if src, err = templatesFS.ReadFile("templates/" + name); err != nil {
			return nil, &PromptError{Template: name, Err: err}
		}
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, &PromptError{Template: name, Err: err}
	}
	return t, nil
}

type baseData struct {
	Persona   string
	Exemplars []string
	Fragments []knowledge.Scored
	CharLimit int
}

// BuildPrompt renders the generation prompt.
func (p *Prompts) BuildPrompt(persona string, exemplars []string, fragments []knowledge.Scored, charLimit int) (string, error) {
	if p == nil || p.base == nil {
		return "", &PromptError{Template: basePromptName, Err: errors.New("template not loaded")}
	}
	if strings.TrimSpace(persona) == "" {
		return "", &PromptError{Template: basePromptName, Err: errors.New("persona is empty")}
	}
	var sb strings.Builder
	err := p.base.Execute(&sb, baseData{
		Persona:   strings.TrimSpace(persona),
		Exemplars: exemplars,
		Fragments: fragments,
		CharLimit: charLimit,
	})
	if err != nil {
		return "", &PromptError{Template: basePromptName, Err: err}
	}
	return strings.TrimSpace(sb.String()), nil
}

type shortenData struct {
	Text          string
	CurrentLength int
	TargetLength  int
}

func (p *Prompts) shorteningPrompt(text string, current, target int) (string, error) {
	var sb strings.Builder
	if err := p.shorten.Execute(&sb, shortenData{Text: text, CurrentLength: current, TargetLength: target}); err != nil {
		return "", &PromptError{Template: shorteningPromptName, Err: err}
	}
	return strings.TrimSpace(sb.String()), nil
}
