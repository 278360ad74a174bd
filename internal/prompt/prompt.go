// Package prompt holds the locale-keyed user-facing texts and LLM prompt
// templates used by the orchestrator.
package prompt

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/concierge/internal/model"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Locale is the full set of texts for one locale.
type Locale struct {
	Greeting              string            `yaml:"greeting"`
	DefaultProvisional    string            `yaml:"default_provisional"`
	Provisional           map[string]string `yaml:"provisional"`
	PublishFailure        string            `yaml:"publish_failure"`
	FallbackError         string            `yaml:"fallback_error"`
	TechnicalDifficulties string            `yaml:"technical_difficulties"`
	Timeout               string            `yaml:"timeout"`
	AgentError            string            `yaml:"agent_error"`
	Unsolicited           string            `yaml:"unsolicited"`
	Emergency             string            `yaml:"emergency"`
	NoInfoSentinel        string            `yaml:"no_info_sentinel"`
	ClassifierSystem      string            `yaml:"classifier_system"`
	ClassifierUser        string            `yaml:"classifier_user"`
	FallbackSystem        string            `yaml:"fallback_system"`
	FallbackUser          string            `yaml:"fallback_user"`

	classifier *template.Template
	fallback   *template.Template
}

type file struct {
	DefaultLocale string             `yaml:"default_locale"`
	Locales       map[string]*Locale `yaml:"locales"`
}

// Set is a collection of locales with a default.
type Set struct {
	defaultLocale string
	locales       map[string]*Locale
}

// ClassifierInput is the data rendered into the classifier user prompt.
type ClassifierInput struct {
	Message string
	History []model.Message
	Context map[string]any
	Intents []string
}

// FallbackInput is the data rendered into the general-knowledge prompt.
type FallbackInput struct {
	Message string
	History []model.Message
	Context map[string]any
}

var funcs = template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	},
}

// Default returns the built-in template set.
func Default() *Set {
	s, err := Parse(defaultTemplates, nil)
	if err != nil {
		panic(fmt.Sprintf("prompt: embedded defaults: %v", err))
	}
	return s
}

// LoadFile reads overrides from path and layers them over the built-in
// set. An empty path yields the defaults.
func LoadFile(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return Parse(data, Default())
}

// Parse decodes a template file. Fields left empty are taken from base,
// then from the file's own default locale.
func Parse(data []byte, base *Set) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	s := &Set{defaultLocale: f.DefaultLocale, locales: make(map[string]*Locale)}
	if base != nil {
		if s.defaultLocale == "" {
			s.defaultLocale = base.defaultLocale
		}
		for name, l := range base.locales {
			cp := *l
			s.locales[name] = &cp
		}
	}
	if s.defaultLocale == "" {
		s.defaultLocale = "en"
	}
	for name, l := range f.Locales {
		name = strings.ToLower(name)
		if prev, ok := s.locales[name]; ok {
			l.fillFrom(prev)
		}
		s.locales[name] = l
	}

	def, ok := s.locales[s.defaultLocale]
	if !ok {
		return nil, fmt.Errorf("default locale %q not defined", s.defaultLocale)
	}
	for name, l := range s.locales {
		if name != s.defaultLocale {
			l.fillFrom(def)
		}
		if err := l.compile(); err != nil {
			return nil, fmt.Errorf("locale %q: %w", name, err)
		}
	}
	return s, nil
}

func (l *Locale) fillFrom(src *Locale) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&l.Greeting, src.Greeting)
	fill(&l.DefaultProvisional, src.DefaultProvisional)
	fill(&l.PublishFailure, src.PublishFailure)
	fill(&l.FallbackError, src.FallbackError)
	fill(&l.TechnicalDifficulties, src.TechnicalDifficulties)
	fill(&l.Timeout, src.Timeout)
	fill(&l.AgentError, src.AgentError)
	fill(&l.Unsolicited, src.Unsolicited)
	fill(&l.Emergency, src.Emergency)
	fill(&l.NoInfoSentinel, src.NoInfoSentinel)
	fill(&l.ClassifierSystem, src.ClassifierSystem)
	fill(&l.ClassifierUser, src.ClassifierUser)
	fill(&l.FallbackSystem, src.FallbackSystem)
	fill(&l.FallbackUser, src.FallbackUser)
	if len(src.Provisional) > 0 {
		merged := make(map[string]string, len(src.Provisional)+len(l.Provisional))
		for k, v := range src.Provisional {
			merged[k] = v
		}
		for k, v := range l.Provisional {
			merged[k] = v
		}
		l.Provisional = merged
	}
}

func (l *Locale) compile() error {
	var err error
	if l.classifier, err = template.New("classifier").Funcs(funcs).Parse(l.ClassifierUser); err != nil {
		return fmt.Errorf("classifier_user: %w", err)
	}
	if l.fallback, err = template.New("fallback").Funcs(funcs).Parse(l.FallbackUser); err != nil {
		return fmt.Errorf("fallback_user: %w", err)
	}
	return nil
}

// For returns the texts for locale, falling back to the default locale.
// Region suffixes are ignored, so "es-MX" resolves to "es".
func (s *Set) For(locale string) *Locale {
	locale = strings.ToLower(locale)
	if l, ok := s.locales[locale]; ok {
		return l
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		if l, ok := s.locales[locale[:i]]; ok {
			return l
		}
	}
	return s.locales[s.defaultLocale]
}

// DefaultLocale returns the name of the default locale.
func (s *Set) DefaultLocale() string {
	return s.defaultLocale
}

// ProvisionalFor returns the locale's provisional text for intent, then
// routeText, then the locale default.
func (l *Locale) ProvisionalFor(intent, routeText string) string {
	if t := l.Provisional[intent]; t != "" {
		return t
	}
	if routeText != "" {
		return routeText
	}
	return l.DefaultProvisional
}

// IsNoInfo reports whether an agent response is the "nothing found"
// sentinel. Matching is a case-insensitive substring test.
func (l *Locale) IsNoInfo(response string) bool {
	if l.NoInfoSentinel == "" {
		return false
	}
	return strings.Contains(strings.ToLower(response), strings.ToLower(l.NoInfoSentinel))
}

// ClassifierPrompt renders the classifier user prompt.
func (l *Locale) ClassifierPrompt(in ClassifierInput) (string, error) {
	return render(l.classifier, in)
}

// FallbackPrompt renders the general-knowledge user prompt.
func (l *Locale) FallbackPrompt(in FallbackInput) (string, error) {
	return render(l.fallback, in)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
