package trigger

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"text/template"
)

type Mode string

const (
	ModeExtended Mode = "extended"
	ModeMinimal  Mode = "minimal"
)

const (
	DefaultExtendedTemplate = `<del>{{.LastTriggered}}</del> 0 seconds without posting Shorts<br>{{if .FirstTriggerToday}}This is the first time you've posted Shorts in the past day!{{else}}You've posted Shorts {{.TriggerTodayCount}} times in the past day!{{end}}`
	DefaultMinimalTemplate  = `<del>{{.LastTriggered}}</del> 0 seconds`
)

// templateData is the value passed to notification templates.
type templateData struct {
	LastTriggered     int64
	FirstTriggerToday bool
	TriggerTodayCount int
}

// Renderer formats trigger notifications from a parsed template.
type Renderer struct {
	mode Mode
	tmpl *template.Template
}

// NewRenderer parses text (or the mode's default when text is empty) and
// renders it once against sample data so broken templates fail here rather
// than on the first notification.
func NewRenderer(mode Mode, text string) (*Renderer, error) {
	switch mode {
	case "":
		mode = ModeExtended
	case ModeExtended, ModeMinimal:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidTemplate, mode)
	}
	if strings.TrimSpace(text) == "" {
		text = DefaultExtendedTemplate
		if mode == ModeMinimal {
			text = DefaultMinimalTemplate
		}
	}
	tmpl, err := template.New("notify").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	r := &Renderer{mode: mode, tmpl: tmpl}
	if _, err := r.Render(1, 2, false); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) Mode() Mode { return r.mode }

// Render produces the HTML notification body.
// In minimal mode the count and first-today inputs are ignored.
func (r *Renderer) Render(elapsedSeconds int64, occurrenceCount int, firstToday bool) (string, error) {
	if r.mode == ModeMinimal {
		occurrenceCount, firstToday = 1, true
	}
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, templateData{
		LastTriggered:     elapsedSeconds,
		FirstTriggerToday: firstToday,
		TriggerTodayCount: occurrenceCount,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return buf.String(), nil
}

var (
	brTag  = regexp.MustCompile(`(?i)<br\s*/?>`)
	anyTag = regexp.MustCompile(`<[^>]*>`)
)

// PlainText derives a plain body from an HTML body for clients that ignore formatting.
func PlainText(body string) string {
	s := brTag.ReplaceAllString(body, "\n")
	s = anyTag.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
