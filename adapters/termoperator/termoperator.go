package termoperator

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/luno/refine"
)

// Operator answers injection pauses with an interactive terminal form.
type Operator struct {
	in         io.Reader
	out        io.Writer
	accessible bool
	prompt     func(ctx context.Context, p refine.Pause) (refine.Decision, error)
}

type Option func(o *Operator)

func WithInput(r io.Reader) Option {
	return func(o *Operator) {
		o.in = r
	}
}

func WithOutput(w io.Writer) Option {
	return func(o *Operator) {
		o.out = w
	}
}

// WithAccessible renders the form as plain prompts, which suits screen readers and non-TTY input.
func WithAccessible() Option {
	return func(o *Operator) {
		o.accessible = true
	}
}

func New(opts ...Option) *Operator {
	o := &Operator{}
	for _, opt := range opts {
		opt(o)
	}

	o.prompt = o.form
	return o
}

var _ refine.Operator = (*Operator)(nil)

// Decide shows the pause and blocks until the operator answers. Interrupting the form aborts the workflow.
func (o *Operator) Decide(ctx context.Context, p refine.Pause) (refine.Decision, error) {
	d, err := o.prompt(ctx, p)
	if stderrors.Is(err, huh.ErrUserAborted) {
		return refine.Decision{Action: refine.ActionAbort}, nil
	} else if err != nil {
		return refine.Decision{}, err
	}

	return d, nil
}

func (o *Operator) form(ctx context.Context, p refine.Pause) (refine.Decision, error) {
	var (
		action = refine.ActionProvide.String()
		text   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(Title(p)).
				Description(Describe(p)),
			huh.NewSelect[string]().
				Title("What would you like to do?").
				Options(
					huh.NewOption("Provide text for this point", refine.ActionProvide.String()),
					huh.NewOption("Skip this point", refine.ActionSkip.String()),
					huh.NewOption("Skip all remaining points", refine.ActionSkipAll.String()),
					huh.NewOption("Abort the workflow", refine.ActionAbort.String()),
				).
				Value(&action),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Text to insert").
				Description(p.Point.Guidance).
				Value(&text),
		).WithHideFunc(func() bool {
			return action != refine.ActionProvide.String()
		}),
	).WithAccessible(o.accessible)

	if o.in != nil {
		form = form.WithInput(o.in)
	}

	if o.out != nil {
		form = form.WithOutput(o.out)
	}

	err := form.RunWithContext(ctx)
	if err != nil {
		return refine.Decision{}, err
	}

	return ParseDecision(action, text), nil
}

// Title returns the heading shown for a pause.
func Title(p refine.Pause) string {
	return fmt.Sprintf("Injection point %d of %d: %s (priority %d)",
		p.Index+1, p.Total, p.Point.Section, p.Point.Priority)
}

// Describe renders the text around the injection point and its guidance.
func Describe(p refine.Pause) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow %s, iteration %d\n\n", p.WorkflowID, p.Iteration)

	if p.Point.ContextBefore != "" {
		sb.WriteString(p.Point.ContextBefore)
		sb.WriteString("\n")
	}

	sb.WriteString(">>> your text goes here <<<\n")

	if p.Point.ContextAfter != "" {
		sb.WriteString(p.Point.ContextAfter)
		sb.WriteString("\n")
	}

	if p.Point.Guidance != "" {
		sb.WriteString("\n")
		sb.WriteString(p.Point.Guidance)
	}

	return sb.String()
}

// ParseDecision maps a selected action name and entered text to a Decision. Providing blank text counts as a skip.
func ParseDecision(action, text string) refine.Decision {
	switch action {
	case refine.ActionProvide.String():
		text = strings.TrimSpace(text)
		if text == "" {
			return refine.Decision{Action: refine.ActionSkip}
		}

		return refine.Decision{Action: refine.ActionProvide, Text: text}
	case refine.ActionSkipAll.String():
		return refine.Decision{Action: refine.ActionSkipAll}
	case refine.ActionAbort.String():
		return refine.Decision{Action: refine.ActionAbort}
	default:
		return refine.Decision{Action: refine.ActionSkip}
	}
}
