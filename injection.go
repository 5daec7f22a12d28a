package refine

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	defaultContextChars = 300
	mainBodySection     = "main_body"
	referencesSection   = "references"
)

// Section is a structural span of the document as reported by a SectionDetector.
type Section struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// SectionDetector reports the structural sections of a document in document order.
type SectionDetector interface {
	Detect(text string) []Section
}

type headingPattern struct {
	name string
	re   *regexp.Regexp
}

var headingPatterns = []headingPattern{
	{name: "abstract", re: regexp.MustCompile(`(?im)^[ \t]*abstract[ \t]*$`)},
	{name: "introduction", re: regexp.MustCompile(`(?im)^[ \t]*(?:1\.|I\.)?[ \t]*introduction[ \t]*$`)},
	{name: "methods", re: regexp.MustCompile(`(?im)^[ \t]*(?:2\.|II\.)?[ \t]*(?:methods?|methodology|materials?[ \t]+and[ \t]+methods?)[ \t]*$`)},
	{name: "results", re: regexp.MustCompile(`(?im)^[ \t]*(?:3\.|III\.)?[ \t]*results?[ \t]*$`)},
	{name: "discussion", re: regexp.MustCompile(`(?im)^[ \t]*(?:4\.|IV\.)?[ \t]*discussion[ \t]*$`)},
	{name: "conclusion", re: regexp.MustCompile(`(?im)^[ \t]*(?:5\.|V\.)?[ \t]*conclusions?[ \t]*$`)},
	{name: referencesSection, re: regexp.MustCompile(`(?im)^[ \t]*(?:references|bibliography)[ \t]*$`)},
}

// HeadingDetector finds the conventional headings of an academic paper, each on a line of its own. A heading
// that occurs more than once gets a numeric suffix from its second occurrence on, for example "discussion_2".
type HeadingDetector struct{}

func (HeadingDetector) Detect(text string) []Section {
	type heading struct {
		name  string
		start int
	}

	var found []heading
	for _, p := range headingPatterns {
		for i, loc := range p.re.FindAllStringIndex(text, -1) {
			name := p.name
			if i > 0 {
				name += "_" + strconv.Itoa(i+1)
			}

			found = append(found, heading{name: name, start: loc[0]})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].start < found[j].start
	})

	sections := make([]Section, 0, len(found))
	for i, h := range found {
		end := len(text)
		if i+1 < len(found) {
			end = found[i+1].start
		}

		sections = append(sections, Section{Name: h.name, Start: h.start, End: end})
	}

	return sections
}

var basePriority = map[string]int{
	"results":       5,
	"discussion":    5,
	"introduction":  4,
	"conclusion":    3,
	mainBodySection: 3,
	"methods":       2,
	"abstract":      2,
}

var sectionGuidance = map[string]string{
	"introduction": "Review the Introduction. Provide domain-specific context or terminology clarifications, " +
		"suggestions to strengthen the novelty claims, and any factual corrections.",
	"results": "Review the Results. Provide alternative interpretations of the findings, statistical or " +
		"methodological nuances to highlight, and suggestions for clearer presentation.",
	"discussion": "Review the Discussion. Provide additional implications, limitations or caveats to " +
		"acknowledge, and connections to related work.",
	"conclusion": "Review the Conclusion. Provide future research directions, broader impact or practical " +
		"applications, and final thoughts on significance.",
}

const defaultGuidance = "Review the text around this point and provide any improvements, clarifications or additions."

// InjectionPoint is a candidate location for operator input.
type InjectionPoint struct {
	Section  string `json:"section"`
	Priority int    `json:"priority"`
	// Offset is the byte offset in the document where operator text is spliced in.
	Offset        int    `json:"offset"`
	ContextBefore string `json:"context_before"`
	ContextAfter  string `json:"context_after"`
	Guidance      string `json:"guidance"`
}

// InjectionPointManager identifies where an operator may contribute text and merges contributions back into
// the document.
type InjectionPointManager struct {
	detector     SectionDetector
	maxPoints    int
	highRisk     float64
	contextChars int
}

type InjectionOption func(m *InjectionPointManager)

// WithSectionDetector replaces the default HeadingDetector.
func WithSectionDetector(d SectionDetector) InjectionOption {
	return func(m *InjectionPointManager) {
		m.detector = d
	}
}

// WithContextChars sets how many characters of context are shown on each side of a point.
func WithContextChars(n int) InjectionOption {
	return func(m *InjectionPointManager) {
		m.contextChars = n
	}
}

func NewInjectionPointManager(opts ...InjectionOption) *InjectionPointManager {
	m := &InjectionPointManager{
		detector:     HeadingDetector{},
		maxPoints:    defaultMaxInjectionPoints,
		highRisk:     defaultHighRiskThreshold,
		contextChars: defaultContextChars,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Identify returns at most the default number of injection points for text, highest priority first with ties
// in document order.
func (m *InjectionPointManager) Identify(text string, scores ScoreSet) []InjectionPoint {
	return m.identify(text, scores, m.maxPoints, m.highRisk)
}

func (m *InjectionPointManager) identify(text string, scores ScoreSet, maxPoints int, highRisk float64) []InjectionPoint {
	if text == "" || maxPoints < 1 {
		return nil
	}

	sections := m.detector.Detect(text)
	var points []InjectionPoint
	for _, s := range sections {
		if baseName(s.Name) == referencesSection {
			continue
		}

		points = append(points, m.pointFor(text, s, scores, highRisk))
	}

	if len(points) == 0 {
		mid := len(text) / 2
		s := Section{Name: mainBodySection, Start: 0, End: len(text)}
		p := m.pointFor(text, s, scores, highRisk)
		p.Offset = paragraphEnd(text, mid, len(text))
		p.ContextBefore, p.ContextAfter = extractContext(text, p.Offset, m.contextChars)
		points = append(points, p)
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Priority != points[j].Priority {
			return points[i].Priority > points[j].Priority
		}

		return points[i].Offset < points[j].Offset
	})

	if len(points) > maxPoints {
		points = points[:maxPoints]
	}

	return points
}

func (m *InjectionPointManager) pointFor(text string, s Section, scores ScoreSet, highRisk float64) InjectionPoint {
	name := baseName(s.Name)

	priority, ok := basePriority[name]
	if !ok {
		priority = 1
	}

	local, ok := scores["section."+s.Name]
	if !ok {
		local, ok = scores.Primary()
	}

	if ok && local > highRisk {
		priority++
	}

	if len(text) > 0 {
		mid := float64(s.Start+s.End) / 2 / float64(len(text))
		if mid >= 0.3 && mid <= 0.7 {
			priority++
		}
	}

	if priority > 5 {
		priority = 5
	}

	offset := paragraphEnd(text, lineEnd(text, s.Start), s.End)
	before, after := extractContext(text, offset, m.contextChars)

	guidance, ok := sectionGuidance[name]
	if !ok {
		guidance = defaultGuidance
	}

	return InjectionPoint{
		Section:       s.Name,
		Priority:      priority,
		Offset:        offset,
		ContextBefore: before,
		ContextAfter:  after,
		Guidance:      guidance,
	}
}

// Integrate splices operatorText into text as its own paragraph at the point's offset. Operator text is not
// validated.
func (m *InjectionPointManager) Integrate(text string, point InjectionPoint, operatorText string) string {
	off := point.Offset
	if off < 0 {
		off = 0
	}

	if off > len(text) {
		off = len(text)
	}

	return text[:off] + injectionSeparator + operatorText + text[off:]
}

const injectionSeparator = "\n\n"

// insertedLen is how much Integrate grows the document by.
func insertedLen(operatorText string) int {
	return len(injectionSeparator) + len(operatorText)
}

func baseName(section string) string {
	i := strings.LastIndex(section, "_")
	if i < 0 {
		return section
	}

	if _, err := strconv.Atoi(section[i+1:]); err != nil {
		return section
	}

	return section[:i]
}

// lineEnd returns the offset of the end of the line containing from.
func lineEnd(text string, from int) int {
	if from >= len(text) {
		return len(text)
	}

	i := strings.IndexByte(text[from:], '\n')
	if i < 0 {
		return len(text)
	}

	return from + i
}

// paragraphEnd returns the end of the first non-empty paragraph starting at or after from, not beyond limit.
func paragraphEnd(text string, from, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}

	if from >= limit {
		return limit
	}

	body := text[from:limit]
	start := len(body) - len(strings.TrimLeft(body, " \t\r\n"))
	i := strings.Index(body[start:], "\n\n")
	if i < 0 {
		return from + len(strings.TrimRight(body, " \t\r\n"))
	}

	return from + start + i
}

// extractContext returns up to chars characters either side of offset.
func extractContext(text string, offset, chars int) (string, string) {
	start := offset
	for n := 0; n < chars && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}

	end := offset
	for n := 0; n < chars && end < len(text); n++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}

	before := strings.TrimSpace(text[start:offset])
	after := strings.TrimSpace(text[offset:end])
	if start > 0 {
		before = "..." + before
	}

	if end < len(text) {
		after += "..."
	}

	return before, after
}

// Action is an operator's answer to an injection pause.
type Action int

const (
	ActionUnknown Action = 0
	// ActionProvide integrates the decision's text at the point.
	ActionProvide Action = 1
	// ActionSkip declines this point only.
	ActionSkip Action = 2
	// ActionSkipAll declines this and every remaining point of the pause.
	ActionSkipAll Action = 3
	// ActionAbort ends the workflow as ABORTED.
	ActionAbort Action = 4
)

func (a Action) String() string {
	switch a {
	case ActionProvide:
		return "provide"
	case ActionSkip:
		return "skip"
	case ActionSkipAll:
		return "skip-all"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Pause is presented to the Operator for each injection point.
type Pause struct {
	WorkflowID string
	Iteration  int
	// Index is the zero based position of Point within the pause and Total the number of points.
	Index int
	Total int
	Point InjectionPoint
}

type Decision struct {
	Action Action
	Text   string
}

// Operator answers injection pauses. Decide blocks until the operator answers or ctx is done.
type Operator interface {
	Decide(ctx context.Context, p Pause) (Decision, error)
}

// ChannelOperator exposes pauses on a channel so that any front end can answer them with Respond.
type ChannelOperator struct {
	pauses    chan Pause
	decisions chan Decision
}

func NewChannelOperator() *ChannelOperator {
	return &ChannelOperator{
		pauses:    make(chan Pause),
		decisions: make(chan Decision),
	}
}

// Pauses delivers each pause awaiting a decision.
func (o *ChannelOperator) Pauses() <-chan Pause {
	return o.pauses
}

// Respond answers the pause most recently received from Pauses. It blocks until the orchestrator takes the
// decision or ctx is done.
func (o *ChannelOperator) Respond(ctx context.Context, d Decision) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case o.decisions <- d:
		return nil
	}
}

func (o *ChannelOperator) Decide(ctx context.Context, p Pause) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case o.pauses <- p:
	}

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case d := <-o.decisions:
		return d, nil
	}
}
