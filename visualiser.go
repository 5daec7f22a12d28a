package refine

import (
	"io"
	"strings"
	"text/template"
)

// MermaidDiagram writes a mermaid flowchart of the pipeline of o to w: the stages in the order they run,
// parallel groups as subgraphs, and the quality gate deciding between another iteration and a terminal status.
func MermaidDiagram(o *Orchestrator, w io.Writer, d MermaidDirection) error {
	if d == UnknownDirection {
		d = LeftToRightDirection
	}

	mf := MermaidFormat{
		Direction: d,
	}

	prev := mermaidInput
	for _, step := range o.steps {
		if step.group == "" {
			node := MermaidNode{ID: mermaidID("stage", step.stages[0].stage.Name()), Name: step.stages[0].stage.Name()}
			mf.Stages = append(mf.Stages, node)
			mf.Transitions = append(mf.Transitions, MermaidTransition{From: prev, To: node.ID})
			prev = node.ID
			continue
		}

		g := MermaidGroup{ID: mermaidID("group", step.group), Name: step.group}
		for _, ps := range step.stages {
			g.Stages = append(g.Stages, MermaidNode{ID: mermaidID("stage", ps.stage.Name()), Name: ps.stage.Name()})
		}

		mf.Groups = append(mf.Groups, g)
		mf.Transitions = append(mf.Transitions, MermaidTransition{From: prev, To: g.ID})
		prev = g.ID
	}

	mf.Transitions = append(mf.Transitions,
		MermaidTransition{From: prev, To: mermaidGate},
		MermaidTransition{From: mermaidGate, To: mermaidInput, Label: VerdictContinue.String()},
	)

	for s := StatusRunning + 1; s < statusSentinel; s++ {
		mf.TerminalPoints = append(mf.TerminalPoints, s.String())
	}

	return template.Must(template.New("").Parse("```" + mermaidTemplate + "```\n")).Execute(w, mf)
}

type MermaidFormat struct {
	Direction      MermaidDirection
	Stages         []MermaidNode
	Groups         []MermaidGroup
	Transitions    []MermaidTransition
	TerminalPoints []string
}

type MermaidDirection string

const (
	UnknownDirection     MermaidDirection = ""
	TopToBottomDirection MermaidDirection = "TB"
	LeftToRightDirection MermaidDirection = "LR"
	RightToLeftDirection MermaidDirection = "RL"
	BottomToTopDirection MermaidDirection = "BT"
)

type MermaidNode struct {
	ID   string
	Name string
}

type MermaidGroup struct {
	ID     string
	Name   string
	Stages []MermaidNode
}

type MermaidTransition struct {
	From  string
	To    string
	Label string
}

const (
	mermaidInput = "document"
	mermaidGate  = "gate"
)

// mermaidID turns a stage or group name into an identifier mermaid accepts.
func mermaidID(kind, name string) string {
	var sb strings.Builder
	sb.WriteString(kind)
	sb.WriteString("_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}

	return sb.String()
}

var mermaidTemplate = `mermaid
flowchart {{.Direction}}
	document(["document"])
	gate{"quality gate"}
	{{- range $key, $value := .Stages }}
	{{$value.ID}}["{{$value.Name}}"]
	{{- end }}
	{{- range $key, $group := .Groups }}
	subgraph {{$group.ID}} ["{{$group.Name}}"]
	{{- range $k, $stage := $group.Stages }}
		{{$stage.ID}}["{{$stage.Name}}"]
	{{- end }}
	end
	{{- end }}
	{{range $key, $value := .Transitions }}
	{{$value.From}}-->{{if $value.Label}}|{{$value.Label}}|{{end}}{{$value.To}}
	{{- end }}
	{{range $key, $value := .TerminalPoints }}
	gate-->{{$value}}(["{{$value}}"])
	{{- end }}
`
