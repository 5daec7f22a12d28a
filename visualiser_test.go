package refine_test

import (
	"bytes"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/memstore"
)

func TestMermaidDiagram(t *testing.T) {
	b := refine.NewBuilder("humanize")
	b.AddStage(refine.TransformStage("para-phraser", func(text string, level refine.Level) string { return text }))
	b.AddParallelGroup("scoring",
		refine.ScoreSequence("detector", 10),
		refine.ScoreSequence("similarity", 1),
	)
	o := b.Build(memstore.New())

	var buf bytes.Buffer
	err := refine.MermaidDiagram(o, &buf, refine.UnknownDirection)
	jtest.RequireNil(t, err)

	out := buf.String()
	require.Contains(t, out, "flowchart LR")
	require.Contains(t, out, `stage_para_phraser["para-phraser"]`)
	require.Contains(t, out, `subgraph group_scoring ["scoring"]`)
	require.Contains(t, out, `stage_detector["detector"]`)
	require.Contains(t, out, "document-->stage_para_phraser")
	require.Contains(t, out, "stage_para_phraser-->group_scoring")
	require.Contains(t, out, "group_scoring-->gate")
	require.Contains(t, out, "gate-->|CONTINUE|document")
	require.Contains(t, out, `gate-->SUCCEEDED(["SUCCEEDED"])`)
	require.Contains(t, out, `gate-->MAX_ITERATIONS_REACHED(["MAX_ITERATIONS_REACHED"])`)
	require.NotContains(t, out, "RUNNING")
}
