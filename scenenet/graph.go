package scene

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/awalterschulze/gographviz"
)

// stage is one box of the architecture diagram.
type stage struct {
	ID     string
	Name   string
	Shape  string
	Params int
	Notes  string
}

// ToDot draws the architecture of an initialized model: one node per component, with its
// output shape and the number of parameters whose names start with the component's prefix.
func (d *Model) ToDot() (string, error) {
	if d.g == nil {
		return "", fmt.Errorf("model is not initialized")
	}
	B, S, gs, A := d.BatchSize, d.ImageSize, d.GlimpseSize, d.grid.Len()
	M := B * A

	count := func(prefix string) int {
		var n int
		for _, p := range d.Params() {
			if strings.HasPrefix(p.Name(), prefix) {
				n += p.Shape().TotalSize()
			}
		}
		return n
	}

	stages := []stage{
		{ID: "images", Name: "Images", Shape: fmt.Sprintf("(%d, 3, %d, %d)", B, S, S)},
		{ID: "backbone", Name: "Backbone", Shape: fmt.Sprintf("(%d, %d, %d)", B, A, d.provider.FeatureSize()), Params: count(backbonePrefix),
			Notes: fmt.Sprintf("%d stages, maps %v, fine tune %t", d.stages(), d.FeatureMaps, d.FineTune)},
		{ID: "presence", Name: "Presence", Shape: fmt.Sprintf("(%d, %d)", B, A), Params: count("presence"), Notes: d.Mode.String()},
		{ID: "where", Name: "Where", Shape: fmt.Sprintf("(%d, %d)", M, d.WhereSize), Params: count("where_") + count("depth_")},
		{ID: "extract", Name: "Extract", Shape: fmt.Sprintf("(%d, 3, %d, %d)", M, gs, gs)},
		{ID: "what", Name: "What", Shape: fmt.Sprintf("(%d, %d)", M, d.WhatSize), Params: count("what_")},
		{ID: "decoder", Name: "Decoder", Shape: fmt.Sprintf("(%d, 4, %d, %d)", M, gs, gs), Params: count("decoder_")},
		{ID: "background", Name: "Background", Shape: fmt.Sprintf("(%d, 3, %d, %d)", B, S, S), Params: count("background_"), Notes: d.Background},
		{ID: "compositor", Name: "Compositor", Shape: fmt.Sprintf("(%d, 3, %d, %d)", B, S, S)},
		{ID: "elbo", Name: "ELBO", Shape: "()", Notes: d.Likelihood},
	}
	edges := [][2]string{
		{"images", "backbone"},
		{"backbone", "presence"},
		{"backbone", "where"},
		{"images", "extract"},
		{"where", "extract"},
		{"extract", "what"},
		{"what", "decoder"},
		{"decoder", "compositor"},
		{"presence", "compositor"},
		{"where", "compositor"},
		{"background", "compositor"},
		{"compositor", "elbo"},
		{"images", "elbo"},
		{"presence", "elbo"},
		{"where", "elbo"},
		{"what", "elbo"},
	}
	if d.Background == InferredBackground {
		edges = append(edges, [2]string{"backbone", "background"}, [2]string{"background", "elbo"})
	}

	g := gographviz.NewGraph()
	if err := g.SetName("G"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, s := range stages {
		if err := tmpl.Execute(&buf, s); err != nil {
			return "", err
		}
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "none",
			"label":    buf.String(),
		}
		if err := g.AddNode("G", s.ID, attrs); err != nil {
			return "", err
		}
		buf.Reset()
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1], true, nil); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}

const tmplRaw = `<
<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0">
<TR><TD COLSPAN="2"><B>{{.Name}}</B></TD></TR>
<TR><TD>Output</TD><TD>{{.Shape}}</TD></TR>
<TR><TD>Params</TD><TD>{{.Params}}</TD></TR>
{{if .Notes}}<TR><TD>Notes</TD><TD>{{.Notes}}</TD></TR>{{end}}
</TABLE>
>
`

var tmpl = template.Must(template.New("stage").Parse(tmplRaw))
