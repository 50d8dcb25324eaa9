package main

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"mocapctl/internal/telemetry"
)

// loopSeries holds one loop's terms against seconds since the recording
// started.
type loopSeries struct {
	Name string
	P    plotter.XYs
	I    plotter.XYs
	D    plotter.XYs
	SP   plotter.XYs
	Out  plotter.XYs
}

func (s *loopSeries) Len() int { return len(s.Out) }

func groupByLoop(recs []telemetry.Record, only map[string]bool) []*loopSeries {
	byName := map[string]*loopSeries{}
	for _, r := range recs {
		if len(only) > 0 && !only[r.Name] {
			continue
		}
		s, ok := byName[r.Name]
		if !ok {
			s = &loopSeries{Name: r.Name}
			byName[r.Name] = s
		}
		t := float64(r.AtNs) / 1e9
		s.P = append(s.P, plotter.XY{X: t, Y: r.Data.P})
		s.I = append(s.I, plotter.XY{X: t, Y: r.Data.I})
		s.D = append(s.D, plotter.XY{X: t, Y: r.Data.D})
		s.SP = append(s.SP, plotter.XY{X: t, Y: r.Data.SP})
		s.Out = append(s.Out, plotter.XY{X: t, Y: r.Data.OUT})
	}

	out := make([]*loopSeries, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var termColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
	color.RGBA{R: 0, G: 0, B: 0, A: 255},
}

func renderLoop(s *loopSeries, session, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s loop (%s)", s.Name, session)
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "term"
	p.Add(plotter.NewGrid())

	for i, term := range []struct {
		label string
		xys   plotter.XYs
	}{
		{"P", s.P}, {"I", s.I}, {"D", s.D}, {"SP", s.SP}, {"OUT", s.Out},
	} {
		line, err := plotter.NewLine(term.xys)
		if err != nil {
			return fmt.Errorf("%s %s: %w", s.Name, term.label, err)
		}
		line.Color = termColors[i%len(termColors)]
		line.Width = vg.Points(1)
		if term.label == "SP" {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(term.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// plotRecording writes one PNG per loop into outDir and returns the paths.
func plotRecording(in, outDir string, only map[string]bool) ([]string, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr, recs, err := telemetry.ReadRecording(f)
	if err != nil {
		return nil, err
	}
	loops := groupByLoop(recs, only)
	if len(loops) == 0 {
		return nil, fmt.Errorf("no samples in %s", in)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(loops))
	for _, s := range loops {
		path := filepath.Join(outDir, fmt.Sprintf("pid_%s.png", s.Name))
		if err := renderLoop(s, hdr.Session, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
