package stream

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
)

// Thermal palette, cold to hot.
var ironbow = []string{"#00000a", "#1f0c48", "#550f6d", "#88226a", "#a83655", "#cb4d3e", "#e3692a", "#f1901c", "#f8b91f", "#fbe46d", "#fffbe0"}

// parseStride reads the stride query parameter. Every stride-th row and
// column is drawn.
func parseStride(r *http.Request) (int, error) {
	stride := 2
	if v := r.URL.Query().Get("stride"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 8 {
			return 0, fmt.Errorf("stride must be 1..8, got %q", v)
		}
		stride = parsed
	}
	return stride, nil
}

// handleFrameChart renders the last frame as a coloured scatter, one point
// per sampled pixel, with row 0 at the top.
func (s *Streamer) handleFrameChart(w http.ResponseWriter, r *http.Request) {
	stride, err := parseStride(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var f framebuf.Frame
	if !s.LatestFrame(&f) {
		http.Error(w, "no frame delivered yet", http.StatusNotFound)
		return
	}

	points := make([]opts.ScatterData, 0, (vospi.Height/stride+1)*(vospi.Width/stride+1))
	values := make([]float64, 0, cap(points))
	for row := 0; row < vospi.Height; row += stride {
		for col := 0; col < vospi.Width; col += stride {
			v := f.Pixels[row*vospi.Width+col]
			points = append(points, opts.ScatterData{Value: []interface{}{col, vospi.Height - 1 - row, v}})
			values = append(values, float64(v))
		}
	}
	mean, std := stat.MeanStdDev(values, nil)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lepton Frame", Theme: "dark", Width: "960px", Height: "760px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Frame %d", f.Seq),
			Subtitle: fmt.Sprintf("min=%d max=%d mean=%.1f sd=%.1f stride=%d", f.Min, f.Max, mean, std, stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: vospi.Width, Name: "column", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: vospi.Height, Name: "row (flipped)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(f.Min),
			Max:        float32(f.Max),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: ironbow},
		}),
	)
	scatter.AddSeries("pixels", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4 * float32(stride)}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render frame chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// frameGrid adapts a frame to plotter.GridXYZ. Rows are flipped so the
// image reads top to bottom.
type frameGrid struct{ f *framebuf.Frame }

func (g frameGrid) Dims() (c, r int)   { return vospi.Width, vospi.Height }
func (g frameGrid) X(c int) float64    { return float64(c) }
func (g frameGrid) Y(r int) float64    { return float64(r) }
func (g frameGrid) Z(c, r int) float64 { return float64(g.f.Pixels[(vospi.Height-1-r)*vospi.Width+c]) }

// handleFramePNG renders the last frame at full resolution as a PNG.
func (s *Streamer) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	var f framebuf.Frame
	if !s.LatestFrame(&f) {
		http.Error(w, "no frame delivered yet", http.StatusNotFound)
		return
	}

	hm := plotter.NewHeatMap(frameGrid{&f}, palette.Heat(64, 1))
	hm.Min, hm.Max = float64(f.Min), float64(f.Max)
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %d (min %d, max %d)", f.Seq, f.Min, f.Max)
	p.X.Label.Text = "column"
	p.Y.Label.Text = "row (flipped)"
	p.Add(hm)

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to render frame: %v", err), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode frame: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
