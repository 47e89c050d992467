package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Point is one scalar observation.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// TextEntry is one recorded AddText call.
type TextEntry struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
	Step int    `json:"step"`
}

// Recorder keeps every metric in memory. It is safe for concurrent use.
type Recorder struct {
	mu        sync.RWMutex
	modelName string
	scalars   map[string]map[string][]Point // tag -> key -> points
	texts     []TextEntry
	flushes   int
}

// NewRecorder creates an empty recorder; modelName titles the plots it produces.
func NewRecorder(modelName string) *Recorder {
	return &Recorder{
		modelName: modelName,
		scalars:   make(map[string]map[string][]Point),
	}
}

func (r *Recorder) AddScalars(tag string, values map[string]float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	series, ok := r.scalars[tag]
	if !ok {
		series = make(map[string][]Point)
		r.scalars[tag] = series
	}
	for k, v := range values {
		series[k] = append(series[k], Point{Step: step, Value: v})
	}
	return nil
}

func (r *Recorder) AddText(tag, text string, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, TextEntry{Tag: tag, Text: text, Step: step})
	return nil
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

// Flushes counts calls to Flush.
func (r *Recorder) Flushes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flushes
}

// Series returns a copy of the points recorded for tag and key.
func (r *Recorder) Series(tag, key string) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Point(nil), r.scalars[tag][key]...)
}

// Latest returns the most recent point for tag and key.
func (r *Recorder) Latest(tag, key string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	points := r.scalars[tag][key]
	if len(points) == 0 {
		return Point{}, false
	}
	return points[len(points)-1], true
}

// Tags lists the scalar tags in sorted order.
func (r *Recorder) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.scalars))
	for tag := range r.scalars {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (r *Recorder) Texts() []TextEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TextEntry(nil), r.texts...)
}

// Clear resets all collected data
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars = make(map[string]map[string][]Point)
	r.texts = nil
	r.flushes = 0
}

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
	LossCurves     PlotType = "loss_curves"
	AccuracyCurves PlotType = "accuracy_curves"
)

// PlotData is the JSON document accepted by the plotting collector
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

type DataPoint struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

var seriesColors = []string{"#FF6B6B", "#4ECDC4", "#FF9F43", "#5F27CD", "#10AC84", "#EE5253"}

// Plot builds a line chart of the given tags, one series per tag and key.
// Validation series are drawn dashed.
func (r *Recorder) Plot(plotType PlotType, yLabel string, tags ...string) PlotData {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var series []SeriesData
	for _, tag := range tags {
		byKey := r.scalars[tag]
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			style := map[string]interface{}{
				"color":      seriesColors[len(series)%len(seriesColors)],
				"line_width": 2,
			}
			if key == "val" {
				style["line_style"] = "dashed"
			}
			s := SeriesData{
				Name:  fmt.Sprintf("%s/%s", tag, key),
				Type:  "line",
				Data:  make([]DataPoint, len(byKey[key])),
				Style: style,
			}
			for i, p := range byKey[key] {
				s.Data[i] = DataPoint{X: p.Step, Y: p.Value}
			}
			series = append(series, s)
		}
	}

	return PlotData{
		PlotType:  plotType,
		Title:     fmt.Sprintf("%s - %s", plotTitle(plotType), r.modelName),
		Timestamp: time.Now(),
		ModelName: r.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// TrainingCurvesPlot returns the loss curve and the accuracy curves as
// separate plots.
func (r *Recorder) TrainingCurvesPlot() []PlotData {
	return []PlotData{
		r.Plot(LossCurves, "Loss", "loss"),
		r.Plot(AccuracyCurves, "Accuracy (%)", "top1", "top5"),
	}
}

func plotTitle(t PlotType) string {
	switch t {
	case LossCurves:
		return "Loss"
	case AccuracyCurves:
		return "Accuracy"
	default:
		return "Training Curves"
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal plot data")
	}
	return string(data), nil
}
