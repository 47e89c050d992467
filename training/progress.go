package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders PyTorch-style per-batch progress on a single line
type ProgressBar struct {
	out         io.Writer
	description string
	total       int // 0 when the number of batches is unknown
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		current:     0,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	elapsed := time.Since(pb.startTime)
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
	}

	var line string
	if pb.total > 0 {
		percentage := float64(pb.current) / float64(pb.total)
		if percentage > 1.0 {
			percentage = 1.0
		}
		filled := int(percentage * float64(pb.width))
		bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

		line = fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

		var eta time.Duration
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
		if pb.showETA && eta > 0 {
			line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
		} else {
			line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
		}
	} else {
		line = fmt.Sprintf("\r%s: %d [%s", pb.description, pb.current, formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.HasPrefix(key, "top") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
