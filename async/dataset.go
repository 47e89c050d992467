package async

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Sample is one labeled example. Features are laid out row-major in the
// dataset's sample shape.
type Sample struct {
	Features []float32
	Label    int32
}

// Dataset is an immutable in-memory collection of samples sharing one shape.
type Dataset struct {
	shape   []int
	size    int
	samples []Sample
	classes int
}

// NewDataset validates samples against shape. The number of classes is one
// more than the largest label.
func NewDataset(shape []int, samples []Sample) (*Dataset, error) {
	if len(shape) == 0 {
		return nil, errors.New("sample shape cannot be empty")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("invalid sample dimension %d at index %d", d, i)
		}
		size *= d
	}
	if len(samples) == 0 {
		return nil, errors.New("dataset has no samples")
	}

	classes := 0
	for i, s := range samples {
		if len(s.Features) != size {
			return nil, errors.Errorf("sample %d has %d features, expected %d", i, len(s.Features), size)
		}
		if s.Label < 0 {
			return nil, errors.Errorf("sample %d has negative label %d", i, s.Label)
		}
		if int(s.Label)+1 > classes {
			classes = int(s.Label) + 1
		}
	}

	return &Dataset{
		shape:   append([]int(nil), shape...),
		size:    size,
		samples: samples,
		classes: classes,
	}, nil
}

func (d *Dataset) Len() int         { return len(d.samples) }
func (d *Dataset) NumClasses() int  { return d.classes }
func (d *Dataset) SampleSize() int  { return d.size }
func (d *Dataset) Shape() []int     { return append([]int(nil), d.shape...) }
func (d *Dataset) Get(i int) Sample { return d.samples[i] }

// Split partitions the dataset after a seeded shuffle. The first part holds
// round(frac*Len) samples; both parts must be non-empty.
func (d *Dataset) Split(frac float64, seed int64) (*Dataset, *Dataset, error) {
	if frac <= 0 || frac >= 1 {
		return nil, nil, errors.Errorf("split fraction must be in (0, 1), got %g", frac)
	}
	n := int(math.Round(frac * float64(len(d.samples))))
	if n == 0 || n == len(d.samples) {
		return nil, nil, errors.Errorf("split of %d samples at %g leaves an empty part", len(d.samples), frac)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(len(d.samples))
	first := make([]Sample, 0, n)
	second := make([]Sample, 0, len(d.samples)-n)
	for i, idx := range perm {
		if i < n {
			first = append(first, d.samples[idx])
		} else {
			second = append(second, d.samples[idx])
		}
	}

	a, err := NewDataset(d.shape, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := NewDataset(d.shape, second)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// ReadCSV reads one sample per record: the integer label followed by the
// features. A nil shape treats each sample as a flat feature vector.
// Lines starting with '#' are skipped.
func ReadCSV(r io.Reader, shape []int) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var samples []Sample
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv")
		}
		if len(record) < 2 {
			return nil, errors.Errorf("record %d: need a label and at least one feature", line)
		}

		label, err := strconv.ParseInt(record[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d: label", line)
		}
		features := make([]float32, len(record)-1)
		for i, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d: feature %d", line, i)
			}
			features[i] = float32(v)
		}
		samples = append(samples, Sample{Features: features, Label: int32(label)})
	}

	if shape == nil && len(samples) > 0 {
		shape = []int{len(samples[0].Features)}
	}
	return NewDataset(shape, samples)
}

// LoadCSV opens path and reads it with ReadCSV.
func LoadCSV(path string, shape []int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()

	ds, err := ReadCSV(f, shape)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return ds, nil
}

// Blobs generates a separable dataset of Gaussian clusters, one per class,
// with per-class centers drawn in [-2, 2].
func Blobs(samples, features, classes int, spread float64, seed int64) (*Dataset, error) {
	if samples <= 0 || features <= 0 || classes <= 0 {
		return nil, errors.Errorf("blobs need positive sizes, got samples=%d features=%d classes=%d",
			samples, features, classes)
	}
	rng := rand.New(rand.NewSource(seed))

	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, features)
		for f := range centers[c] {
			centers[c][f] = rng.Float64()*4 - 2
		}
	}

	out := make([]Sample, samples)
	for i := range out {
		label := i % classes
		x := make([]float32, features)
		for f := range x {
			x[f] = float32(centers[label][f] + rng.NormFloat64()*spread)
		}
		out[i] = Sample{Features: x, Label: int32(label)}
	}
	return NewDataset([]int{features}, out)
}
