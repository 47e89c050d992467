package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadClassNames reads one class name per line. A class's label is its
// line position among the non-blank lines.
func ReadClassNames(path string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	err := scanLines(path, func(lineNo int, fields []string) error {
		if len(fields) != 1 {
			return fmt.Errorf("%s:%d: expected one class name, got %d fields", path, lineNo, len(fields))
		}
		if seen[fields[0]] {
			return fmt.Errorf("%s:%d: duplicate class %q", path, lineNo, fields[0])
		}
		seen[fields[0]] = true
		names = append(names, fields[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no classes in %s", path)
	}
	return names, nil
}

// NewLabelFileDataset builds a dataset from a flat image directory and a
// labels file whose lines read "<image file> <class name>". Class names
// must appear in classNames, which fixes the label numbering.
func NewLabelFileDataset(root string, classNames []string, labelsPath string) (*ImageFolderDataset, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("labels file %s needs a class list", labelsPath)
	}

	dataset := &ImageFolderDataset{
		classNames: append([]string(nil), classNames...),
		classToIdx: make(map[string]int, len(classNames)),
	}
	for i, name := range classNames {
		dataset.classToIdx[name] = i
	}

	err := scanLines(labelsPath, func(lineNo int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("%s:%d: expected \"<image> <class>\", got %d fields", labelsPath, lineNo, len(fields))
		}
		idx, ok := dataset.classToIdx[fields[1]]
		if !ok {
			return fmt.Errorf("%s:%d: class %q is not a known class", labelsPath, lineNo, fields[1])
		}
		path := filepath.Join(root, fields[0])
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s:%d: %w", labelsPath, lineNo, err)
		}
		dataset.imagePaths = append(dataset.imagePaths, path)
		dataset.labels = append(dataset.labels, idx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images listed in %s", labelsPath)
	}
	return dataset, nil
}

// scanLines calls fn with the whitespace separated fields of every
// non-blank line.
func scanLines(path string, fn func(lineNo int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
