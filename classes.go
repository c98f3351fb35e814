package lblcsv

// Class lists (class_name,id), the companion file of the CSV annotations.

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// ClassList holds distinct class names. The index of a name is its class ID.
type ClassList []string

// ID returns the class ID of name.
func (c ClassList) ID(name string) (int, bool) {
	i := slices.Index(c, name)
	return i, i >= 0
}

// Extend returns c with the names of other that are not yet in c appended, keeping existing IDs.
func (c ClassList) Extend(other ClassList) ClassList {
	for _, name := range other {
		if !slices.Contains(c, name) {
			c = append(c, name)
		}
	}
	return c
}

// Sorted returns a sorted copy of c.
func (c ClassList) Sorted() ClassList {
	sorted := slices.Clone(c)
	slices.Sort(sorted)
	return sorted
}

// ClassesFromRows returns the distinct class names of rows in the order of their first
// appearance, or sorted if sorted is set. Empty rows are ignored.
func ClassesFromRows(rows []CSVRow, sorted bool) ClassList {
	seen := make(map[string]struct{})
	classes := make(ClassList, 0)
	for _, r := range rows {
		if r.IsEmpty() {
			continue
		}
		if _, ok := seen[r.ClassName]; ok {
			continue
		}
		seen[r.ClassName] = struct{}{}
		classes = append(classes, r.ClassName)
	}

	if sorted {
		slices.Sort(classes)
	}
	return classes
}

// ClassesFromCSV derives the class list from the annotation CSV file at path.
func ClassesFromCSV(path string, sorted bool) (ClassList, error) {
	rows, err := ReadCSV(path)
	if err != nil {
		return nil, err
	}
	return ClassesFromRows(rows, sorted), nil
}

// EncodeClassList writes one class_name,id record per class to w.
func EncodeClassList(w io.Writer, classes ClassList) error {
	cw := csv.NewWriter(w)
	for id, name := range classes {
		if err := cw.Write([]string{name, strconv.Itoa(id)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteClassList writes the class list to the file at path.
func WriteClassList(path string, classes ClassList) (err error) {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer closeWithErrCheck(f, &err)

	if err := EncodeClassList(f, classes); err != nil {
		return fmt.Errorf("cannot write file %q: %w", path, err)
	}
	return nil
}

// DecodeClassList reads a class list from r. IDs must cover 0..n-1 exactly once, in any order.
func DecodeClassList(r io.Reader) (ClassList, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2

	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	classes := make(ClassList, len(records))
	for _, rec := range records {
		name := strings.TrimSpace(rec[0])
		id, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil || id < 0 || id >= len(records) {
			return nil, fmt.Errorf("invalid class ID %q for %q", rec[1], name)
		}
		if name == "" {
			return nil, fmt.Errorf("empty class name for ID %d", id)
		}
		if classes[id] != "" {
			return nil, fmt.Errorf("duplicate class ID %d", id)
		}
		if _, dup := classes.ID(name); dup {
			return nil, fmt.Errorf("duplicate class name %q", name)
		}
		classes[id] = name
	}
	return classes, nil
}

// ReadClassList reads the class list file at path.
func ReadClassList(path string) (classes ClassList, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	defer closeWithErrCheck(f, &err)

	classes, err = DecodeClassList(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse class list from %q: %w", path, err)
	}
	return classes, nil
}
