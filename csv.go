package lblcsv

// CSV annotation rows (image_path,x1,y1,x2,y2,class_name), the input format of csv based object
// detection training pipelines.

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sensorable/lblcsv/internal/logging"
)

const csvFieldsPerRow = 6

// CSVRow is a single annotation row. A row with an empty ClassName marks an image without
// objects; its coordinates are written as empty fields.
type CSVRow struct {
	ImagePath      string
	X1, Y1, X2, Y2 int
	ClassName      string
}

// IsEmpty reports whether the row marks an image without objects.
func (r CSVRow) IsEmpty() bool {
	return r.ClassName == ""
}

// record formats the row as CSV fields.
func (r CSVRow) record() []string {
	if r.IsEmpty() {
		return []string{r.ImagePath, "", "", "", "", ""}
	}
	return []string{
		r.ImagePath,
		strconv.Itoa(r.X1),
		strconv.Itoa(r.Y1),
		strconv.Itoa(r.X2),
		strconv.Itoa(r.Y2),
		r.ClassName,
	}
}

// ToCSV converts the intermediate representation to CSV rows, one per annotation. Coordinates are
// rounded to the nearest pixel.
//
// Unlabelled annotations cannot be written and are skipped. Files without (labelled) annotations
// produce a single empty row unless dropEmpty is set.
func ToCSV(data []AnnotatedFile, dropEmpty bool) []CSVRow {
	rows := make([]CSVRow, 0, len(data))
	for _, f := range data {
		numRows := len(rows)
		for _, a := range f.Annotations {
			label := a.Label
			if label == "" {
				logging.S().Warnf("Skipping unlabelled object in %q", f.FilePath)
				continue
			}
			rows = append(rows, CSVRow{
				ImagePath: f.FilePath,
				X1:        int(math.Round(a.Coords[0])),
				Y1:        int(math.Round(a.Coords[1])),
				X2:        int(math.Round(a.Coords[2])),
				Y2:        int(math.Round(a.Coords[3])),
				ClassName: label,
			})
		}
		if len(rows) == numRows && !dropEmpty {
			rows = append(rows, CSVRow{ImagePath: f.FilePath})
		}
	}
	return rows
}

// EncodeCSV writes the rows to w, without a header.
func EncodeCSV(w io.Writer, rows []CSVRow) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes the rows to the file at path, creating parent directories as needed.
func WriteCSV(path string, rows []CSVRow) (err error) {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer closeWithErrCheck(f, &err)

	if err := EncodeCSV(f, rows); err != nil {
		return fmt.Errorf("cannot write file %q: %w", path, err)
	}
	return nil
}

// parseCSVRecord converts the fields of one CSV record to a row.
func parseCSVRecord(rec []string) (CSVRow, error) {
	r := CSVRow{ImagePath: rec[0], ClassName: strings.TrimSpace(rec[5])}
	if r.ImagePath == "" {
		return CSVRow{}, fmt.Errorf("missing image path")
	}

	coords := rec[1:5]
	allEmpty := true
	for _, c := range coords {
		if strings.TrimSpace(c) != "" {
			allEmpty = false
			break
		}
	}
	if allEmpty && r.IsEmpty() {
		return r, nil
	}
	if r.IsEmpty() {
		return CSVRow{}, fmt.Errorf("missing class name")
	}

	dst := [4]*int{&r.X1, &r.Y1, &r.X2, &r.Y2}
	for i, c := range coords {
		v, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil {
			return CSVRow{}, fmt.Errorf("invalid coordinate %q", c)
		}
		*dst[i] = v
	}
	return r, nil
}

// DecodeCSV reads annotation rows from r.
func DecodeCSV(r io.Reader) ([]CSVRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = csvFieldsPerRow

	var rows []CSVRow
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row, err := parseCSVRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadCSV reads annotation rows from the file at path.
func ReadCSV(path string) (rows []CSVRow, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	defer closeWithErrCheck(f, &err)

	rows, err = DecodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV input from %q: %w", path, err)
	}
	return rows, nil
}

// FromCSVRows groups rows by image path into the intermediate representation. Files appear in the
// order of their first row.
func FromCSVRows(rows []CSVRow) []AnnotatedFile {
	index := make(map[string]int)
	data := make([]AnnotatedFile, 0)
	for _, r := range rows {
		i, ok := index[r.ImagePath]
		if !ok {
			i = len(data)
			index[r.ImagePath] = i
			data = append(data, AnnotatedFile{FilePath: r.ImagePath})
		}
		if r.IsEmpty() {
			continue
		}
		data[i].Annotations = append(data[i].Annotations, Annotation{
			Coords: [4]float64{float64(r.X1), float64(r.Y1), float64(r.X2), float64(r.Y2)},
			Label:  r.ClassName,
		})
	}
	return data
}

// FromCSV reads the CSV file at path into the intermediate representation.
func FromCSV(path string) ([]AnnotatedFile, error) {
	rows, err := ReadCSV(path)
	if err != nil {
		return nil, err
	}
	logging.S().Infof("Parsing CSV labels for %d rows", len(rows))
	return FromCSVRows(rows), nil
}
