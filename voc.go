package lblcsv

// Pascal VOC specific functionality, as written by the labelImg annotation tool.

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sensorable/lblcsv/internal/logging"
	"go.uber.org/zap"
)

// VOCBndBox is the bounding box of a VOC object. Values are kept as text; labelImg writes
// integers but other tools emit decimals.
type VOCBndBox struct {
	XMin string `xml:"xmin"`
	YMin string `xml:"ymin"`
	XMax string `xml:"xmax"`
	YMax string `xml:"ymax"`
}

// VOCObject is a single annotation within a VOC file.
type VOCObject struct {
	Name      string    `xml:"name"`
	Pose      string    `xml:"pose"`
	Truncated string    `xml:"truncated"`
	Difficult string    `xml:"difficult"`
	BndBox    VOCBndBox `xml:"bndbox"`
}

// VOCSize is the image size recorded in a VOC file.
type VOCSize struct {
	Width  string `xml:"width"`
	Height string `xml:"height"`
	Depth  string `xml:"depth"`
}

// VOCAnnotatedFile defines the VOC annotation structure for a single image.
type VOCAnnotatedFile struct {
	XMLName  xml.Name    `xml:"annotation"`
	Folder   string      `xml:"folder"`
	Filename string      `xml:"filename"`
	Path     string      `xml:"path"`
	Size     VOCSize     `xml:"size"`
	Objects  []VOCObject `xml:"object"`
}

// VOCOptions controls the conversion of VOC files to the intermediate representation.
type VOCOptions struct {
	// ImageDir, if set, replaces the directory of the image paths with ImageDir/<filename>.
	ImageDir string
	// FirstObjectOnly keeps only the first object of each file.
	FirstObjectOnly bool
}

// ParseVOC decodes a single VOC document from r.
func ParseVOC(r io.Reader) (VOCAnnotatedFile, error) {
	var v VOCAnnotatedFile
	dec := xml.NewDecoder(r)
	// labelImg writes UTF-8, but tolerate other declared charsets by passing the bytes through.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := dec.Decode(&v); err != nil {
		return VOCAnnotatedFile{}, err
	}
	return v, nil
}

// parseVOCFile reads and decodes the VOC file at path.
func parseVOCFile(path string) (VOCAnnotatedFile, error) {
	enc, err := os.ReadFile(path)
	if err != nil {
		return VOCAnnotatedFile{}, err
	}

	v, err := ParseVOC(bytes.NewReader(enc))
	if err != nil {
		return VOCAnnotatedFile{}, fmt.Errorf("failed to parse VOC input from %q: %w", path, err)
	}
	return v, nil
}

// parseVOCCoord parses a bounding box value. Fractional values are truncated towards zero.
func parseVOCCoord(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return math.Trunc(v), nil
}

// parseVOCInt parses an optional integer field, returning zero if it is empty or invalid.
func parseVOCInt(s string) int {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// parseVOCFlag parses the 0/1 truncated and difficult fields.
func parseVOCFlag(s string) bool {
	return parseVOCInt(s) != 0
}

// toAnnotation converts the VOC object to the intermediate representation.
func (o VOCObject) toAnnotation() (Annotation, error) {
	a := Annotation{Label: strings.TrimSpace(o.Name)}
	if a.Label == "" {
		return Annotation{}, fmt.Errorf("object without name")
	}

	values := [4]string{o.BndBox.XMin, o.BndBox.YMin, o.BndBox.XMax, o.BndBox.YMax}
	names := [4]string{"xmin", "ymin", "xmax", "ymax"}
	for i, s := range values {
		v, err := parseVOCCoord(s)
		if err != nil {
			return Annotation{}, fmt.Errorf("object %q: %s: %w", a.Label, names[i], err)
		}
		a.Coords[i] = v
	}

	a.Attributes = map[string]interface{}{
		Difficult: parseVOCFlag(o.Difficult),
		Truncated: parseVOCFlag(o.Truncated),
	}
	if pose := strings.TrimSpace(o.Pose); pose != "" {
		a.Attributes[Pose] = pose
	}

	return a, nil
}

// imagePath resolves the path of the annotated image. Preference is given to opts.ImageDir, then
// the recorded path, then the filename next to the label file.
func (v VOCAnnotatedFile) imagePath(labelPath string, opts VOCOptions) string {
	filename := strings.TrimSpace(v.Filename)
	path := strings.TrimSpace(v.Path)

	if opts.ImageDir != "" {
		if filename == "" {
			filename = filepath.Base(path)
		}
		return filepath.Join(opts.ImageDir, filename)
	}
	if path != "" {
		return path
	}
	return filepath.Join(filepath.Dir(labelPath), filename)
}

// toAnnotatedFile converts the VOC file data to the intermediate representation.
func (v VOCAnnotatedFile) toAnnotatedFile(labelPath string, opts VOCOptions) (AnnotatedFile, error) {
	objects := v.Objects
	if opts.FirstObjectOnly && len(objects) > 1 {
		objects = objects[:1]
	}

	fileData := AnnotatedFile{
		Annotations: make([]Annotation, 0, len(objects)),
		FilePath:    v.imagePath(labelPath, opts),
		Width:       parseVOCInt(v.Size.Width),
		Height:      parseVOCInt(v.Size.Height),
	}
	for _, o := range objects {
		a, err := o.toAnnotation()
		if err != nil {
			return AnnotatedFile{}, err
		}
		fileData.Annotations = append(fileData.Annotations, a)
	}

	return fileData, nil
}

// FromVOC reads and parses all VOC annotation files (*.xml) found directly in labelDir, in file
// name order.
//
// The first file that fails to parse aborts the conversion.
func FromVOC(labelDir string, opts VOCOptions) ([]AnnotatedFile, error) {
	labelFiles, err := filesByExtInDir(labelDir, ".xml")
	if err != nil {
		return nil, err
	}
	logging.S().Infof("Parsing VOC labels for %d files", len(labelFiles))

	data := make([]AnnotatedFile, 0, len(labelFiles))
	for _, path := range labelFiles {
		v, err := parseVOCFile(path)
		if err != nil {
			return nil, err
		}

		fileData, err := v.toAnnotatedFile(path, opts)
		if err != nil {
			return nil, fmt.Errorf("invalid annotation in %q: %w", path, err)
		}
		if len(v.Objects) == 0 {
			logging.L().Warn("no objects in annotation file", zap.String("path", path))
		}

		data = append(data, fileData)
	}

	return data, nil
}
