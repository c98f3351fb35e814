package lblcsv

// TFRecord object detection specific functionality.

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
	"github.com/sensorable/lblcsv/internal/logging"
	"go.uber.org/zap"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures converts the intermediate representation for a single file to the TFRecord object
// detection features. Class IDs are the class list index plus one, as zero is reserved for the
// background class.
func toTFFeatures(fileData AnnotatedFile, classes ClassList) (TFFeatureMap, error) {
	img, format, err := decodeImageConfig(fileData.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %w", err)
	}

	imgData, err := os.ReadFile(fileData.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %w", err)
	}

	f := make(TFFeatureMap, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = fileData.FilePath
	f["image/source_id"] = fileData.FilePath
	f["image/encoded"] = imgData
	f["image/format"] = format

	numLabels := len(fileData.Annotations)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	texts := make([]string, numLabels)
	labels := make([]int64, numLabels)
	difficult := make([]int64, numLabels)
	truncated := make([]int64, numLabels)
	for i, a := range fileData.Annotations {
		xmins[i] = float32(a.Coords[0]) / float32(img.Width)
		ymins[i] = float32(a.Coords[1]) / float32(img.Height)
		xmaxs[i] = float32(a.Coords[2]) / float32(img.Width)
		ymaxs[i] = float32(a.Coords[3]) / float32(img.Height)
		texts[i] = a.Label

		id, ok := classes.ID(a.Label)
		if !ok {
			return nil, fmt.Errorf("label %q is not in the class list", a.Label)
		}
		labels[i] = int64(id + 1)

		if a.isDifficult() {
			difficult[i] = 1
		}
		if v, _ := a.Attributes[Truncated].(bool); v {
			truncated[i] = 1
		}
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = texts
	f["image/object/class/label"] = labels
	f["image/object/difficult"] = difficult
	f["image/object/truncated"] = truncated

	return f, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write for the annotation data
// to one or more TFRecord files stored under recordFilePath (with suffixes added when numShards>1).
//
// Every label must be part of classes. If labelMapPath is not empty, the label map for classes is
// written there in prototxt format.
func WriteTFRecord(recordFilePath, labelMapPath string, data []AnnotatedFile, classes ClassList,
	numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()
	shardSize := int(math.Ceil(float64(len(data)) / float64(numShards)))
	shardIdx := -1
	written := 0

	for i, fileData := range data {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++

			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return err
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := createFile(shardPath)
			if err != nil {
				return fmt.Errorf("failed to create shard at %q: %w", shardPath, err)
			}
			shardFile = f
		}

		features, err := toTFFeatures(fileData, classes)
		if err != nil {
			return fmt.Errorf("failed to convert %q: %w", fileData.FilePath, err)
		}

		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			return fmt.Errorf("failed to write example for %q: %w", fileData.FilePath, err)
		}
		written++
	}

	logging.L().Info("TFRecord examples written",
		zap.Int("examples", written), zap.Int("shards", shardIdx+1))

	if labelMapPath == "" {
		return nil
	}
	return WriteTFLabelMap(labelMapPath, classes)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// EncodeTFLabelMap writes classes as a StringIntLabelMap in prototxt format. IDs start at 1.
func EncodeTFLabelMap(w io.Writer, classes ClassList) error {
	for i, name := range classes {
		_, err := fmt.Fprintf(w, "item {\n  id: %d\n  name: %q\n}\n", i+1, name)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteTFLabelMap writes the label map for classes to path.
func WriteTFLabelMap(path string, classes ClassList) (err error) {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("failed to create the label map file %q: %w", path, err)
	}
	defer closeWithErrCheck(f, &err)

	if err := EncodeTFLabelMap(f, classes); err != nil {
		return fmt.Errorf("failed to write the label map %q: %w", path, err)
	}
	return nil
}

// labelMapToken is a prototxt token. Quoted strings are stored unquoted with quoted set.
type labelMapToken struct {
	text   string
	quoted bool
}

// is reports whether t is the unquoted token s.
func (t labelMapToken) is(s string) bool {
	return !t.quoted && t.text == s
}

// tokenizeLabelMap splits prototxt into names, values, quoted strings and the punctuation tokens
// "{", "}" and ":". Comments are dropped.
func tokenizeLabelMap(r io.Reader) ([]labelMapToken, error) {
	var tokens []labelMapToken
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		for i := 0; i < len(line); {
			c := line[i]
			switch {
			case c == ' ' || c == '\t' || c == '\r':
				i++
			case c == '#':
				i = len(line)
			case c == '{' || c == '}' || c == ':':
				tokens = append(tokens, labelMapToken{text: string(c)})
				i++
			case c == '"' || c == '\'':
				j := i + 1
				for ; j < len(line) && line[j] != c; j++ {
					if line[j] == '\\' {
						j++
					}
				}
				if j >= len(line) {
					return nil, fmt.Errorf("unterminated string in %q", line)
				}
				v := line[i : j+1]
				if c == '"' {
					unquoted, err := strconv.Unquote(v)
					if err != nil {
						return nil, fmt.Errorf("invalid string %s", v)
					}
					v = unquoted
				} else {
					v = v[1 : len(v)-1]
				}
				tokens = append(tokens, labelMapToken{text: v, quoted: true})
				i = j + 1
			default:
				j := i
				for ; j < len(line) && !strings.ContainsRune(" \t\r#{}:\"'", rune(line[j])); j++ {
				}
				tokens = append(tokens, labelMapToken{text: line[i:j]})
				i = j
			}
		}
	}
	return tokens, scanner.Err()
}

// DecodeTFLabelMap reads a StringIntLabelMap in prototxt format and returns it as a class list.
// Items may span several lines or share one; fields other than id and name are ignored. IDs must
// be in 1..n without gaps.
func DecodeTFLabelMap(r io.Reader) (ClassList, error) {
	tokens, err := tokenizeLabelMap(r)
	if err != nil {
		return nil, err
	}

	type item struct {
		id   int
		name string
	}
	var items []item

	for pos := 0; pos < len(tokens); {
		if !tokens[pos].is("item") {
			return nil, fmt.Errorf("unexpected %q outside of an item", tokens[pos].text)
		}
		pos++
		if pos < len(tokens) && tokens[pos].is(":") {
			pos++
		}
		if pos >= len(tokens) || !tokens[pos].is("{") {
			return nil, fmt.Errorf("missing { after item")
		}
		pos++

		var it item
		depth := 0
		for ; pos < len(tokens) && (depth > 0 || !tokens[pos].is("}")); pos++ {
			switch {
			case tokens[pos].is("{"):
				depth++
				continue
			case tokens[pos].is("}"):
				depth--
				continue
			}
			if depth > 0 || pos+2 >= len(tokens) || !tokens[pos+1].is(":") || tokens[pos+2].is("{") {
				continue
			}
			value := tokens[pos+2].text
			switch {
			case tokens[pos].is("id"):
				id, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid id %q", value)
				}
				it.id = id
			case tokens[pos].is("name"):
				it.name = value
			}
			pos += 2
		}
		if pos >= len(tokens) {
			return nil, fmt.Errorf("unterminated item")
		}
		pos++
		items = append(items, it)
	}

	classes := make(ClassList, len(items))
	for _, it := range items {
		if it.id < 1 || it.id > len(items) || it.name == "" || classes[it.id-1] != "" {
			return nil, fmt.Errorf("invalid entry: %s: %d", it.name, it.id)
		}
		classes[it.id-1] = it.name
	}
	return classes, nil
}

// ReadTFLabelMap reads the label map at path. If the file does not exist, os.IsNotExist returns
// true for the error.
func ReadTFLabelMap(path string) (classes ClassList, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer closeWithErrCheck(f, &err)

	return DecodeTFLabelMap(f)
}
