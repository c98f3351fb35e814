package lblcsv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// vocObjectXML formats a labelImg object element.
func vocObjectXML(name string, difficult int, xmin, ymin, xmax, ymax string) string {
	return fmt.Sprintf(`
	<object>
		<name>%s</name>
		<pose>Unspecified</pose>
		<truncated>0</truncated>
		<difficult>%d</difficult>
		<bndbox>
			<xmin>%s</xmin>
			<ymin>%s</ymin>
			<xmax>%s</xmax>
			<ymax>%s</ymax>
		</bndbox>
	</object>`, name, difficult, xmin, ymin, xmax, ymax)
}

// vocXML formats a labelImg annotation document.
func vocXML(filename, path string, objects ...string) string {
	return fmt.Sprintf(`<annotation>
	<folder>images</folder>
	<filename>%s</filename>
	<path>%s</path>
	<source>
		<database>Unknown</database>
	</source>
	<size>
		<width>640</width>
		<height>480</height>
		<depth>3</depth>
	</size>
	<segmented>0</segmented>%s
</annotation>
`, filename, path, strings.Join(objects, ""))
}

// writeTestFile writes content to dir/name and returns the path.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseVOC(t *testing.T) {
	doc := vocXML("cat_001.jpg", "/data/images/cat_001.jpg",
		vocObjectXML("cat", 0, "48", "240", "195", "371"))

	v, err := ParseVOC(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseVOC failed: %v", err)
	}

	if v.Filename != "cat_001.jpg" {
		t.Errorf("Expected filename %q, got %q", "cat_001.jpg", v.Filename)
	}
	if v.Path != "/data/images/cat_001.jpg" {
		t.Errorf("Expected path %q, got %q", "/data/images/cat_001.jpg", v.Path)
	}
	if v.Size.Width != "640" || v.Size.Height != "480" {
		t.Errorf("Unexpected size %+v", v.Size)
	}
	if len(v.Objects) != 1 {
		t.Fatalf("Expected 1 object, got %d", len(v.Objects))
	}
	o := v.Objects[0]
	if o.Name != "cat" || o.BndBox.XMin != "48" || o.BndBox.YMax != "371" {
		t.Errorf("Unexpected object %+v", o)
	}
}

func TestParseVOCInvalid(t *testing.T) {
	inputs := []string{
		"",
		"<annotation><filename>a.jpg</filename>",
		"<notvoc></notvoc>",
	}
	for _, in := range inputs {
		if _, err := ParseVOC(strings.NewReader(in)); err == nil {
			t.Errorf("ParseVOC(%q) expected an error", in)
		}
	}
}

func TestParseVOCCoord(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{"123", 123, false},
		{" 45\n", 45, false},
		{"123.7", 123, false},
		{"0", 0, false},
		{"-3", -3, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12px", 0, true},
		{"NaN", 0, true},
	}

	for _, tt := range tests {
		result, err := parseVOCCoord(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseVOCCoord(%q) error = %v, expected error %v", tt.input, err, tt.wantErr)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseVOCCoord(%q) = %v, expected %v", tt.input, result, tt.expected)
		}
	}
}

func TestFromVOC(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "b.xml", vocXML("b.jpg", "/data/b.jpg",
		vocObjectXML("dog", 1, "10", "20", "30.9", "40"),
		vocObjectXML("cat", 0, "1", "2", "3", "4")))
	writeTestFile(t, dir, "a.xml", vocXML("a.jpg", "/data/a.jpg",
		vocObjectXML("cat", 0, "48", "240", "195", "371")))
	writeTestFile(t, dir, "notes.txt", "not an annotation")
	if err := os.Mkdir(filepath.Join(dir, "sub.xml"), 0755); err != nil {
		t.Fatal(err)
	}

	data, err := FromVOC(dir, VOCOptions{})
	if err != nil {
		t.Fatalf("FromVOC failed: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(data))
	}

	a, b := data[0], data[1]
	if a.FilePath != "/data/a.jpg" || b.FilePath != "/data/b.jpg" {
		t.Errorf("Expected files in name order, got %q, %q", a.FilePath, b.FilePath)
	}
	if a.Width != 640 || a.Height != 480 {
		t.Errorf("Expected size 640x480, got %dx%d", a.Width, a.Height)
	}
	if len(b.Annotations) != 2 {
		t.Fatalf("Expected 2 annotations, got %d", len(b.Annotations))
	}

	dog := b.Annotations[0]
	if dog.Label != "dog" || dog.Coords != [4]float64{10, 20, 30, 40} {
		t.Errorf("Unexpected annotation %+v", dog)
	}
	if !dog.isDifficult() {
		t.Error("Expected the dog annotation to be difficult")
	}
	if dog.Attributes[Pose] != "Unspecified" {
		t.Errorf("Expected pose %q, got %v", "Unspecified", dog.Attributes[Pose])
	}
	if b.Annotations[1].isDifficult() {
		t.Error("Expected the cat annotation not to be difficult")
	}
}

func TestFromVOCOptions(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.xml", vocXML("a.jpg", "C:/labelling/a.jpg",
		vocObjectXML("cat", 0, "1", "2", "3", "4"),
		vocObjectXML("dog", 0, "5", "6", "7", "8")))

	data, err := FromVOC(dir, VOCOptions{ImageDir: "/images", FirstObjectOnly: true})
	if err != nil {
		t.Fatalf("FromVOC failed: %v", err)
	}
	if len(data) != 1 || len(data[0].Annotations) != 1 {
		t.Fatalf("Expected one file with one annotation, got %+v", data)
	}
	if data[0].Annotations[0].Label != "cat" {
		t.Errorf("Expected the first object, got %q", data[0].Annotations[0].Label)
	}
	if expected := filepath.Join("/images", "a.jpg"); data[0].FilePath != expected {
		t.Errorf("Expected path %q, got %q", expected, data[0].FilePath)
	}
}

func TestFromVOCPathFallback(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.xml", vocXML("a.jpg", ""))

	data, err := FromVOC(dir, VOCOptions{})
	if err != nil {
		t.Fatalf("FromVOC failed: %v", err)
	}
	if expected := filepath.Join(dir, "a.jpg"); data[0].FilePath != expected {
		t.Errorf("Expected path %q, got %q", expected, data[0].FilePath)
	}
	if len(data[0].Annotations) != 0 {
		t.Errorf("Expected no annotations, got %d", len(data[0].Annotations))
	}
}

func TestFromVOCErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		if _, err := FromVOC(filepath.Join(t.TempDir(), "missing"), VOCOptions{}); err == nil {
			t.Error("Expected an error for a missing directory")
		}
	})

	t.Run("malformed xml", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFile(t, dir, "a.xml", vocXML("a.jpg", "/a.jpg"))
		writeTestFile(t, dir, "b.xml", "<annotation><object>")

		_, err := FromVOC(dir, VOCOptions{})
		if err == nil || !strings.Contains(err.Error(), "b.xml") {
			t.Errorf("Expected an error naming b.xml, got %v", err)
		}
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFile(t, dir, "a.xml", vocXML("a.jpg", "/a.jpg",
			vocObjectXML("cat", 0, "1", "", "3", "4")))

		_, err := FromVOC(dir, VOCOptions{})
		if err == nil || !strings.Contains(err.Error(), "ymin") {
			t.Errorf("Expected an error naming ymin, got %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFile(t, dir, "a.xml", vocXML("a.jpg", "/a.jpg",
			vocObjectXML("cat", 0, "1", "2", "3", "4")))
		writeTestFile(t, dir, "b.xml", vocXML("b.jpg", "/b.jpg",
			vocObjectXML(" ", 0, "1", "2", "3", "4")))

		_, err := FromVOC(dir, VOCOptions{})
		if err == nil || !strings.Contains(err.Error(), "b.xml") {
			t.Errorf("Expected an error naming b.xml, got %v", err)
		}
	})
}
