package lblcsv

// The intermediate annotation metadata representation.

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sensorable/lblcsv/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Keys for known annotation attributes.
const (
	CropCoords = "CropCoords" // Absolute coords (x1,y1)(x2,y2) in the source image. Type string.
	Difficult  = "Difficult"  // The object is hard to recognise. Type bool.
	Pose       = "Pose"       // Free text viewpoint, e.g. "Frontal". Type string.
	Truncated  = "Truncated"  // The object extends beyond the image. Type bool.
)

// Annotation is the intermediate representation of an object label.
type Annotation struct {
	Attributes map[string]interface{} // Additional attributes of this annotation.
	Coords     [4]float64             // Absolute x1, y1, x2, y2 offsets from the top-left corner.
	Label      string
}

// Width is the object width from a.Coords.
func (a Annotation) Width() float64 {
	return a.Coords[2] - a.Coords[0]
}

// Height is the object height from a.Coords.
func (a Annotation) Height() float64 {
	return a.Coords[3] - a.Coords[1]
}

// isDifficult reports whether the Difficult attribute is set.
func (a Annotation) isDifficult() bool {
	v, _ := a.Attributes[Difficult].(bool)
	return v
}

// AnnotatedFile is the intermediate representation of file metadata.
type AnnotatedFile struct {
	Annotations []Annotation // The annotations.
	FilePath    string       // The annotated file.
	Width       int          // Image width in pixels, zero if unknown.
	Height      int          // Image height in pixels, zero if unknown.
}

// scaleCoords scales all Annotations.Coords by the given scale factors.
func (f *AnnotatedFile) scaleCoords(width, height float64) {
	for i := range f.Annotations {
		for j := 0; j < 4; j++ {
			if j&1 == 0 {
				f.Annotations[i].Coords[j] *= width
			} else {
				f.Annotations[i].Coords[j] *= height
			}
		}
	}
}

// cropObjectsFromImage returns a crop of img for each annotation with a bounding box that is at
// least partially contained in img.
//
// In addition it returns an []AnnotatedFile, one for each cropped image. The file paths are
// derived from f.FilePath, with a "_xx" suffix appended before the file extension, where xx is the
// index in f.Annotations.
func (f *AnnotatedFile) cropObjectsFromImage(img image.Image) ([]image.Image, []AnnotatedFile) {
	crops := make([]image.Image, 0, len(f.Annotations))
	annotatedFiles := make([]AnnotatedFile, 0, len(f.Annotations))
	bounds := img.Bounds()

	for i, a := range f.Annotations {
		// Clip the bounding box to the image bounds.
		r := image.Rect(int(math.Round(a.Coords[0])), int(math.Round(a.Coords[1])),
			int(math.Round(a.Coords[2])), int(math.Round(a.Coords[3])))
		r = r.Intersect(bounds)
		if r.Empty() {
			continue
		}

		attrs := make(map[string]interface{}, 1+len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		attrs[CropCoords] = fmt.Sprintf("(%d,%d)(%d,%d)", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)

		ext := filepath.Ext(f.FilePath)
		path := fmt.Sprintf("%s_%02d%s", f.FilePath[0:len(f.FilePath)-len(ext)], i, ext)

		// The crop is labelled with a bounding box covering the entire area.
		annotatedFiles = append(annotatedFiles, AnnotatedFile{
			Annotations: []Annotation{
				{
					Attributes: attrs,
					Coords:     [4]float64{0, 0, float64(r.Dx()), float64(r.Dy())},
					Label:      a.Label,
				},
			},
			FilePath: path,
			Width:    r.Dx(),
			Height:   r.Dy(),
		})
		crops = append(crops, imaging.Crop(img, r))
	}

	return crops, annotatedFiles
}

// AnnotatedFiles is the annotation metadata for a list of files.
type AnnotatedFiles []AnnotatedFile

// NumAnnotations is the total number of annotations over all files.
func (data AnnotatedFiles) NumAnnotations() int {
	n := 0
	for _, f := range data {
		n += len(f.Annotations)
	}
	return n
}

// MapLabels replaces label (sub-)strings with substitution values, as specified in mappings.
//
// The format of mappings is old=new.
func (data *AnnotatedFiles) MapLabels(mappings []string) error {
	if len(mappings) == 0 {
		return nil
	}

	replacements := make([]struct{ old, new string }, len(mappings))
	for i, v := range mappings {
		a := strings.Split(v, "=")
		if len(a) != 2 || a[0] == "" {
			return fmt.Errorf("invalid mapping: %q", v)
		}

		replacements[i].old = a[0]
		replacements[i].new = a[1]
	}

	// Apply the replacements, in order, to all labels.
	count := 0
	for _, f := range *data {
		for i := range f.Annotations {
			a := &f.Annotations[i]

			oldLabel := a.Label
			for _, r := range replacements {
				a.Label = strings.ReplaceAll(a.Label, r.old, r.new)
			}

			if a.Label != oldLabel {
				count++
			}
		}
	}

	logging.L().Info("label mappings applied", zap.Int("changed", count))
	return nil
}

// TransformBboxes transforms bounding boxes.
//
// First bboxes are scaled about their centre by the horizontal and vertical scale factors scaleX
// and scaleY.
//
// Next, the bounding box is grown (never shrunk) to match the desired aspect ratio. An aspectRatio
// of zero disables this transformation.
func (data *AnnotatedFiles) TransformBboxes(scaleX, scaleY, aspectRatio float64) {
	for _, f := range *data {
		for i := range f.Annotations {
			a := &f.Annotations[i]

			if scaleX != 1 || scaleY != 1 {
				w := a.Width()
				h := a.Height()
				dx := (w*scaleX - w) * 0.5
				dy := (h*scaleY - h) * 0.5

				a.Coords[0] -= dx
				a.Coords[1] -= dy
				a.Coords[2] += dx
				a.Coords[3] += dy
			}

			if aspectRatio > 0 {
				// Works even if one of width or height is zero.
				w := a.Width()
				h := a.Height()
				var ratio float64
				if h != 0 {
					ratio = w / h
				} else {
					ratio = math.MaxFloat64
				}

				if ratio < aspectRatio {
					dx := (h*aspectRatio - w) * 0.5
					a.Coords[0] -= dx
					a.Coords[2] += dx
				} else if ratio > aspectRatio {
					dy := (w/aspectRatio - h) * 0.5
					a.Coords[1] -= dy
					a.Coords[3] += dy
				}
			}
		}
	}
}

// ClipToImage clips bounding boxes to the image area for all files with a known image size.
// Boxes which end up empty are removed.
func (data *AnnotatedFiles) ClipToImage() {
	clipped := 0
	for fi := range *data {
		f := &(*data)[fi]
		if f.Width <= 0 || f.Height <= 0 {
			continue
		}
		w, h := float64(f.Width), float64(f.Height)

		kept := f.Annotations[:0]
		for _, a := range f.Annotations {
			old := a.Coords
			a.Coords[0] = math.Max(0, math.Min(a.Coords[0], w))
			a.Coords[1] = math.Max(0, math.Min(a.Coords[1], h))
			a.Coords[2] = math.Max(0, math.Min(a.Coords[2], w))
			a.Coords[3] = math.Max(0, math.Min(a.Coords[3], h))
			if a.Coords != old {
				clipped++
			}
			if a.Width() <= 0 || a.Height() <= 0 {
				continue
			}
			kept = append(kept, a)
		}
		f.Annotations = kept
	}

	logging.L().Info("bounding boxes clipped", zap.Int("clipped", clipped))
}

// FilterOptions selects the annotations and files kept by Filter. Zero values disable the
// respective filter.
type FilterOptions struct {
	Labels         []string // Labels to keep, empty keeps all.
	MinBboxWidth   float64
	MinBboxHeight  float64
	MinAspectRatio float64 // Min. width/height.
	MaxAspectRatio float64 // Max. width/height.
	SkipDifficult  bool    // Drop annotations with the Difficult attribute set.
	RequireLabel   bool    // Drop files with no annotations left.
}

// Filter removes annotations and files that do not match opts. The order of the remaining
// annotations and files is preserved.
//
// The aspect ratio of width/height must be in [MinAspectRatio, MaxAspectRatio], except that a
// min/max value of zero disables the respective filter.
func (data *AnnotatedFiles) Filter(opts FilterOptions) {
	keep := func(a Annotation) bool {
		if opts.SkipDifficult && a.isDifficult() {
			return false
		}

		width := a.Width()
		height := a.Height()
		if opts.MinBboxWidth > width || opts.MinBboxHeight > height {
			return false
		}

		if opts.MinAspectRatio != 0 || opts.MaxAspectRatio != 0 {
			if height == 0 {
				return false
			}
			ratio := width / height
			if (opts.MinAspectRatio != 0 && ratio < opts.MinAspectRatio) ||
				(opts.MaxAspectRatio != 0 && ratio > opts.MaxAspectRatio) {
				return false
			}
		}

		return len(opts.Labels) == 0 || slices.Contains(opts.Labels, a.Label)
	}

	numFiles := len(*data)
	numLabelsBefore := data.NumAnnotations()

	files := (*data)[:0]
	for _, f := range *data {
		annotations := f.Annotations[:0]
		for _, a := range f.Annotations {
			if keep(a) {
				annotations = append(annotations, a)
			}
		}
		f.Annotations = annotations

		if opts.RequireLabel && len(f.Annotations) == 0 {
			continue
		}
		files = append(files, f)
	}
	*data = files

	logging.S().Infof("Filtered out %d labels and %d files",
		numLabelsBefore-data.NumAnnotations(), numFiles-len(*data))
}

// ImageOptions configures ProcessImages.
type ImageOptions struct {
	OutDir             string // The directory the processed images are written to.
	LongerSide         int    // Target length of the longer side, zero keeps the aspect ratio.
	ShorterSide        int    // Target length of the shorter side, zero keeps the aspect ratio.
	DownsamplingFilter string // One of nearest, box, linear, gaussian, lanczos.
	UpsamplingFilter   string
	Encoding           string // jpg or png.
	JPEGQuality        int
	CropObjects        bool // Output one image per object instead of the whole image.
}

// resampleFilter maps a filter name to the imaging filter.
func resampleFilter(name string) (imaging.ResampleFilter, error) {
	switch name {
	case "nearest":
		return imaging.NearestNeighbor, nil
	case "box":
		return imaging.Box, nil
	case "linear":
		return imaging.Linear, nil
	case "gaussian":
		return imaging.Gaussian, nil
	case "lanczos":
		return imaging.Lanczos, nil
	}
	return imaging.ResampleFilter{}, fmt.Errorf("unknown resampling filter %q", name)
}

// ProcessImages resizes all referenced images and writes them to opts.OutDir using the specified
// encoding. File paths and coordinates are updated to match the written images.
//
// If opts.CropObjects is true, individual objects as per the labels are cropped from the images.
// The crops are resized instead of the original images in this case, and 0 or more cropped images
// replace each original AnnotatedFile.
func (data *AnnotatedFiles) ProcessImages(opts ImageOptions) error {
	doResize := opts.LongerSide > 0 || opts.ShorterSide > 0
	if !doResize && !opts.CropObjects {
		return nil
	}
	if opts.OutDir == "" {
		return fmt.Errorf("missing image output directory")
	}
	logging.L().Info("processing images", zap.Int("files", len(*data)))

	downsample, err := resampleFilter(opts.DownsamplingFilter)
	if err != nil {
		return err
	}
	upsample, err := resampleFilter(opts.UpsamplingFilter)
	if err != nil {
		return err
	}

	var fileExt string
	switch strings.ToLower(opts.Encoding) {
	case "jpg", "jpeg":
		fileExt = ".jpg"
	case "png":
		fileExt = ".png"
	default:
		return fmt.Errorf("unsupported output encoding %q", opts.Encoding)
	}

	p := imageProcessor{
		outDir:      opts.OutDir,
		fileExt:     fileExt,
		longerSide:  opts.LongerSide,
		shorterSide: opts.ShorterSide,
		downsample:  downsample,
		upsample:    upsample,
		jpegQuality: opts.JPEGQuality,
		crop:        opts.CropObjects,
		resize:      doResize,
	}

	// Limit the number of goroutines in flight, as they load potentially large images into memory.
	numTasks := 2 * runtime.NumCPU()
	if len(*data) < numTasks {
		numTasks = len(*data)
	}
	workQueue := make(chan int, 2*numTasks)

	// Crops are collected per source index so the output order matches the input order.
	crops := make([][]AnnotatedFile, len(*data))

	errors := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				out, err := p.process(&(*data)[idx])
				if err != nil {
					select {
					case errors <- err:
					default:
					}
					continue
				}
				crops[idx] = out
			}
		}()
	}

	for i := range *data {
		workQueue <- i
	}
	close(workQueue)
	wg.Wait()

	close(errors)
	if err := <-errors; err != nil {
		return err
	}

	if opts.CropObjects {
		cropped := make(AnnotatedFiles, 0, len(*data))
		for _, c := range crops {
			cropped = append(cropped, c...)
		}
		*data = cropped
	}

	return nil
}

// imageProcessor holds the resolved settings of ProcessImages.
type imageProcessor struct {
	outDir               string
	fileExt              string
	longerSide           int
	shorterSide          int
	downsample, upsample imaging.ResampleFilter
	jpegQuality          int
	crop, resize         bool
}

// process processes the image described by data. Without cropping data is updated in place,
// otherwise the metadata for the crops is returned.
func (p imageProcessor) process(data *AnnotatedFile) ([]AnnotatedFile, error) {
	img, err := loadImage(data.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %q: %w", data.FilePath, err)
	}

	var images []image.Image
	var imageData []*AnnotatedFile
	var crops []AnnotatedFile
	if p.crop {
		// The original image is not further processed in this case.
		images, crops = data.cropObjectsFromImage(img)
		imageData = make([]*AnnotatedFile, len(crops))
		for i := range crops {
			imageData[i] = &crops[i]
		}
	} else {
		images = []image.Image{img}
		imageData = []*AnnotatedFile{data}
	}

	for i, img := range images {
		d := imageData[i]

		var scaleWidth, scaleHeight float64
		if p.resize {
			img, scaleWidth, scaleHeight = resizeImage(img, p.longerSide, p.shorterSide,
				p.downsample, p.upsample)
		}

		_, baseNoExt, _, err := splitPath(d.FilePath)
		if err != nil {
			return nil, err
		}
		outPath := filepath.Join(p.outDir, baseNoExt+p.fileExt)
		if err := saveImage(outPath, img, p.jpegQuality); err != nil {
			return nil, fmt.Errorf("failed to save image %q: %w", outPath, err)
		}

		d.FilePath = outPath
		d.Width = img.Bounds().Dx()
		d.Height = img.Bounds().Dy()
		if p.resize {
			d.scaleCoords(scaleWidth, scaleHeight)
		}
	}

	return crops, nil
}

// Split randomly splits the data into multiple datasets.
//
// The cumulativeSplits specify the cumulative distribution according to which the data is split
// into the returned datasets. Its last value must be 100. A seed of zero seeds the random number
// generator from the current time.
func (data AnnotatedFiles) Split(cumulativeSplits []int, seed int64) ([]AnnotatedFiles, error) {
	datasets := make([]AnnotatedFiles, len(cumulativeSplits))

	// Allocate slightly more than the expected size for each dataset.
	var sum int
	for i, s := range cumulativeSplits {
		percent := s - sum
		if percent < 0 {
			return nil, fmt.Errorf("the split percentages are not cumulative")
		}
		datasets[i] = make(AnnotatedFiles, 0, int(1.05*float64(percent)/100*float64(len(data))))
		sum = s
	}
	if sum != 100 {
		return nil, fmt.Errorf("the split percentages do not add up to 100")
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

outer:
	for _, d := range data {
		r := rng.Intn(100)
		for i, s := range cumulativeSplits {
			if r < s {
				datasets[i] = append(datasets[i], d)
				continue outer
			}
		}
	}

	return datasets, nil
}
