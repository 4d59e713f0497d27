package harvester

import (
	"context"
	"image"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/services/vision"
	"go.viam.com/rdk/utils"
)

// supervisorOptionsFromDeps resolves the camera and vision service named in
// cfg. Names left empty leave the matching option nil.
func supervisorOptionsFromDeps(deps resource.Dependencies, cfg *Config, logger logging.Logger) (SupervisorOptions, error) {
	var opts SupervisorOptions
	if cfg.Camera != "" {
		cam, err := camera.FromDependencies(deps, cfg.Camera)
		if err != nil {
			return opts, errors.Wrapf(err, "failed to get camera %q", cfg.Camera)
		}
		opts.Camera = newViamCamera(cam, cfg.Vision.MimeType)
		logger.Infof("Using camera %q", cfg.Camera)
	}
	if cfg.VisionService != "" {
		svc, err := vision.FromDependencies(deps, cfg.VisionService)
		if err != nil {
			return opts, errors.Wrapf(err, "failed to get vision service %q", cfg.VisionService)
		}
		opts.Classifier = &visionClassifier{svc: svc, cfg: cfg.Vision}
		if cfg.Vision.MMPerPixel > 0 {
			opts.Corrector = &visionCorrector{svc: svc, cfg: cfg.Vision}
		}
		logger.Infof("Using vision service %q", cfg.VisionService)
	}
	return opts, nil
}

// viamCamera adapts a camera component. The robot owns the component, so
// Open only checks that it answers and Close leaves it running.
type viamCamera struct {
	cam  camera.Camera
	mime string
}

func newViamCamera(cam camera.Camera, mime string) *viamCamera {
	return &viamCamera{cam: cam, mime: mime}
}

func (c *viamCamera) Open(ctx context.Context) error {
	if _, err := c.cam.Properties(ctx); err != nil {
		return errors.Wrapf(err, "camera %s not ready", c.cam.Name().ShortName())
	}
	return nil
}

func (c *viamCamera) Capture(ctx context.Context) (Frame, error) {
	data, meta, err := c.cam.Image(ctx, c.mime, nil)
	if err != nil {
		return Frame{}, err
	}
	if len(data) == 0 {
		return Frame{}, errors.Errorf("camera %s returned an empty image", c.cam.Name().ShortName())
	}
	mime := meta.MimeType
	if mime == "" {
		mime = c.mime
	}
	return Frame{Data: data, MimeType: mime}, nil
}

func (c *viamCamera) Close() error { return nil }

func decodeFrame(ctx context.Context, f Frame) (image.Image, error) {
	if len(f.Data) == 0 {
		return nil, errors.New("frame has no image data")
	}
	img, err := rimage.DecodeImage(ctx, f.Data, utils.WithLazyMIMEType(f.MimeType))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode frame")
	}
	return img, nil
}

// visionClassifier maps the top classification label onto a crop class.
type visionClassifier struct {
	svc vision.Service
	cfg VisionConfig
}

func (v *visionClassifier) Classify(ctx context.Context, f Frame) (CropClass, error) {
	img, err := decodeFrame(ctx, f)
	if err != nil {
		return CropNotReady, err
	}
	results, err := v.svc.Classifications(ctx, img, 1, nil)
	if err != nil {
		return CropNotReady, errors.Wrap(err, "classification failed")
	}
	if len(results) == 0 || results[0].Score() < v.cfg.MinConfidence {
		return CropNotReady, nil
	}
	label := results[0].Label()
	switch {
	case hasLabel(v.cfg.ReadyLabels, label):
		return CropReady, nil
	case hasLabel(v.cfg.EmptyLabels, label):
		return CropEmpty, nil
	default:
		return CropNotReady, nil
	}
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// visionCorrector measures how far the best detection sits from the image
// center on one axis and scales the pixel offset to mm.
type visionCorrector struct {
	svc vision.Service
	cfg VisionConfig
}

func (v *visionCorrector) Correct(ctx context.Context, axis Axis, f Frame) (float64, error) {
	img, err := decodeFrame(ctx, f)
	if err != nil {
		return 0, err
	}
	detections, err := v.svc.Detections(ctx, img, nil)
	if err != nil {
		return 0, errors.Wrap(err, "detection failed")
	}

	var box *image.Rectangle
	best := v.cfg.MinConfidence
	for _, d := range detections {
		if d.BoundingBox() == nil || d.Score() < best {
			continue
		}
		box, best = d.BoundingBox(), d.Score()
	}
	if box == nil {
		return 0, errors.New("no plant detected")
	}

	bounds := img.Bounds()
	if axis == AxisVertical {
		center := float64(bounds.Min.Y+bounds.Max.Y) / 2
		return (float64(box.Min.Y+box.Max.Y)/2 - center) * v.cfg.MMPerPixel, nil
	}
	center := float64(bounds.Min.X+bounds.Max.X) / 2
	return (float64(box.Min.X+box.Max.X)/2 - center) * v.cfg.MMPerPixel, nil
}
