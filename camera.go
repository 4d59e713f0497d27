package harvester

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Frame is one captured image.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	MimeType string
	At       time.Time
}

// Camera is the device behind a CameraHandle.
type Camera interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// CameraHandle shares one camera between owners. The device is opened on the
// first Acquire and closed when the last owner releases it.
type CameraHandle struct {
	cam    Camera
	logger logging.Logger

	mu     sync.Mutex
	owners map[string]int
	total  int
	open   bool
}

func NewCameraHandle(cam Camera, logger logging.Logger) *CameraHandle {
	return &CameraHandle{cam: cam, logger: logger, owners: make(map[string]int)}
}

// Acquire adds one reference for owner, opening the device if needed.
func (h *CameraHandle) Acquire(ctx context.Context, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		if err := h.cam.Open(ctx); err != nil {
			return errors.Wrap(err, "failed to open camera")
		}
		h.open = true
		h.logger.Debug("Camera opened")
	}
	h.owners[owner]++
	h.total++
	h.logger.Debugf("Camera acquired by %q (total %d)", owner, h.total)
	return nil
}

// Release drops one reference held by owner.
func (h *CameraHandle) Release(owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.owners[owner] == 0 {
		return errors.Wrapf(ErrCameraNotAcquired, "release by %q", owner)
	}
	h.owners[owner]--
	if h.owners[owner] == 0 {
		delete(h.owners, owner)
	}
	h.total--
	h.logger.Debugf("Camera released by %q (remaining %d)", owner, h.total)

	if h.total > 0 || !h.open {
		return nil
	}
	h.open = false
	if err := h.cam.Close(); err != nil {
		return errors.Wrap(err, "failed to close camera")
	}
	h.logger.Debug("Camera closed")
	return nil
}

// Capture grabs a frame. Some owner must hold the camera.
func (h *CameraHandle) Capture(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	held := h.total > 0
	h.mu.Unlock()
	if !held {
		return Frame{}, ErrCameraNotAcquired
	}
	f, err := h.cam.Capture(ctx)
	if err != nil {
		return Frame{}, errors.Wrap(err, "failed to capture frame")
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	return f, nil
}

// Users returns the number of references held.
func (h *CameraHandle) Users() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// ForceClose closes the device regardless of outstanding references.
func (h *CameraHandle) ForceClose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owners = make(map[string]int)
	h.total = 0
	if !h.open {
		return nil
	}
	h.open = false
	return h.cam.Close()
}
