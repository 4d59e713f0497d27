// discovery.go
package harvester

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var DiscoveryModel = resource.NewModel("viam-harvester", "claudio", "discovery")

const probeTimeout = 500 * time.Millisecond

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newHarvesterDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
	// BootDelaySec overrides the wait after opening each candidate port.
	BootDelaySec float64 `json:"boot_delay_sec,omitempty"`
}

func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type harvesterDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	baud      int
	bootDelay time.Duration
	dataDir   string
	ports     func() []string
	probe     func(ctx context.Context, portPath string) bool
}

func newHarvesterDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	defaults := DefaultConfig("")
	dis := &harvesterDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		baud:      defaults.Baudrate,
		bootDelay: seconds(defaults.BootDelaySec),
		dataDir:   defaults.DataDir,
		ports:     enumerateSerialPorts,
	}
	if cfg.Baudrate > 0 {
		dis.baud = cfg.Baudrate
	}
	if cfg.BootDelaySec > 0 {
		dis.bootDelay = seconds(cfg.BootDelaySec)
	}
	dis.probe = dis.probeFirmware
	return dis, nil
}

// DiscoverResources probes candidate serial ports for the motion firmware
// and proposes a supervisor sensor for each one that answers.
func (dis *harvesterDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting harvester discovery")

	allPorts := dis.ports()
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if !dis.probe(ctx, portPath) {
			dis.logger.Debugf("No harvester firmware on %s", portPath)
			continue
		}
		dis.logger.Infof("Discovered harvester firmware on %s", portPath)
		configs = append(configs, dis.generateConfig(portPath))
	}

	if len(configs) == 0 {
		dis.logger.Info("No harvester controllers discovered")
	}
	return configs, nil
}

// probeFirmware opens the port and checks that Q returns servo angles.
func (dis *harvesterDiscovery) probeFirmware(ctx context.Context, portPath string) bool {
	tr := NewTransport(TransportConfig{BootDelay: dis.bootDelay, CommandTimeout: probeTimeout}, dis.logger, nil)
	if err := tr.Connect(ctx, portPath, dis.baud); err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer tr.Close()

	resp, err := tr.SendCommand(ctx, "Q", probeTimeout)
	if err != nil {
		return false
	}
	_, _, err = ParseServoPositions(resp)
	return err == nil
}

func (dis *harvesterDiscovery) generateConfig(portPath string) resource.Config {
	attrs := map[string]interface{}{
		"port": portPath,
	}
	if dis.baud != DefaultConfig("").Baudrate {
		attrs["baudrate"] = dis.baud
	}
	if hasCalibration(dis.dataDir, dis.logger) {
		attrs["data_dir"] = dis.dataDir
	}
	return resource.Config{
		Name:       "harvester-supervisor-" + extractPortSuffix(portPath),
		API:        sensor.API,
		Model:      SupervisorModel,
		Attributes: attrs,
	}
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial controller
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// hasCalibration reports whether dataDir already holds a measured workspace.
func hasCalibration(dataDir string, logger logging.Logger) bool {
	if _, err := os.Stat(filepath.Join(dataDir, workspaceDimensionsFile)); err == nil {
		logger.Debugf("Found workspace calibration in %s", dataDir)
		return true
	}
	return false
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
