package harvester

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/cu.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/cu.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1", "PRN"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "Empty list",
			ports:    []string{},
			expected: []string{},
		},
		{
			name:     "No matching ports",
			ports:    []string{"/dev/null", "/dev/zero"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterCandidatePorts(tt.ports)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExtractPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", extractPortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "COM3", extractPortSuffix("COM3"))
	assert.Equal(t, "usbmodem123", extractPortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", extractPortSuffix("/dev/cu.usbserial-AB"))
}

func testDiscovery(t *testing.T, ports []string, answering map[string]bool) *harvesterDiscovery {
	return &harvesterDiscovery{
		logger:    logging.NewTestLogger(t),
		baud:      115200,
		bootDelay: time.Millisecond,
		dataDir:   t.TempDir(),
		ports:     func() []string { return ports },
		probe: func(ctx context.Context, portPath string) bool {
			return answering[portPath]
		},
	}
}

func TestDiscoverResources(t *testing.T) {
	dis := testDiscovery(t,
		[]string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyACM1"},
		map[string]bool{"/dev/ttyACM1": true, "/dev/ttyS0": true})

	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	cfg := configs[0]
	assert.Equal(t, "harvester-supervisor-ttyACM1", cfg.Name)
	assert.Equal(t, sensor.API, cfg.API)
	assert.Equal(t, SupervisorModel, cfg.Model)
	assert.Equal(t, map[string]interface{}{"port": "/dev/ttyACM1"}, map[string]interface{}(cfg.Attributes))
}

func TestDiscoverResourcesCancelled(t *testing.T) {
	dis := testDiscovery(t, []string{"/dev/ttyUSB0"}, map[string]bool{"/dev/ttyUSB0": true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	configs, err := dis.DiscoverResources(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, configs)
}

func TestGenerateConfigAttributes(t *testing.T) {
	dis := testDiscovery(t, nil, nil)
	dis.baud = 57600
	require.NoError(t, os.WriteFile(filepath.Join(dis.dataDir, workspaceDimensionsFile), []byte("{}"), 0o644))

	cfg := dis.generateConfig("COM4")
	assert.Equal(t, "harvester-supervisor-COM4", cfg.Name)
	assert.Equal(t, "COM4", cfg.Attributes["port"])
	assert.Equal(t, 57600, cfg.Attributes["baudrate"])
	assert.Equal(t, dis.dataDir, cfg.Attributes["data_dir"])
}

func TestProbeFirmware(t *testing.T) {
	fw := newFakeFirmware()
	orig := openPort
	openPort = func(name string, baud int) (Port, error) {
		if name == "/dev/ttyUSB0" {
			return fw, nil
		}
		return nil, errors.New("no such device")
	}
	t.Cleanup(func() {
		openPort = orig
		fw.wg.Wait()
	})

	dis := testDiscovery(t, nil, nil)
	ctx := context.Background()
	assert.True(t, dis.probeFirmware(ctx, "/dev/ttyUSB0"))
	assert.Contains(t, fw.sent(), "Q")
	assert.False(t, dis.probeFirmware(ctx, "/dev/ttyUSB1"))
}

func TestProbeFirmwareRejectsOtherDevices(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.errs["Q"] = "ERR:UNKNOWN_CMD:Q" })
	fw.install(t)

	dis := testDiscovery(t, nil, nil)
	assert.False(t, dis.probeFirmware(context.Background(), "/dev/ttyUSB0"))
}
