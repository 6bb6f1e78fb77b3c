package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeIIODevice lays out a minimal sysfs lookalike for a two-channel
// 16-bit device and points the character device at a regular file.
func fakeIIODevice(t *testing.T) *IIODevice {
	t.Helper()

	root := t.TempDir()
	scanDir := filepath.Join(root, "scan_elements")
	require.NoError(t, os.MkdirAll(scanDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "buffer"), 0o755))

	writeAttr := func(path, value string) {
		require.NoError(t, os.WriteFile(path, []byte(value), 0o644))
	}

	writeAttr(filepath.Join(scanDir, "in_voltage0_en"), "0")
	writeAttr(filepath.Join(scanDir, "in_voltage0_index"), "0")
	writeAttr(filepath.Join(scanDir, "in_voltage0_type"), "le:s12/16>>4")
	writeAttr(filepath.Join(scanDir, "in_voltage1_en"), "0")
	writeAttr(filepath.Join(scanDir, "in_voltage1_index"), "1")
	writeAttr(filepath.Join(scanDir, "in_voltage1_type"), "le:s12/16>>4")
	writeAttr(filepath.Join(root, "buffer", "length"), "0")
	writeAttr(filepath.Join(root, "buffer", "enable"), "0")

	devPath := filepath.Join(root, "device")
	writeAttr(devPath, "")

	return &IIODevice{
		logger:   zap.NewNop().Sugar(),
		name:     "fake-adc",
		sysfsDir: root,
		devPath:  devPath,
	}
}

func TestScanChannels(t *testing.T) {
	d := fakeIIODevice(t)

	channels, err := d.scanChannels()
	require.NoError(t, err)

	require.Len(t, channels, 2)
	assert.Equal(t, uint32(0), channels[0].index)
	assert.Equal(t, 2, channels[0].storageBytes)
	assert.Equal(t, uint32(1), channels[1].index)
}

func TestReadStorageBytes(t *testing.T) {
	d := fakeIIODevice(t)
	dir := t.TempDir()

	cases := []struct {
		spec  string
		bytes int
	}{
		{"le:s12/16>>4", 2},
		{"le:s16/16>>0", 2},
		{"le:s64/64X8>>0", 8},
		{"be:u32/32>>0", 4},
	}

	for _, c := range cases {
		path := filepath.Join(dir, "type")
		require.NoError(t, os.WriteFile(path, []byte(c.spec+"\n"), 0o644))

		got, err := d.readStorageBytes(path)
		require.NoError(t, err, c.spec)
		assert.Equal(t, c.bytes, got, c.spec)
	}

	path := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := d.readStorageBytes(path)
	assert.Error(t, err)
}

func TestCreateBuffer(t *testing.T) {
	t.Run("EnablesMaskedChannelsAndSizesBuffer", func(t *testing.T) {
		d := fakeIIODevice(t)

		buf, err := d.CreateBuffer(0x3, 256)
		require.NoError(t, err)
		defer func() { _ = buf.Destroy() }()

		// Two 16-bit channels enabled: 4 bytes per sample.
		assert.Equal(t, 4, buf.Step())
		assert.Len(t, buf.Bytes(), 256*4)

		readAttr := func(path string) string {
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			return string(raw)
		}

		assert.Equal(t, "1", readAttr(filepath.Join(d.sysfsDir, "scan_elements", "in_voltage0_en")))
		assert.Equal(t, "1", readAttr(filepath.Join(d.sysfsDir, "scan_elements", "in_voltage1_en")))
		assert.Equal(t, "256", readAttr(filepath.Join(d.sysfsDir, "buffer", "length")))
		assert.Equal(t, "1", readAttr(filepath.Join(d.sysfsDir, "buffer", "enable")))
	})

	t.Run("PartialMaskHalvesStep", func(t *testing.T) {
		d := fakeIIODevice(t)

		buf, err := d.CreateBuffer(0x2, 128)
		require.NoError(t, err)
		defer func() { _ = buf.Destroy() }()

		assert.Equal(t, 2, buf.Step())

		raw, err := os.ReadFile(filepath.Join(d.sysfsDir, "scan_elements", "in_voltage0_en"))
		require.NoError(t, err)
		assert.Equal(t, "0", string(raw))
	})

	t.Run("EmptyMaskFails", func(t *testing.T) {
		d := fakeIIODevice(t)

		_, err := d.CreateBuffer(0x0, 128)
		assert.Error(t, err)
	})
}
