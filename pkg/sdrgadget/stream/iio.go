package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const iioSysfsRoot = "/sys/bus/iio/devices"

// IIODevice drives one IIO streaming device through its sysfs attributes
// and devfs character device.
type IIODevice struct {
	logger *zap.SugaredLogger

	name     string
	sysfsDir string // /sys/bus/iio/devices/iio:deviceN
	devPath  string // /dev/iio:deviceN
	output   bool   // TX pushes samples to the hardware
}

// FindIIODevice locates the IIO device with the given name attribute.
// output selects the transfer direction of buffers created on it.
func FindIIODevice(name string, output bool, logger *zap.SugaredLogger) (*IIODevice, error) {
	logger = logger.Named("iio")

	entries, err := os.ReadDir(iioSysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", iioSysfsRoot, err)
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "iio:device") {
			continue
		}

		dir := filepath.Join(iioSysfsRoot, entry.Name())

		raw, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}

		if strings.TrimSpace(string(raw)) == name {
			logger.Debugw("Found IIO device", "name", name, "dir", dir)

			return &IIODevice{
				logger:   logger,
				name:     name,
				sysfsDir: dir,
				devPath:  filepath.Join("/dev", entry.Name()),
				output:   output,
			}, nil
		}
	}

	return nil, fmt.Errorf("iio device %q not found", name)
}

// Close releases the device context. The sysfs handle model needs no
// explicit teardown beyond buffer destruction.
func (d *IIODevice) Close() error {
	return nil
}

// CreateBuffer enables the channels in mask, sizes the kernel buffer to the
// requested sample count and opens the character device for streaming.
func (d *IIODevice) CreateBuffer(mask uint32, samples int) (Buffer, error) {
	channels, err := d.scanChannels()
	if err != nil {
		return nil, err
	}

	// Disable everything first, then enable the masked channels, exactly
	// like the channel bring-up on the control side expects.
	step := 0
	enabled := 0
	for _, ch := range channels {
		want := ch.index < 32 && mask&(1<<ch.index) != 0

		if err := d.writeAttr(ch.enablePath, boolAttr(want)); err != nil {
			return nil, fmt.Errorf("set channel %d enable: %w", ch.index, err)
		}

		if want {
			step += ch.storageBytes
			enabled++
		}
	}

	if enabled == 0 {
		return nil, fmt.Errorf("channel mask %#x enables no channels on %s", mask, d.name)
	}

	if err := d.writeAttr(filepath.Join(d.sysfsDir, "buffer", "length"), strconv.Itoa(samples)); err != nil {
		return nil, fmt.Errorf("set buffer length: %w", err)
	}

	flags := os.O_RDONLY
	if d.output {
		flags = os.O_WRONLY
	}

	dev, err := os.OpenFile(d.devPath, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.devPath, err)
	}

	if err := d.writeAttr(filepath.Join(d.sysfsDir, "buffer", "enable"), "1"); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("enable buffer: %w", err)
	}

	d.logger.Debugw("Created IIO buffer",
		"device", d.name,
		"samples", samples,
		"step", step,
		"channels", enabled)

	return &iioBuffer{
		device: d,
		dev:    dev,
		data:   make([]byte, samples*step),
		step:   step,
	}, nil
}

// iioChannel is one scan element discovered under scan_elements/.
type iioChannel struct {
	index        uint32
	storageBytes int
	enablePath   string
}

// scanChannels enumerates the device's scan elements with their indices and
// storage widths.
func (d *IIODevice) scanChannels() ([]iioChannel, error) {
	scanDir := filepath.Join(d.sysfsDir, "scan_elements")

	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", scanDir, err)
	}

	var channels []iioChannel

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), "_en") {
			continue
		}

		base := strings.TrimSuffix(entry.Name(), "_en")

		index, err := d.readUintAttr(filepath.Join(scanDir, base+"_index"))
		if err != nil {
			return nil, fmt.Errorf("read index of %s: %w", base, err)
		}

		storage, err := d.readStorageBytes(filepath.Join(scanDir, base+"_type"))
		if err != nil {
			return nil, fmt.Errorf("read type of %s: %w", base, err)
		}

		channels = append(channels, iioChannel{
			index:        uint32(index),
			storageBytes: storage,
			enablePath:   filepath.Join(scanDir, entry.Name()),
		})
	}

	return channels, nil
}

func (d *IIODevice) writeAttr(path, value string) error {
	return os.WriteFile(path, []byte(value), 0)
}

func (d *IIODevice) readUintAttr(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
}

// readStorageBytes parses a scan element type description such as
// "le:s12/16>>4" and returns the storage size in bytes (16 bits -> 2).
func (d *IIODevice) readStorageBytes(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	spec := strings.TrimSpace(string(raw))

	slash := strings.IndexByte(spec, '/')
	if slash < 0 {
		return 0, fmt.Errorf("malformed type spec %q", spec)
	}

	rest := spec[slash+1:]
	end := strings.IndexAny(rest, "X>")
	if end >= 0 {
		rest = rest[:end]
	}

	bits, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("malformed type spec %q: %w", spec, err)
	}

	return bits / 8, nil
}

func boolAttr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// iioBuffer is a live hardware buffer over the IIO character device.
type iioBuffer struct {
	device *IIODevice
	dev    *os.File
	data   []byte
	step   int
}

func (b *iioBuffer) Refill() (int, error) {
	total := 0

	// The character device may deliver the buffer in chunks; keep reading
	// until one full buffer's worth has arrived.
	for total < len(b.data) {
		n, err := b.dev.Read(b.data[total:])
		if err != nil {
			return total, fmt.Errorf("read %s: %w", b.device.devPath, err)
		}
		if n == 0 {
			break
		}

		total += n
	}

	return total, nil
}

func (b *iioBuffer) Push() (int, error) {
	n, err := b.dev.Write(b.data)
	if err != nil {
		// A partially accepted buffer surfaces as a short count, not an
		// error, matching the overflow accounting upstream.
		if n > 0 {
			return n, nil
		}

		return 0, fmt.Errorf("write %s: %w", b.device.devPath, err)
	}

	return n, nil
}

func (b *iioBuffer) Step() int {
	return b.step
}

func (b *iioBuffer) Bytes() []byte {
	return b.data
}

func (b *iioBuffer) PollFD() int {
	return int(b.dev.Fd())
}

func (b *iioBuffer) Destroy() error {
	if err := b.device.writeAttr(filepath.Join(b.device.sysfsDir, "buffer", "enable"), "0"); err != nil {
		b.device.logger.Warnw("Failed to disable IIO buffer", "error", err)
	}

	if err := b.dev.Close(); err != nil {
		return fmt.Errorf("close %s: %w", b.device.devPath, err)
	}

	return nil
}
