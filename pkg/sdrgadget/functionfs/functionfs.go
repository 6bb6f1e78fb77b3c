// Package functionfs handles the FunctionFS side of the gadget: opening the
// three endpoint files, pushing the descriptor and string tables to ep0, and
// decoding the events the kernel delivers on it.
package functionfs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Endpoints are the three FunctionFS endpoint files of the gadget function.
type Endpoints struct {
	// EP0 is the control endpoint (read events, write responses).
	EP0 *os.File

	// BulkIn streams device-to-host data (RX samples).
	BulkIn *os.File

	// BulkOut streams host-to-device data (TX samples).
	BulkOut *os.File
}

// OpenEndpoints opens ep0/ep1/ep2 under dir and writes the descriptor and
// string tables to ep0, which causes the kernel to bring the function up.
func OpenEndpoints(dir string, logger *zap.SugaredLogger) (*Endpoints, error) {
	logger = logger.Named("functionfs")

	ep0Path := filepath.Join(dir, "ep0")
	logger.Debugw("Opening control endpoint", "path", ep0Path)

	ep0, err := os.OpenFile(ep0Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open ep0: %w", err)
	}

	if err := WriteDescriptors(ep0); err != nil {
		_ = ep0.Close()
		return nil, fmt.Errorf("write descriptors: %w", err)
	}

	logger.Debug("Wrote descriptors and strings to ep0")

	bulkInPath := filepath.Join(dir, "ep1")
	logger.Debugw("Opening bulk-in endpoint", "path", bulkInPath)

	bulkIn, err := os.OpenFile(bulkInPath, os.O_WRONLY, 0)
	if err != nil {
		_ = ep0.Close()
		return nil, fmt.Errorf("open ep1: %w", err)
	}

	bulkOutPath := filepath.Join(dir, "ep2")
	logger.Debugw("Opening bulk-out endpoint", "path", bulkOutPath)

	bulkOut, err := os.OpenFile(bulkOutPath, os.O_RDONLY, 0)
	if err != nil {
		_ = ep0.Close()
		_ = bulkIn.Close()
		return nil, fmt.Errorf("open ep2: %w", err)
	}

	return &Endpoints{
		EP0:     ep0,
		BulkIn:  bulkIn,
		BulkOut: bulkOut,
	}, nil
}

// Close closes all three endpoint files.
func (e *Endpoints) Close() {
	_ = e.EP0.Close()
	_ = e.BulkIn.Close()
	_ = e.BulkOut.Close()
}

// WriteDescriptors pushes the descriptor block and the string table to the
// control endpoint. FunctionFS expects both writes before any traffic.
func WriteDescriptors(ep0 *os.File) error {
	if _, err := ep0.Write(DescriptorBlob()); err != nil {
		return fmt.Errorf("write descriptor block: %w", err)
	}

	if _, err := ep0.Write(StringsBlob()); err != nil {
		return fmt.Errorf("write string table: %w", err)
	}

	return nil
}
