package probe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dennwc/ioctl"
)

// BLKSSZGET returns the logical sector size of a block device.
const blkSSZGET = 0x1268

const defaultSectorSize = 512

var sysfsBlockDir = "/sys/class/block"

// logicalSectorSize determines the device's logical sector size, preferring
// the ioctl and falling back to the sysfs queue attribute. Devices that
// expose neither get the conventional 512.
func logicalSectorSize(f *os.File, deviceNode string) uint64 {
	var size int32
	if err := ioctl.Do(f, blkSSZGET, &size); err == nil && size > 0 {
		return uint64(size)
	}

	name := filepath.Base(deviceNode)
	if name != "" && name != "." {
		path := filepath.Join(sysfsBlockDir, name, "queue", "logical_block_size")
		if data, err := os.ReadFile(path); err == nil {
			if n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32); err == nil && n > 0 {
				return n
			}
		}
	}

	return defaultSectorSize
}
