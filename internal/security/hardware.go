package security

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const probeTimeout = 3 * time.Second

// DefaultSources returns the platform identity sources in priority order:
// hardware UUID, serial number, primary MAC address.
func DefaultSources() []Source {
	return []Source{
		{Name: "hardware_uuid", Read: readHardwareUUID},
		{Name: "serial_number", Read: readSerialNumber},
		{Name: "primary_mac", Read: readPrimaryMAC},
	}
}

func readHardwareUUID(ctx context.Context) (string, bool) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/sys/class/dmi/id/product_uuid", "/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if v, ok := readFirstLine(path); ok {
				return strings.ToLower(v), true
			}
		}
	case "darwin":
		return ioregValue(ctx, "IOPlatformUUID")
	case "windows":
		return wmicValue(ctx, "csproduct", "UUID")
	}
	return "", false
}

func readSerialNumber(ctx context.Context) (string, bool) {
	switch runtime.GOOS {
	case "linux":
		return readFirstLine("/sys/class/dmi/id/product_serial")
	case "darwin":
		return ioregValue(ctx, "IOPlatformSerialNumber")
	case "windows":
		return wmicValue(ctx, "bios", "serialnumber")
	}
	return "", false
}

// readPrimaryMAC returns the first up, non-loopback interface with a
// non-zero hardware address.
func readPrimaryMAC(context.Context) (string, bool) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac != "" && mac != "00:00:00:00:00:00" {
			return mac, true
		}
	}
	return "", false
}

func readFirstLine(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if v == "" || isPlaceholderValue(v) {
		return "", false
	}
	return v, true
}

// ioregValue extracts `"key" = "value"` from the platform expert device.
func ioregValue(ctx context.Context, key string) (string, bool) {
	out, ok := runProbe(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if !ok {
		return "", false
	}
	return parseIORegValue(out, key)
}

func parseIORegValue(out []byte, key string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	needle := `"` + key + `"`
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if v != "" && !isPlaceholderValue(v) {
			return v, true
		}
	}
	return "", false
}

// wmicValue runs `wmic <class> get <field>` and returns the first data row.
func wmicValue(ctx context.Context, class, field string) (string, bool) {
	out, ok := runProbe(ctx, "wmic", class, "get", field)
	if !ok {
		return "", false
	}
	return parseWMICValue(out)
}

func parseWMICValue(out []byte) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(string(out), "\r", ""), "\n")
	for _, line := range lines[1:] {
		v := strings.TrimSpace(line)
		if v != "" && !isPlaceholderValue(v) {
			return v, true
		}
	}
	return "", false
}

func runProbe(ctx context.Context, name string, args ...string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

// isPlaceholderValue filters vendor filler that is identical across machines.
func isPlaceholderValue(v string) bool {
	switch strings.ToLower(v) {
	case "to be filled by o.e.m.", "default string", "none", "not specified", "system serial number",
		"0", "00000000-0000-0000-0000-000000000000", "ffffffff-ffff-ffff-ffff-ffffffffffff":
		return true
	}
	return false
}
