package posture

import (
	"context"
	"errors"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// DeviceInfo identifies the machine. It is sent with enrollment and with
// every check-in snapshot.
type DeviceInfo struct {
	Hostname     string `json:"hostname"`
	SerialNumber string `json:"serial_number,omitempty"`
	MachineID    string `json:"machine_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	OS           string `json:"os"`   // linux, darwin, windows
	Arch         string `json:"arch"` // amd64, arm64
	OSName       string `json:"os_name,omitempty"`
	Kernel       string `json:"kernel,omitempty"`
	CPUs         int    `json:"cpus"`
	AgentVersion string `json:"agent_version,omitempty"`

	CollectedAt time.Time         `json:"collected_at"`
	Errors      map[string]string `json:"errors,omitempty"`
}

var macSerialRe = regexp.MustCompile(`"IOPlatformSerialNumber"\s*=\s*"([^"]+)"`)

func (h *HostInspector) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	info := DeviceInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		AgentVersion: h.agentVersion,
		CollectedAt:  time.Now().UTC(),
	}
	hostname, err := os.Hostname()
	if err != nil {
		return info, err
	}
	info.Hostname = hostname

	info.Errors = h.runProbes(ctx, []probe{
		{"os_info", func(ctx context.Context) error { return h.probeOSInfo(ctx, &info) }},
		{"kernel", func(ctx context.Context) error { return h.probeKernel(ctx, &info) }},
		{"hardware", func(ctx context.Context) error { return h.probeHardware(ctx, &info) }},
	})
	return info, nil
}

func (h *HostInspector) probeOSInfo(ctx context.Context, info *DeviceInfo) error {
	switch runtime.GOOS {
	case "linux":
		data, err := h.readFile("/etc/os-release")
		if err != nil {
			return err
		}
		info.OSName = parseOSRelease(string(data))
	case "darwin":
		out, err := h.run(ctx, "sw_vers", "-productVersion")
		if err != nil {
			return err
		}
		info.OSName = "macOS " + strings.TrimSpace(string(out))
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command",
			"(Get-CimInstance Win32_OperatingSystem).Caption")
		if err != nil {
			return err
		}
		info.OSName = strings.TrimSpace(string(out))
	}
	return nil
}

func parseOSRelease(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return ""
}

func (h *HostInspector) probeKernel(ctx context.Context, info *DeviceInfo) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	out, err := h.run(ctx, "uname", "-r")
	if err != nil {
		return err
	}
	info.Kernel = strings.TrimSpace(string(out))
	return nil
}

func (h *HostInspector) probeHardware(ctx context.Context, info *DeviceInfo) error {
	switch runtime.GOOS {
	case "linux":
		info.SerialNumber = h.readTrimmed("/sys/class/dmi/id/product_serial")
		info.Model = h.readTrimmed("/sys/class/dmi/id/product_name")
		info.Manufacturer = h.readTrimmed("/sys/class/dmi/id/sys_vendor")
		info.MachineID = h.readTrimmed("/etc/machine-id")
	case "darwin":
		out, err := h.run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if err != nil {
			return err
		}
		if m := macSerialRe.FindStringSubmatch(string(out)); m != nil {
			info.SerialNumber = m[1]
		}
		info.Manufacturer = "Apple Inc."
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command",
			"(Get-CimInstance Win32_BIOS).SerialNumber")
		if err != nil {
			return err
		}
		info.SerialNumber = strings.TrimSpace(string(out))
	}
	if info.SerialNumber == "" && info.MachineID == "" {
		return errors.New("no hardware identifier available")
	}
	return nil
}

func (h *HostInspector) readTrimmed(path string) string {
	data, err := h.readFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
