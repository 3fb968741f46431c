package posture

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	"strings"
	"time"
)

// SecurityInfo is the host's security posture. Facts() flattens it for
// compliance rule evaluation.
type SecurityInfo struct {
	// Firewall
	FirewallEnabled       bool   `json:"firewall_enabled"`
	FirewallType          string `json:"firewall_type,omitempty"` // ufw, nftables, iptables, pf, windows-defender
	FirewallDefaultPolicy string `json:"firewall_default_policy,omitempty"`

	// Disk encryption
	DiskEncrypted    bool     `json:"disk_encrypted"`
	EncryptionType   string   `json:"encryption_type,omitempty"` // luks, filevault, bitlocker
	EncryptedVolumes []string `json:"encrypted_volumes,omitempty"`

	// Boot integrity
	SecureBootEnabled bool   `json:"secure_boot_enabled"`
	TPMPresent        bool   `json:"tpm_present"`
	TPMVersion        string `json:"tpm_version,omitempty"`

	// Updates
	AutoUpdateEnabled  bool       `json:"auto_update_enabled"`
	LastUpdateTime     *time.Time `json:"last_update_time,omitempty"`
	UpdatesOutstanding int        `json:"updates_outstanding"`
	RebootPending      bool       `json:"reboot_pending"`

	CriticalServices []string `json:"critical_services,omitempty"`

	CollectedAt time.Time         `json:"collected_at"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Facts returns the posture as flat key/value pairs. update_age_days is -1
// when the last update time is unknown.
func (s SecurityInfo) Facts() map[string]any {
	age := -1.0
	if s.LastUpdateTime != nil {
		age = math.Floor(s.CollectedAt.Sub(*s.LastUpdateTime).Hours() / 24)
	}
	return map[string]any{
		"firewall_enabled":        s.FirewallEnabled,
		"firewall_type":           s.FirewallType,
		"firewall_default_policy": s.FirewallDefaultPolicy,
		"disk_encrypted":          s.DiskEncrypted,
		"encryption_type":         s.EncryptionType,
		"secure_boot_enabled":     s.SecureBootEnabled,
		"tpm_present":             s.TPMPresent,
		"auto_update_enabled":     s.AutoUpdateEnabled,
		"update_age_days":         age,
		"updates_outstanding":     float64(s.UpdatesOutstanding),
		"reboot_pending":          s.RebootPending,
	}
}

func (h *HostInspector) GetSecurityInfo(ctx context.Context) (SecurityInfo, error) {
	info := SecurityInfo{CollectedAt: time.Now().UTC()}
	info.Errors = h.runProbes(ctx, []probe{
		{"firewall", func(ctx context.Context) error { return h.probeFirewall(ctx, &info) }},
		{"disk_encryption", func(ctx context.Context) error { return h.probeDiskEncryption(ctx, &info) }},
		{"secure_boot", func(ctx context.Context) error { return h.probeSecureBoot(ctx, &info) }},
		{"updates", func(ctx context.Context) error { return h.probeUpdates(ctx, &info) }},
		{"services", func(ctx context.Context) error { return h.probeServices(ctx, &info) }},
	})
	return info, nil
}

func (h *HostInspector) probeFirewall(ctx context.Context, s *SecurityInfo) error {
	switch runtime.GOOS {
	case "linux":
		if out, err := h.run(ctx, "ufw", "status", "verbose"); err == nil {
			status := string(out)
			if strings.Contains(status, "Status: active") {
				s.FirewallEnabled = true
				s.FirewallType = "ufw"
				s.FirewallDefaultPolicy = parseUFWDefaultPolicy(status)
				return nil
			}
		}
		if out, err := h.run(ctx, "nft", "list", "ruleset"); err == nil && len(out) > 50 {
			s.FirewallEnabled = true
			s.FirewallType = "nftables"
			s.FirewallDefaultPolicy = "configured"
			return nil
		}
		out, err := h.run(ctx, "iptables", "-L", "-n")
		if err != nil {
			return err
		}
		// Only default chains print roughly this much.
		if len(out) > 200 {
			s.FirewallEnabled = true
			s.FirewallType = "iptables"
		}
		s.FirewallDefaultPolicy = parseIPTablesDefaultPolicy(string(out))
	case "darwin":
		out, err := h.run(ctx, "defaults", "read", "/Library/Preferences/com.apple.alf", "globalstate")
		if err != nil {
			return err
		}
		state := strings.TrimSpace(string(out))
		s.FirewallEnabled = state == "1" || state == "2"
		s.FirewallType = "pf"
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command",
			"Get-NetFirewallProfile | Select-Object Name,Enabled | ConvertTo-Json")
		if err != nil {
			return err
		}
		var profiles []struct {
			Name    string
			Enabled bool
		}
		if err := json.Unmarshal(out, &profiles); err != nil {
			return err
		}
		s.FirewallType = "windows-defender"
		for _, p := range profiles {
			if p.Enabled {
				s.FirewallEnabled = true
			}
		}
	}
	return nil
}

func parseUFWDefaultPolicy(status string) string {
	switch {
	case strings.Contains(status, "Default: deny"):
		return "deny"
	case strings.Contains(status, "Default: reject"):
		return "reject"
	case strings.Contains(status, "Default: allow"):
		return "allow"
	}
	return "unknown"
}

func parseIPTablesDefaultPolicy(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "Chain INPUT") {
			continue
		}
		switch {
		case strings.Contains(line, "policy DROP"):
			return "drop"
		case strings.Contains(line, "policy ACCEPT"):
			return "accept"
		}
	}
	return "unknown"
}

func (h *HostInspector) probeDiskEncryption(ctx context.Context, s *SecurityInfo) error {
	switch runtime.GOOS {
	case "linux":
		out, err := h.run(ctx, "lsblk", "-o", "NAME,TYPE,FSTYPE", "-J")
		if err != nil {
			if h.stat("/dev/mapper/cryptroot") {
				s.DiskEncrypted = true
				s.EncryptionType = "luks"
				return nil
			}
			return err
		}
		parseLsblk(out, s)
	case "darwin":
		out, err := h.run(ctx, "fdesetup", "status")
		if err != nil {
			return err
		}
		if strings.Contains(string(out), "FileVault is On") {
			s.DiskEncrypted = true
			s.EncryptionType = "filevault"
			s.EncryptedVolumes = []string{"/"}
		}
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command",
			"Get-BitLockerVolume | Where-Object {$_.VolumeType -eq 'OperatingSystem'} | Select-Object -ExpandProperty ProtectionStatus")
		if err != nil {
			return err
		}
		if strings.Contains(string(out), "On") {
			s.DiskEncrypted = true
			s.EncryptionType = "bitlocker"
		}
	}
	return nil
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Children []lsblkDevice `json:"children"`
}

func parseLsblk(out []byte, s *SecurityInfo) {
	var doc struct {
		Blockdevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return
	}
	var walk func([]lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, dev := range devs {
			if dev.FSType == "crypto_LUKS" || dev.Type == "crypt" {
				s.EncryptedVolumes = append(s.EncryptedVolumes, dev.Name)
				s.EncryptionType = "luks"
				if strings.Contains(dev.Name, "root") || strings.Contains(dev.Name, "crypt") || dev.Type == "crypt" {
					s.DiskEncrypted = true
				}
			}
			walk(dev.Children)
		}
	}
	walk(doc.Blockdevices)
}

func (h *HostInspector) probeSecureBoot(ctx context.Context, s *SecurityInfo) error {
	switch runtime.GOOS {
	case "linux":
		data, err := h.readFile("/sys/firmware/efi/efivars/SecureBoot-8be4df61-93ca-11d2-aa0d-00e098032b8c")
		// Last byte is the value: 1 = enabled, 0 = disabled
		if err == nil && len(data) > 4 {
			s.SecureBootEnabled = data[len(data)-1] == 1
		}
		if h.stat("/dev/tpm0") || h.stat("/dev/tpmrm0") {
			s.TPMPresent = true
			s.TPMVersion = "2.0"
		}
	case "darwin":
		// T2 and Apple Silicon boot through the secure enclave.
		s.SecureBootEnabled = true
		s.TPMPresent = true
		s.TPMVersion = "secure-enclave"
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command", "Confirm-SecureBootUEFI")
		if err == nil {
			s.SecureBootEnabled = strings.Contains(string(out), "True")
		}
		out, err = h.run(ctx, "powershell", "-NoProfile", "-Command", "(Get-Tpm).TpmPresent")
		if err != nil {
			return err
		}
		if strings.Contains(string(out), "True") {
			s.TPMPresent = true
			s.TPMVersion = "2.0"
		}
	}
	return nil
}

func (h *HostInspector) probeUpdates(ctx context.Context, s *SecurityInfo) error {
	switch runtime.GOOS {
	case "linux":
		for _, svc := range []string{"unattended-upgrades", "dnf-automatic.timer", "packagekit"} {
			if out, err := h.run(ctx, "systemctl", "is-enabled", svc); err == nil && strings.Contains(string(out), "enabled") {
				s.AutoUpdateEnabled = true
				break
			}
		}
		for _, path := range []string{
			"/var/lib/apt/lists",   // Debian/Ubuntu
			"/var/cache/dnf",       // RHEL/Fedora
			"/var/lib/pacman/sync", // Arch
			"/var/cache/apk",       // Alpine
			"/var/lib/dpkg/status",
		} {
			if t, ok := modTime(path); ok {
				s.LastUpdateTime = &t
				break
			}
		}
		s.RebootPending = h.stat("/var/run/reboot-required")
		if out, err := h.run(ctx, "apt", "list", "--upgradable"); err == nil {
			s.UpdatesOutstanding = countUpgradable(string(out))
		}
	case "darwin":
		if out, err := h.run(ctx, "softwareupdate", "-l"); err == nil {
			s.UpdatesOutstanding = strings.Count(string(out), "Recommended: YES")
		}
		out, err := h.run(ctx, "defaults", "read", "/Library/Preferences/com.apple.SoftwareUpdate", "AutomaticCheckEnabled")
		if err != nil {
			return err
		}
		s.AutoUpdateEnabled = strings.TrimSpace(string(out)) == "1"
	case "windows":
		out, err := h.run(ctx, "powershell", "-NoProfile", "-Command", "(Get-Service -Name wuauserv).Status")
		if err == nil && strings.Contains(string(out), "Running") {
			s.AutoUpdateEnabled = true
		}
		out, err = h.run(ctx, "powershell", "-NoProfile", "-Command",
			"(Get-HotFix | Sort-Object InstalledOn -Descending | Select-Object -First 1).InstalledOn.ToString('yyyy-MM-dd')")
		if err == nil {
			if t, err := time.Parse("2006-01-02", strings.TrimSpace(string(out))); err == nil {
				s.LastUpdateTime = &t
			}
		}
		out, err = h.run(ctx, "powershell", "-NoProfile", "-Command",
			"Test-Path 'HKLM:\\SOFTWARE\\Microsoft\\Windows\\CurrentVersion\\WindowsUpdate\\Auto Update\\RebootRequired'")
		if err != nil {
			return err
		}
		s.RebootPending = strings.TrimSpace(string(out)) == "True"
	}
	return nil
}

// countUpgradable counts package lines in `apt list --upgradable` output.
func countUpgradable(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "[upgradable from") {
			n++
		}
	}
	return n
}

func (h *HostInspector) probeServices(ctx context.Context, s *SecurityInfo) error {
	if runtime.GOOS != "linux" {
		return nil
	}
	for _, svc := range []string{"sshd", "ssh", "docker", "containerd"} {
		out, err := h.run(ctx, "systemctl", "is-active", svc)
		if err == nil && strings.TrimSpace(string(out)) == "active" {
			s.CriticalServices = append(s.CriticalServices, svc)
		}
	}
	return nil
}
