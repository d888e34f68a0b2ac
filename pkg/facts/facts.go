// Package facts gathers local host facts exposed to recipes as the `node`
// value and to templates as .Node.
package facts

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/mariner-sh/mariner/pkg/telemetry"
)

// OSFacts contains OS information.
type OSFacts struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	Model string `json:"model"`
	Cores int    `json:"cores"`
	Arch  string `json:"arch"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// Facts is the full local fact set.
type Facts struct {
	OS             OSFacts     `json:"os"`
	CPU            CPUFacts    `json:"cpu"`
	Memory         MemoryFacts `json:"memory"`
	PackageManager string      `json:"package_manager"`
}

// Collector gathers facts from the local host. The proc and etc roots are
// overridable so tests can point it at fixture trees.
type Collector struct {
	log     *telemetry.Logger
	procDir string
	etcDir  string
}

// NewCollector creates a local fact collector.
func NewCollector(log *telemetry.Logger) *Collector {
	if log == nil {
		log = telemetry.NewTestLogger()
	}
	return &Collector{
		log:     log.NewComponentLogger("facts"),
		procDir: "/proc",
		etcDir:  "/etc",
	}
}

// Collect gathers all fact groups. Individual probe failures degrade to
// empty values rather than failing the run; recipes that need a missing
// fact see an empty string and can guard on it.
func (c *Collector) Collect() *Facts {
	facts := &Facts{
		OS:             c.collectOS(),
		CPU:            c.collectCPU(),
		Memory:         c.collectMemory(),
		PackageManager: detectManagerName(),
	}
	c.log.Debug("Collected host facts")
	return facts
}

// Map flattens the fact set into the map shape recipes and templates use.
func (f *Facts) Map() map[string]any {
	return map[string]any{
		"hostname":        f.OS.Hostname,
		"os":              f.OS.Name,
		"os_id":           f.OS.ID,
		"os_version":      f.OS.Version,
		"kernel":          f.OS.Kernel,
		"arch":            f.OS.Arch,
		"cpu_model":       f.CPU.Model,
		"cpu_cores":       f.CPU.Cores,
		"memory_total_mb": f.Memory.TotalMB,
		"package_manager": f.PackageManager,
	}
}

// detectManagerName reports which supported package manager is on PATH.
func detectManagerName() string {
	probes := []struct{ bin, name string }{
		{"apt-get", "apt"},
		{"dnf", "dnf"},
		{"yum", "yum"},
		{"zypper", "zypper"},
		{"apk", "apk"},
	}
	for _, p := range probes {
		if _, err := exec.LookPath(p.bin); err == nil {
			return p.name
		}
	}
	return ""
}

func (c *Collector) collectOS() OSFacts {
	facts := OSFacts{Arch: runtime.GOARCH}

	if hostname, err := os.Hostname(); err == nil {
		facts.Hostname = hostname
	}
	if data, err := os.ReadFile(c.etcDir + "/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			value = strings.Trim(value, "\"")
			switch key {
			case "NAME":
				facts.Name = value
			case "ID":
				facts.ID = value
			case "VERSION_ID":
				facts.Version = value
			}
		}
	}
	if data, err := os.ReadFile(c.procDir + "/sys/kernel/osrelease"); err == nil {
		facts.Kernel = strings.TrimSpace(string(data))
	}
	return facts
}

func (c *Collector) collectCPU() CPUFacts {
	facts := CPUFacts{Arch: runtime.GOARCH, Cores: runtime.NumCPU()}

	data, err := os.ReadFile(c.procDir + "/cpuinfo")
	if err != nil {
		c.log.WithError(err).Debug("Failed to read cpuinfo")
		return facts
	}

	cores := 0
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "model name"):
			if _, value, ok := strings.Cut(line, ":"); ok && facts.Model == "" {
				facts.Model = strings.TrimSpace(value)
			}
		case strings.HasPrefix(line, "processor"):
			cores++
		}
	}
	if cores > 0 {
		facts.Cores = cores
	}
	return facts
}

func (c *Collector) collectMemory() MemoryFacts {
	facts := MemoryFacts{}

	data, err := os.ReadFile(c.procDir + "/meminfo")
	if err != nil {
		c.log.WithError(err).Debug("Failed to read meminfo")
		return facts
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = value / 1024
		case "MemAvailable:":
			facts.AvailableMB = value / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = value / 1024
		case "SwapFree:":
			facts.SwapFreeMB = value / 1024
		}
	}
	return facts
}
