package symon

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the machine composition: where the core devices sit in
// the address space and which disk image, if any, to mount at start.
type Config struct {
	VideoBase uint16 `yaml:"video_base"`
	PS2Base   uint16 `yaml:"ps2_base"`
	VIABase   uint16 `yaml:"via_base"`
	DiskImage string `yaml:"disk_image"`
}

// DefaultConfig returns the standard memory map.
func DefaultConfig() Config {
	return Config{
		VideoBase: 0x4000,
		PS2Base:   0x4020,
		VIABase:   0x4070,
	}
}

// LoadConfig reads a YAML config file, with unset fields falling back to
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
