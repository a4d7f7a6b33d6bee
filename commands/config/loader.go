package config // import "code.cloudfoundry.org/flatfs/commands/config"

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	StorePath      string `yaml:"store_path"`
	WorkerCount    int    `yaml:"worker_count"`
	MetronEndpoint string `yaml:"metron_endpoint"`
	LogLevel       string `yaml:"log_level"`
}

func Load(configPath string) (Config, error) {
	configContent, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config path: %s", err)
	}

	var config Config
	err = yaml.Unmarshal(configContent, &config)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config file: %s", err)
	}

	return config, nil
}
