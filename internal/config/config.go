package config

import (
	"encoding/json"
	"os"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// LoadConfig reads the JSON config file at path into an AppConfig.
func LoadConfig(path string) (*models.AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.AppConfig{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
