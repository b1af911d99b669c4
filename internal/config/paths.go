package config

import (
	"os"
	"path/filepath"
)

func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".pocketclaude"), nil
}

func HistoryDir() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

func MemoryPath() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "memory.json"), nil
}

func SettingsPath() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.yaml"), nil
}

// EnsureDirs creates the user config tree if it isn't there yet.
func EnsureDirs() error {
	hist, err := HistoryDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(hist, 0755)
}
