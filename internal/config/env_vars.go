package config

import (
	"os"
	"path/filepath"
)

const (
	siteURLEnvVar     = "IDENTITY_SITE_URL"
	stateFileEnvVar   = "IDENTITY_STATE_FILE"
	logLevelEnvVar    = "LOG_LEVEL"
	refreshLeadEnvVar = "IDENTITY_REFRESH_LEAD"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

// GetSiteURL returns the site hosting the identity service, scheme and
// host with no trailing slash (e.g. https://example.com).
func (EnvVars) GetSiteURL() string {
	return GetEnv(siteURLEnvVar, "")
}

// GetStateFile returns where the session state file lives. Defaults to
// ~/.identity-cli/state.json.
func (EnvVars) GetStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return GetEnv(stateFileEnvVar, filepath.Join(home, ".identity-cli", "state.json"))
}

func (EnvVars) GetLogLevel() string {
	return GetEnv(logLevelEnvVar, "info")
}

// GetRefreshLead returns how far before token expiry the background
// refresh fires, as a Go duration string.
func (EnvVars) GetRefreshLead() string {
	return GetEnv(refreshLeadEnvVar, "60s")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
