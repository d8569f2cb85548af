package config

type Config interface {
	EnvConfig
}

type EnvConfig interface {
	GetSiteURL() string
	GetStateFile() string
	GetLogLevel() string
	GetRefreshLead() string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
