// Package config holds details like routing and other configs for the app
package config

// AppConfiger supplies per-environment defaults. Each getter honours its
// GPULIMIT_* variable first.
type AppConfiger interface {
	GetListen() string
	GetLogDir() string
	GetHTTPAddr() string
	GetHistoryDB() string
	GetNvidiaSMI() string
}

const (
	EnvListen    = "GPULIMIT_LISTEN"
	EnvLogDir    = "GPULIMIT_LOG_DIR"
	EnvHTTPAddr  = "GPULIMIT_HTTP_ADDR"
	EnvHistoryDB = "GPULIMIT_HISTORY_DB"
	EnvNvidiaSMI = "GPULIMIT_NVIDIA_SMI"
	EnvConfig    = "GPULIMIT_CONFIG"
)
