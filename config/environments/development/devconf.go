// Package development contains development configuration of the app
package development

import (
	"os"
	"strings"

	"gpulimit/config"
)

type devconf struct{}

func New() config.AppConfiger {
	return devconf{}
}

func (dc devconf) GetListen() string {
	listen := os.Getenv(config.EnvListen)
	if strings.TrimSpace(listen) == "" {
		listen = "unix:./tmp/gpulimit.sock"
	}
	return listen
}

func (dc devconf) GetLogDir() string {
	dir := os.Getenv(config.EnvLogDir)
	if strings.TrimSpace(dir) == "" {
		dir = "./tmp"
	}
	return dir
}

func (dc devconf) GetHTTPAddr() string {
	return strings.TrimSpace(os.Getenv(config.EnvHTTPAddr))
}

func (dc devconf) GetHistoryDB() string {
	dbURL := os.Getenv(config.EnvHistoryDB)
	if strings.TrimSpace(dbURL) == "" {
		dbURL = "file:./tmp/gpulimit.db"
	}
	return dbURL
}

func (dc devconf) GetNvidiaSMI() string {
	path := os.Getenv(config.EnvNvidiaSMI)
	if strings.TrimSpace(path) == "" {
		path = "nvidia-smi"
	}
	return path
}
