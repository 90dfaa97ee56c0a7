// Package production contains production configuration of the app
package production

import (
	"os"
	"strings"

	"gpulimit/config"
)

type prodconf struct{}

func New() config.AppConfiger {
	return prodconf{}
}

func (pc prodconf) GetListen() string {
	listen := os.Getenv(config.EnvListen)
	if strings.TrimSpace(listen) == "" {
		listen = "unix:/tmp/gpulimit_uds_socket"
	}
	return listen
}

func (pc prodconf) GetLogDir() string {
	dir := os.Getenv(config.EnvLogDir)
	if strings.TrimSpace(dir) == "" {
		dir = "/tmp/gpulimit"
	}
	return dir
}

func (pc prodconf) GetHTTPAddr() string {
	return strings.TrimSpace(os.Getenv(config.EnvHTTPAddr))
}

func (pc prodconf) GetHistoryDB() string {
	dbURL := os.Getenv(config.EnvHistoryDB)
	if strings.TrimSpace(dbURL) == "" {
		dbURL = "file:/tmp/gpulimit/history.db"
	}
	return dbURL
}

func (pc prodconf) GetNvidiaSMI() string {
	path := os.Getenv(config.EnvNvidiaSMI)
	if strings.TrimSpace(path) == "" {
		path = "/usr/bin/nvidia-smi"
	}
	return path
}
