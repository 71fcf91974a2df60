package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr          string
	DBPath        string
	ReadTimeout   int    // seconds
	WriteTimeout  int    // seconds
	MonitorAddr   string // empty disables the monitoring API
	ControlSocket string
}

func Load() *Config {
	cfg := &Config{
		Addr:          ":7777",
		DBPath:        "jim.db",
		ReadTimeout:   300,
		WriteTimeout:  10,
		MonitorAddr:   "",
		ControlSocket: "/tmp/jim.sock",
	}

	if addr := os.Getenv("JIM_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if dbPath := os.Getenv("JIM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("JIM_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("JIM_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if addr := os.Getenv("JIM_MONITOR_ADDR"); addr != "" {
		cfg.MonitorAddr = addr
	}

	if path := os.Getenv("JIM_CONTROL_SOCKET"); path != "" {
		cfg.ControlSocket = path
	}

	return cfg
}
