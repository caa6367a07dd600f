package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DatabaseConfig struct {
	DRIVER string
	DSN    string
}

type GateConfig struct {
	DEFAULT_TIMEOUT time.Duration
	MAX_WAIT        time.Duration
	JOB_TIMEOUTS    map[string]time.Duration
	STRICT          bool
	EXECUTION_MODE  string
}

type ServerConfig struct {
	SERVICE_NAME string
	HTTP_ADDR    string
}

const (
	defaultDriver   = "sqlite3"
	defaultDSN      = "taskgate.db"
	defaultHTTPAddr = ":8080"
	defaultService  = "taskgate"
)

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

// seconds reads a whole number of seconds; empty means zero.
func seconds(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	n, err := convertStringToInt(v, key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("KEY: %s must not be negative", key)
	}
	return time.Duration(n) * time.Second, nil
}

func GetDatabaseConfig() (*DatabaseConfig, error) {
	driver := env("TASKGATE_DB_DRIVER")
	if driver == "" {
		driver = defaultDriver
	}
	dsn := env("TASKGATE_DB_DSN")
	if dsn == "" {
		if driver != defaultDriver {
			return nil, fmt.Errorf("KEY: TASKGATE_DB_DSN is empty")
		}
		dsn = defaultDSN
	}
	return &DatabaseConfig{
		DRIVER: driver,
		DSN:    dsn,
	}, nil
}

func GetGateConfig() (*GateConfig, error) {
	dt, err := seconds("TASKGATE_DEFAULT_TIMEOUT")
	if err != nil {
		return nil, err
	}
	mw, err := seconds("TASKGATE_MAX_WAIT")
	if err != nil {
		return nil, err
	}
	jt, err := parseJobTimeouts(env("TASKGATE_JOB_TIMEOUTS"))
	if err != nil {
		return nil, err
	}

	strict := false
	if s := env("TASKGATE_STRICT"); s != "" {
		strict, err = strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("KEY: TASKGATE_STRICT is invalid")
		}
	}

	mode := env("TASKGATE_EXECUTION_MODE")
	if mode != "" && mode != "sync" && mode != "async" {
		return nil, fmt.Errorf("KEY: TASKGATE_EXECUTION_MODE is invalid")
	}

	return &GateConfig{
		DEFAULT_TIMEOUT: dt,
		MAX_WAIT:        mw,
		JOB_TIMEOUTS:    jt,
		STRICT:          strict,
		EXECUTION_MODE:  mode,
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		sn = defaultService
	}
	addr := env("TASKGATE_HTTP_ADDR")
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return &ServerConfig{
		SERVICE_NAME: sn,
		HTTP_ADDR:    addr,
	}, nil
}

// parseJobTimeouts reads "name=secs,name=secs".
func parseJobTimeouts(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secs, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("KEY: TASKGATE_JOB_TIMEOUTS has invalid entry %q", pair)
		}
		n, err := convertStringToInt(strings.TrimSpace(secs), "TASKGATE_JOB_TIMEOUTS")
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("KEY: TASKGATE_JOB_TIMEOUTS timeout for %s must be positive", name)
		}
		out[name] = time.Duration(n) * time.Second
	}
	return out, nil
}
