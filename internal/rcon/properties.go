package rcon

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Config holds the RCON connection settings read from server.properties.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
}

// LoadProperties parses a server.properties file into a map. Missing
// files yield an empty map, matching a fresh server install.
func LoadProperties(path string) (map[string]string, error) {
	props := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return props, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return props, nil
}

// ConfigFromProperties extracts the RCON settings. The host is always
// loopback: the panel runs on the same machine as the server.
func ConfigFromProperties(props map[string]string) Config {
	cfg := Config{Host: "127.0.0.1", Port: 25575}
	cfg.Enabled = strings.EqualFold(props["enable-rcon"], "true")
	if p, err := strconv.Atoi(props["rcon.port"]); err == nil && p > 0 {
		cfg.Port = p
	}
	cfg.Password = props["rcon.password"]
	return cfg
}

var (
	enableRconRe   = regexp.MustCompile(`enable-rcon=\w+`)
	rconPasswordRe = regexp.MustCompile(`rcon\.password=.*`)
)

// EnableRCON rewrites server.properties to turn RCON on with the given
// password. Takes effect on the next server restart.
func EnableRCON(path, password string) error {
	if password == "" {
		return fmt.Errorf("rcon password must not be empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	out := enableRconRe.ReplaceAllString(string(content), "enable-rcon=true")
	out = rconPasswordRe.ReplaceAllString(out, "rcon.password="+password)

	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
