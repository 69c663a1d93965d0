package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment keys that override settings.toml.
const (
	EnvMode      = "LIFETRACK_MODE"
	EnvServerURL = "LIFETRACK_SERVER_URL"
	EnvViewer    = "LIFETRACK_VIEWER"
)

// ApplyEnv overlays values from the optional dotenv file at envPath and then
// from the process environment, which wins. A missing file is not an error.
func ApplyEnv(s *Settings, envPath string) error {
	vals := map[string]string{}
	if envPath != "" {
		read, err := godotenv.Read(envPath)
		switch {
		case err == nil:
			vals = read
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	for _, key := range []string{EnvMode, EnvServerURL, EnvViewer} {
		if v, ok := os.LookupEnv(key); ok {
			vals[key] = v
		}
	}

	if v, ok := vals[EnvMode]; ok && v != "" {
		s.Mode = v
	}
	if v, ok := vals[EnvServerURL]; ok {
		s.ServerURL = v
	}
	if v, ok := vals[EnvViewer]; ok && v != "" {
		s.ViewerUserID = v
	}
	return nil
}
