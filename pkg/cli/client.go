package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Profile holds the connection settings shared by the API commands,
// loaded from ~/.idpsync/config.yaml so the server URL and admin token
// do not have to ride on every invocation. Flags beat the IDPSYNC_SERVER
// and IDPSYNC_TOKEN environment variables, which beat the file.
type Profile struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

// defaultProfilePath returns ~/.idpsync/config.yaml, or empty when the
// home directory cannot be resolved.
func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".idpsync", "config.yaml")
}

// loadProfile reads a profile file. A missing file is not an error; the
// commands fall back to flags and environment variables.
func loadProfile(path string) (Profile, error) {
	var profile Profile
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return profile, fmt.Errorf("failed to read profile: %w", err)
	}

	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return profile, nil
}

// resolveConnection merges the server and token flags with the
// environment and the profile file.
func resolveConnection(server, token, profilePath string) (Profile, error) {
	if profilePath == "" {
		profilePath = defaultProfilePath()
	}
	profile, err := loadProfile(profilePath)
	if err != nil {
		return Profile{}, err
	}

	if v := os.Getenv("IDPSYNC_SERVER"); v != "" {
		profile.Server = v
	}
	if v := os.Getenv("IDPSYNC_TOKEN"); v != "" {
		profile.Token = v
	}
	if server != "" {
		profile.Server = server
	}
	if token != "" {
		profile.Token = token
	}

	if profile.Server == "" {
		profile.Server = "http://localhost:8080"
	}
	profile.Server = strings.TrimRight(profile.Server, "/")

	return profile, nil
}

// newLogger builds the command logger. Logs go to stderr so they never
// mix with command output.
func newLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	return logger
}

// apiGet performs an authenticated GET against the management API and
// decodes the JSON response into out.
func apiGet(logger *logrus.Logger, conn Profile, path string, out interface{}) error {
	return apiDo(logger, conn, http.MethodGet, path, out)
}

// apiPost performs an authenticated POST against the management API.
// out may be nil for endpoints that return no body.
func apiPost(logger *logrus.Logger, conn Profile, path string, out interface{}) error {
	return apiDo(logger, conn, http.MethodPost, path, out)
}

func apiDo(logger *logrus.Logger, conn Profile, method, path string, out interface{}) error {
	url := conn.Server + path
	logger.Debugf("%s %s", method, url)

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	if conn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	logger.Debugf("%s %s returned %s", method, url, resp.Status)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("server returned error: %s - %s", resp.Status, readErrorMessage(resp.Body))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// readErrorMessage extracts the error field the API wraps failures in,
// falling back to the raw body for anything else.
func readErrorMessage(r io.Reader) string {
	body, _ := io.ReadAll(r)

	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return strings.TrimSpace(string(body))
}
