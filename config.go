package gnode

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/i5heu/gnode/internal/config"
)

// Config configures a session. See LoadConfig for the file format.
type Config = config.Config

// LoadConfig reads a JSON config file with the keys username, password,
// location, cache_dir, log_dir, odml_repo, timeout, workers, retries,
// log_level and min_free_mb. An empty path means the file under the user
// config directory; a missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

func DefaultConfig() Config {
	return config.Default()
}

// TerminalPrompt reads the password from the controlling terminal without
// echo. It fails when stdin is not a terminal.
func TerminalPrompt(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to ask for the password of %q", username)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
