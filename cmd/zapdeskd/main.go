package main

import (
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/zapdesk/zapdesk/internal/daemon"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "zapdesk.toml"
	}
	return filepath.Join(home, ".zapdesk", "zapdesk.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to the config file")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config)")
	listenFlag := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configFlag,
			DataDir:    *dataDirFlag,
			ListenAddr: *listenFlag,
		}),
	)

	app.Run()
}
