package config

import (
	"flag"
	"os"

	"github.com/chastnik/mm-bot-jira2excel/internal/flagx"
)

// parseFlags overlays selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-m string   Mattermost base URL
//	-j string   Jira base URL
//	-d string   PostgreSQL DSN
//	-l string   log level (debug, info, warn, error)
//	-n string   bot account name
//
// Secrets (tokens, master key) are intentionally not accepted as flags:
// process arguments are visible to other users on the host.
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with the test runner's flags.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-m", "-j", "-d", "-l", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.MattermostURL, "m", config.MattermostURL, "Mattermost base URL")
	fs.StringVar(&config.JiraURL, "j", config.JiraURL, "Jira base URL")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.BotName, "n", config.BotName, "bot account name")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
