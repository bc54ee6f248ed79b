// dschat-agent is the reference agent executable. It speaks the
// backend's line-delimited JSON protocol on stdin/stdout; logs go to
// stderr so they never corrupt the protocol stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/dschat/pkg/agent"
)

func main() {
	var (
		provider = flag.String("provider", envOr("DSCHAT_AGENT_PROVIDER", "anthropic"), "LLM provider (anthropic, openai, stub)")
		model    = flag.String("model", envOr("DSCHAT_AGENT_MODEL", ""), "model name")
		dbPath   = flag.String("db", envOr("DSCHAT_AGENT_DB", ""), "SQLite database to expose through tools")
		tables   = flag.String("tables", envOr("DSCHAT_AGENT_TABLES", ""), "comma-separated table allowlist")
		stub     = flag.Bool("stub", false, "use the offline stub provider")
		logLevel = flag.String("log-level", envOr("DSCHAT_AGENT_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	providerName := *provider
	if *stub {
		providerName = "stub"
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if providerName == "openai" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && providerName != "stub" {
		fmt.Fprintln(os.Stderr, "missing API key for provider", providerName)
		os.Exit(1)
	}

	srv := agent.NewStdioServer(agent.StdioOptions{
		Provider:     providerName,
		APIKey:       apiKey,
		Model:        *model,
		DatabasePath: *dbPath,
		Tables:       splitTables(*tables),
		Logger:       logger,
	}, os.Stdin, os.Stdout)

	if err := srv.Serve(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Agent exited with error")
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitTables(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
