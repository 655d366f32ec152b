// ABOUTME: Entry point for the coven-chat messaging server
// ABOUTME: Serves the chat API and manages config, users and tokens from the command line

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

// getConfigPath returns the path to the chat config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the chat server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  user add --name NAME [--picture URL]  Create a user and print a token")
	fmt.Println("  token --user ID                    Issue a token for an existing user")
	fmt.Println("  health                             Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "user":
		err = runUser(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     redis://%s ", cfg.Redis.Addr)
		gray.Printf("(%s)\n", cfg.Redis.ChannelPrefix)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runHealth asks a running server whether it is ready to serve traffic.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// userFlags holds the parsed arguments of "user add" and "token".
type userFlags struct {
	name    string
	picture string
	userID  int64
}

// parseUserFlags accepts both "--flag value" and "--flag=value".
func parseUserFlags(args []string) (userFlags, error) {
	var f userFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		key, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(key, "-") {
			return f, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return f, fmt.Errorf("%s requires a value", key)
			}
			value = args[i+1]
			i++
		}

		switch key {
		case "--name", "-n":
			f.name = strings.TrimSpace(value)
		case "--picture", "-p":
			f.picture = strings.TrimSpace(value)
		case "--user", "-u":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil || id <= 0 {
				return f, fmt.Errorf("--user must be a positive integer, got %q", value)
			}
			f.userID = id
		default:
			return f, fmt.Errorf("unknown flag: %s", key)
		}
	}
	return f, nil
}

// openForAdmin loads the config and opens its database with a token issuer.
func openForAdmin() (*config.Config, *store.SQLiteStore, *auth.JWTVerifier, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Path == ":memory:" {
		return nil, nil, nil, errors.New("database.path is :memory:, users must be created by the running server")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, verifier, nil
}

func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: coven-chat user add --name NAME [--picture URL]")
	}

	flags, err := parseUserFlags(args[1:])
	if err != nil {
		return err
	}
	if flags.name == "" {
		return errors.New("--name flag is required")
	}
	if len(flags.name) > 100 {
		return errors.New("name exceeds maximum length of 100 characters")
	}

	cfg, s, verifier, err := openForAdmin()
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.CreateUser(ctx, flags.name, flags.picture)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	token, err := verifier.Generate(user.ID, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Printf("  ✓ Created user %s\n", user.Username)
	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:       %d\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	if user.ProfilePicture != "" {
		fmt.Printf("  Picture:  %s\n", user.ProfilePicture)
	}
	fmt.Printf("  Token:    %s\n", token)
	fmt.Printf("  Expires:  %s\n", time.Now().Add(cfg.Auth.TokenTTL).UTC().Format("Jan 02, 2006"))
	return nil
}

func runToken(ctx context.Context, args []string) error {
	flags, err := parseUserFlags(args)
	if err != nil {
		return err
	}
	if flags.userID == 0 {
		return errors.New("--user flag is required")
	}

	cfg, s, verifier, err := openForAdmin()
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.GetUser(ctx, flags.userID)
	if err != nil {
		return fmt.Errorf("looking up user %d: %w", flags.userID, err)
	}

	token, err := verifier.Generate(user.ID, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// generateSecret returns a random base64 HS256 secret.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-chat configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "chat.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	ts := tailscaleAnswers{enabled: yes(prompt(reader, "Enable Tailscale?", "no"))}
	if ts.enabled {
		ts.hostname = prompt(reader, "Tailscale hostname", "coven-chat")
		ts.authKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ts.ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		ts.funnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Relay Configuration ---")
	redisAddr := ""
	if yes(prompt(reader, "Relay events through Redis?", "no")) {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	content := renderConfig(httpAddr, dbPath, secret, ts, redisAddr, logLevel, logFormat)

	// Reject anything Load would refuse before writing it out
	if _, err := config.Parse(content, config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  coven-chat user add --name alice")
	fmt.Println("  coven-chat serve")

	return nil
}

type tailscaleAnswers struct {
	enabled   bool
	hostname  string
	authKey   string
	ephemeral bool
	funnel    bool
}

func renderConfig(httpAddr, dbPath, secret string, ts tailscaleAnswers, redisAddr, logLevel, logFormat string) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-chat configuration\n")
	cfg.WriteString("# Generated by coven-chat init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", ts.enabled))
	if ts.enabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", ts.hostname))
		if ts.authKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", ts.authKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", ts.ephemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", ts.funnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString(fmt.Sprintf("  subscriber_buffer: %d\n", config.DefaultSubscriberBuffer))
	cfg.WriteString(fmt.Sprintf("  queue_size: %d\n", config.DefaultQueueSize))
	cfg.WriteString(fmt.Sprintf("  dedupe_size: %d\n", config.DefaultDedupeSize))
	cfg.WriteString(fmt.Sprintf("  dedupe_ttl: %q\n", config.DefaultDedupeTTL.String()))
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", redisAddr != ""))
	if redisAddr != "" {
		cfg.WriteString(fmt.Sprintf("  addr: %q\n", redisAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	return cfg.String()
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
