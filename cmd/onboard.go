package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chapohq/chapo/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// A broken file should not block re-onboarding.
		fmt.Fprintf(os.Stderr, "Existing config could not be read (%v), starting from defaults.\n", err)
		cfg = config.Default()
	}

	var (
		apiBase     = cfg.Provider.APIBase
		model       = cfg.Provider.Model
		apiKey      string
		port        = strconv.Itoa(cfg.Gateway.Port)
		projectRoot = cfg.Agent.ProjectRoot
		genToken    = cfg.Gateway.Token == ""
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Provider API base").
				Description("Any OpenAI-compatible endpoint works.").
				Value(&apiBase),
			huh.NewInput().
				Title("Model").
				Value(&model),
			huh.NewInput().
				Title("API key").
				Description("Stored in your shell env, never in the config file.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewInput().
				Title("Project root").
				Description("Directory the agents work in.").
				Value(&projectRoot),
			huh.NewConfirm().
				Title("Generate a gateway auth token?").
				Value(&genToken),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Setup aborted: %v\n", err)
		os.Exit(1)
	}

	cfg.Provider.APIBase = apiBase
	cfg.Provider.Model = model
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Agent.ProjectRoot = projectRoot

	token := cfg.Gateway.Token
	if genToken {
		token = uuid.NewString()
	}
	// Secrets go through the environment; keep them out of the saved file.
	cfg.Gateway.Token = ""
	cfg.Provider.APIKey = ""
	if cfg.Sessions.SnapshotDir == "" {
		cfg.Sessions.SnapshotDir = filepath.Join(filepath.Dir(cfgPath), "sessions")
	}
	if cfg.Sessions.EventLogPath == "" {
		cfg.Sessions.EventLogPath = filepath.Join(filepath.Dir(cfgPath), "events.db")
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Add these to your shell profile:")
	if apiKey != "" {
		fmt.Printf("  export CHAPO_PROVIDER_API_KEY=%s\n", apiKey)
	} else {
		fmt.Println("  export CHAPO_PROVIDER_API_KEY=<your key>")
	}
	if token != "" {
		fmt.Printf("  export CHAPO_GATEWAY_TOKEN=%s\n", token)
	}
	fmt.Println()
	fmt.Println("Then start the gateway:  chapo gateway")
}
