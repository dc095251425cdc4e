package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage billfold configuration",
	Long: `Manage the billfold configuration file.

Configuration lives at ~/.billfold/config.yaml by default. Provider API
keys should use ${ENV_VAR} references so the file never holds secrets.

Examples:
  billfold config init   # Write a default config file
  billfold config show   # Print the effective configuration`,
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a default configuration file to the home directory.

The generated file references API keys via environment variables
(MISTRAL_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY) and must be edited
to list the PDF hosts the service is allowed to fetch from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}

		path := cfgFile
		if path == "" {
			path = h.ConfigPath()
		}

		if !configForce && h.ConfigExists() && cfgFile == "" {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("Wrote default config to %s\n", path)
		fmt.Println("Edit allowed_pdf_hosts before starting the server.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration after defaults and the config
file are merged. Literal API keys are masked; ${ENV_VAR} references are
shown as written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}

		configPath := cfgFile
		if configPath == "" && h.ConfigExists() {
			configPath = h.ConfigPath()
		}
		mgr, err := config.NewManager(configPath)
		if err != nil {
			return err
		}

		return api.Output(maskSecrets(mgr.Get()))
	},
}

// maskSecrets copies the config with literal API keys and the store URL
// password replaced. Environment variable references carry no secret and
// stay readable.
func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg

	out.OCRProviders = make(map[string]config.OCRProviderCfg, len(cfg.OCRProviders))
	for name, p := range cfg.OCRProviders {
		p.APIKey = maskKey(p.APIKey)
		out.OCRProviders[name] = p
	}
	out.LLMProviders = make(map[string]config.LLMProviderCfg, len(cfg.LLMProviders))
	for name, p := range cfg.LLMProviders {
		p.APIKey = maskKey(p.APIKey)
		out.LLMProviders[name] = p
	}
	out.Store.URL = maskStoreURL(cfg.Store.URL)
	out.Postgres.Password = maskKey(cfg.Postgres.Password)
	return &out
}

func maskKey(key string) string {
	if key == "" || strings.HasPrefix(key, "${") {
		return key
	}
	return "***"
}

func maskStoreURL(raw string) string {
	if raw == "" || strings.Contains(raw, "${") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
