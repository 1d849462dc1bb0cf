package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/iosh/arx-sub004/walletEngine/api"
	"github.com/iosh/arx-sub004/walletEngine/config"
	"github.com/iosh/arx-sub004/walletEngine/core"
	"github.com/iosh/arx-sub004/walletEngine/db"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/logger"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command, v *viper.Viper) {
	rootCmd.AddCommand(initCmd(v))
	rootCmd.AddCommand(startCmd(v))
	rootCmd.AddCommand(accountsCmd(v))
	rootCmd.AddCommand(versionCmd())
}

func initCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config and create the encrypted vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := v.GetString(flagHome)
			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", home)

			mnemonic := v.GetString("mnemonic")
			if v.GetBool("recover") && mnemonic == "" {
				if mnemonic, err = readLine(cmd, "Enter mnemonic: "); err != nil {
					return err
				}
			}
			password, err := getPassword(cmd, "Enter vault password: ", true)
			if err != nil {
				return err
			}

			database, err := db.OpenFileDB(cfg.DataDir(), cfg.DatabaseFile, true)
			if err != nil {
				return err
			}
			defer database.Close()

			store := db.NewKeyringStore(database)
			kr := keyring.NewService(keyring.Config{Accounts: store, Vault: store, Logger: zerolog.Nop()})
			ctx := cmd.Context()
			if err := kr.Load(ctx); err != nil {
				return err
			}
			generated, err := kr.CreateVault(ctx, password, mnemonic)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ns := range kr.Namespaces() {
				acc, err := kr.DeriveAccount(ctx, ns, 0)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Derived %s account %s\n", ns, acc.Address)
			}
			kr.Lock()

			if mnemonic == "" {
				fmt.Fprintln(out, "\nWrite down this recovery phrase; it is shown only once:")
				fmt.Fprintf(out, "  %s\n", generated)
			}
			return nil
		},
	}
	cmd.Flags().String("mnemonic", "", "restore from this mnemonic instead of generating one (env ARX_MNEMONIC)")
	cmd.Flags().Bool("recover", false, "prompt for an existing mnemonic")
	return cmd
}

func startCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the wallet engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := core.New(core.Options{Config: cfg, Logger: log})
			if err != nil {
				return err
			}
			if err := engine.Start(ctx); err != nil {
				_ = engine.Stop()
				return err
			}

			gatherer := engine.Gatherer()
			if !cfg.MetricsEnabled {
				gatherer = nil
			}
			server := api.NewServer(engine, gatherer, cfg.APIListenAddr, log)
			if err := server.Start(); err != nil {
				_ = engine.Stop()
				return err
			}

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("api server shutdown failed")
			}
			return engine.Stop()
		},
	}
	cmd.Flags().Int(flagLogLevel, -1, "log level override, 0 = debug (env ARX_LOG_LEVEL)")
	cmd.Flags().String(flagLogFormat, "", "log format override, json or console (env ARX_LOG_FORMAT)")
	cmd.Flags().String(flagAPIAddr, "", "api listen address override (env ARX_API_ADDR)")
	cmd.Flags().Bool(flagMetrics, false, "expose /metrics (env ARX_METRICS)")
	return cmd
}

func accountsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List keyring accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			database, err := db.OpenFileDB(cfg.DataDir(), cfg.DatabaseFile, true)
			if err != nil {
				return err
			}
			defer database.Close()

			accounts, err := db.NewKeyringStore(database).ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts. Run `arxd init` first.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tADDRESS\tSOURCE\tINDEX")
			for _, acc := range accounts {
				index := "-"
				if acc.Index != nil {
					index = fmt.Sprint(*acc.Index)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acc.Namespace, acc.Address, acc.Source, index)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print arxd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:    arxd\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:  %s\n", Commit)
		},
	}
}

// loadConfig reads <home>/config/engine_config.json and applies flag and
// environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	home := v.GetString(flagHome)
	cfg, err := config.Load(home)
	if err != nil {
		return nil, errors.Wrap(err, "run `arxd init` first")
	}
	cfg.NodeHome = home
	if v.IsSet(flagLogLevel) && v.GetInt(flagLogLevel) >= 0 {
		cfg.LogLevel = v.GetInt(flagLogLevel)
	}
	if s := v.GetString(flagLogFormat); s != "" {
		cfg.LogFormat = s
	}
	if s := v.GetString(flagAPIAddr); s != "" {
		cfg.APIListenAddr = s
	}
	if v.GetBool(flagMetrics) {
		cfg.MetricsEnabled = true
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getPassword reads a password without echo when stdin is a terminal.
func getPassword(cmd *cobra.Command, prompt string, confirm bool) (string, error) {
	if pw := os.Getenv("ARX_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return readLine(cmd, prompt)
	}
	out := cmd.ErrOrStderr()
	fmt.Fprint(out, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(out, "Confirm password: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		if string(pass) != string(again) {
			return "", errors.New("passwords do not match")
		}
	}
	return string(pass), nil
}

func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
