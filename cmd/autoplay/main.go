package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetpilot.ai/internal/config"
	"fleetpilot.ai/internal/wallet"
)

var rootCmd = &cobra.Command{
	Use:   "autoplay",
	Short: "Drive ledger fleets through extraction, docking and transit",
	Long: `autoplay runs one agent per configured fleet. Each agent reads the fleet's
account from the ledger gateway, decides the next action, and submits it.
Agent activity is journaled under <data_dir>/journal and indexed in
<data_dir>/index/autoplay.sqlite for 'autoplay status'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, cancel := signalContext()
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to autoplay.yaml")
	rootCmd.PersistentFlags().String("data-dir", "", "runtime data directory (default: data_dir from --config, else ./data)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// resolveDataDir returns --data-dir when set, else data_dir from the config
// file and environment.
func resolveDataDir(flagValue, configPath string) (string, error) {
	if flagValue = strings.TrimSpace(flagValue); flagValue != "" {
		return flagValue, nil
	}
	return config.LoadDataDir(configPath)
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(keygenCmd())
}

func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Create a signing keypair file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", args[0])
			}
			kp, err := wallet.Generate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.PublicKey())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
