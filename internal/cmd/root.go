package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/parley/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Agent-mediated voice negotiation coordinator",
	Long: `Parley runs one side of a two-party negotiation. An LLM agent negotiates
for its participant with the other party's agent over a peer connection,
turns the accepted proposal into a contract, and tracks the contract's
milestones and escrow after signing. Observers watch the negotiation live
over a websocket.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/parley/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PARLEY")
	// Replace dots with underscores for nested keys in env vars
	// e.g., PARLEY_PARTICIPANT_USER_ID for participant.user_id
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
