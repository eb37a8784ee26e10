package main

import (
	"os"

	groupchat "github.com/peerlearn/groupchat/app"
	"github.com/spf13/cobra"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := groupchat.LoadConfig(configFile)
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(os.Stdout, config.LogLevel)
		if err != nil {
			return err
		}
		defer closeLog()

		app, err := groupchat.New(cmd.Context(), config, logger)
		if err != nil {
			return err
		}
		return app.Start()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the config file")
	rootCmd.AddCommand(serveCmd)
}
