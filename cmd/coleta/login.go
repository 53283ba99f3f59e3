package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the access token in .coleta/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(projectDir)
		if err != nil {
			return err
		}
		defer logger.Close()

		in := bufio.NewReader(cmd.InOrStdin())
		if loginEmail == "" {
			if loginEmail, err = prompt(cmd, in, "Email: "); err != nil {
				return err
			}
		}
		if loginPassword == "" {
			loginPassword = os.Getenv("COLETA_PASSWORD")
		}
		if loginPassword == "" {
			if loginPassword, err = prompt(cmd, in, "Password: "); err != nil {
				return err
			}
		}

		client, err := newBackend(cfg, logger)
		if err != nil {
			return err
		}
		session, err := client.Login(cmd.Context(), loginEmail, loginPassword)
		if err != nil {
			return err
		}
		if err := cfg.SetToken(session.Access); err != nil {
			return err
		}
		logger.WithField("user_type", session.UserType).Info("coleta.login")
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s. Token saved to %s\n", loginEmail, cfg.ProjectConfigPath())
		return nil
	},
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (or COLETA_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}
