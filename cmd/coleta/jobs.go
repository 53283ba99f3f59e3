package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsJSON bool

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the pickups available to claim",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(projectDir)
		if err != nil {
			return err
		}
		defer logger.Close()
		client, err := newBackend(cfg, logger)
		if err != nil {
			return err
		}
		jobs, err := client.ListAvailable(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jobsJSON {
			b, err := json.MarshalIndent(jobs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No pickups available.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRODUCER\tITEMS\tADDRESS")
		for _, j := range jobs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", j.ID, j.Producer.Name, j.ItemCount, j.Producer.Address.String())
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "JSON output")
	rootCmd.AddCommand(jobsCmd)
}
