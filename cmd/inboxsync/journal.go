package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/database"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
)

func newJournalCommand() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.OpenSQLite(viper.GetString("database.path"), nil)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			journal, err := mutation.NewJournal(mutation.JournalConfig{
				Database:   db,
				IDProvider: inbox.NewUUIDProvider(),
			})
			if err != nil {
				return err
			}
			entries, err := journal.Entries(cmd.Context(), mutation.EntryStatus(status), limit)
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "CREATED\tOPERATION\tENTITY\tSTATUS\tERROR")
			for _, entry := range entries {
				fmt.Fprintf(writer, "%s\t%s\t%s/%s\t%s\t%s\n",
					time.Unix(entry.CreatedAtSeconds, 0).UTC().Format(time.RFC3339),
					entry.Operation,
					entry.EntityTable,
					entry.EntityID,
					entry.Status,
					entry.ErrorCode)
			}
			return writer.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, sent, failed, confirmed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	return cmd
}
