package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/juanfont/masquerade/config"
	"github.com/juanfont/masquerade/database"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/juanfont/masquerade/server"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the impersonation audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, most recent first",
	RunE:  runAuditList,
}

var auditOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "List start entries without a matching end entry",
	RunE:  runAuditOpen,
}

var (
	auditPage  int
	auditLimit int
)

func init() {
	auditListCmd.Flags().IntVar(&auditPage, "page", 0, "page number, starting at 0")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "entries per page (1-100)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditOpenCmd)
}

func openDatabase() (*database.Database, error) {
	return server.OpenDatabase(config.Get().Database)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	auditLog := impersonation.NewAuditLog(database.NewAuditStore(db), database.NewUserStore(db))
	page, err := auditLog.ListAuditLog(cmd.Context(), auditPage, auditLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tTIME\tADMIN\tTARGET\tDURATION\tREASON")
	for _, item := range page.Items {
		duration := "-"
		if item.DurationFormatted != nil {
			duration = *item.DurationFormatted
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.EventType,
			item.EventTime.Format(time.RFC3339),
			item.Admin,
			item.Target,
			duration,
			item.Reason,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\npage %d, %d per page, %d entries total\n", page.Page, page.Limit, page.Total)
	return nil
}

func runAuditOpen(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	users := database.NewUserStore(db)
	starts, err := database.NewAuditStore(db).OpenStarts(cmd.Context())
	if err != nil {
		return err
	}
	if len(starts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No open impersonation sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tADMIN\tTARGET\tLOGIN SESSION")
	for _, e := range starts {
		loginSession := "-"
		if v, ok := e.Details["login_session_id"].(string); ok && v != "" {
			loginSession = v
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			strconv.FormatInt(e.ID, 10),
			e.EventTime.Format(time.RFC3339),
			users.ResolveDisplayName(cmd.Context(), e.AdminID),
			users.ResolveDisplayName(cmd.Context(), e.TargetUserID),
			loginSession,
		)
	}
	return w.Flush()
}
