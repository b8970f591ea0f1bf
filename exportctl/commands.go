package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/pipeline"
	"export-service/pkg/reaper"
	"export-service/pkg/storage"

	"github.com/spf13/cobra"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the export tables and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.db.InitSchema(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
}

func reapCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail export jobs stuck in queued or processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			if staleAfter <= 0 {
				staleAfter = a.cfg.Export.StaleAfter
			}
			n, err := reaper.NewSweeper(a.db, staleAfter, a.logger).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("failed %d stale export job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("stale-after", 0, "age after which a job is stale (default export.stale_after)")
	return cmd
}

func jobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List a user's export history",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			entity, _ := cmd.Flags().GetString("entity")
			search, _ := cmd.Flags().GetString("search")
			sortBy, _ := cmd.Flags().GetString("sort")
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")

			jobs, total, err := a.db.ListJobs(cmd.Context(), export.ListParams{
				UserID:   user,
				Entity:   export.Entity(entity),
				Search:   search,
				SortBy:   sortBy,
				Page:     page,
				PageSize: pageSize,
			})
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Printf("No export jobs found for user %s\n", user)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tFORMAT\tSTATUS\tROWS\tLIST\tAT")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.Entity, j.Format, j.Status, j.RowCount, j.ListName, j.DisplayTime().Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d job(s)\n", len(jobs), total)
			return nil
		},
	}
	cmd.Flags().String("user", "", "owner user id")
	cmd.Flags().String("entity", "", "filter by entity (contacts, companies)")
	cmd.Flags().String("search", "", "search list names")
	cmd.Flags().String("sort", "created_at", "sort key (created_at, list_name, entity, row_count, status)")
	cmd.Flags().Int("page", 1, "page number")
	cmd.Flags().Int("page-size", export.DefaultPageSize, "jobs per page")
	cmd.MarkFlagRequired("user")
	return cmd
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print one export job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.db.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a queued export job in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := storage.FromConfig(cmd.Context(), a.cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to open file storage: %w", err)
			}
			runner := pipeline.NewRunner(a.db, a.db, files, a.logger)
			err = runner.Run(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, export.ErrExportFailed) {
				return err
			}
			j, gerr := a.db.GetJob(cmd.Context(), args[0])
			if gerr != nil {
				return gerr
			}
			fmt.Printf("job %s is %s\n", j.ID, j.Status)
			if j.ErrorMessage != "" {
				fmt.Printf("error: %s\n", j.ErrorMessage)
			}
			return nil
		},
	}
}
