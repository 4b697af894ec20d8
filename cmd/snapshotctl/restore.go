package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/restore"
	"github.com/erp-backup/backup-service/internal/services"
	"github.com/erp-backup/backup-service/internal/snapshot"
)

type restoreOptions struct {
	company   string
	archive   string
	signature string
	dryRun    bool
	email     string
}

func newRestoreCmd(g *globalOptions) *cobra.Command {
	opts := &restoreOptions{}
	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore a snapshot into a company",
		Long: `Restore a snapshot file, or a stored archive with --archive, into the company
named by --company. The restore goes through the restore queue: only one restore
per company may be in flight, and the outcome is recorded in the audit log.

With --dry-run every validation stage runs and the per-table insert/update
counts are reported, but nothing is written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args)
			if err != nil {
				return err
			}

			a, closeApp, err := g.openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			res, queueID, err := a.Restores.Run(cmd.Context(), req)
			if err != nil {
				if errors.Is(err, repositories.ErrRestoreInFlight) {
					return fmt.Errorf("company %s already has a restore in progress", req.CompanyID)
				}
				if res == nil {
					return err
				}
			}
			printResult(cmd.OutOrStdout(), queueID, res)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("restore %s failed: %s", queueID, res.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.company, "company", "", "Target company id (required)")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "Restore a stored archive instead of a file")
	cmd.Flags().StringVar(&opts.signature, "signature", "", "Armored detached signature file")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate and report without writing")
	cmd.Flags().StringVar(&opts.email, "as", "", "Operator email recorded in the audit log")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

// request turns flags and arguments into a restore request. Exactly one of a file
// and --archive must be given.
func (o *restoreOptions) request(args []string) (services.RestoreRequest, error) {
	req := services.RestoreRequest{DryRun: o.dryRun, Actor: operator(o.email)}

	companyID, err := uuid.Parse(o.company)
	if err != nil {
		return req, fmt.Errorf("invalid --company %q: %w", o.company, err)
	}
	req.CompanyID = companyID

	switch {
	case len(args) == 1 && o.archive != "":
		return req, errors.New("pass either a snapshot file or --archive, not both")
	case o.archive != "":
		id, err := uuid.Parse(o.archive)
		if err != nil {
			return req, fmt.Errorf("invalid --archive %q: %w", o.archive, err)
		}
		req.ArchiveID = &id
	case len(args) == 1:
		data, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
		if err != nil {
			return req, fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		_, raw, err := snapshot.Unpack(data, nil, 0)
		if err != nil {
			return req, fmt.Errorf("failed to decode %s: %w", args[0], err)
		}
		req.Snapshot = json.RawMessage(raw)
	default:
		return req, errors.New("a snapshot file or --archive is required")
	}

	if o.signature != "" {
		sig, err := os.ReadFile(o.signature) // #nosec G304 -- operator-supplied path
		if err != nil {
			return req, fmt.Errorf("failed to read signature: %w", err)
		}
		req.Signature = string(sig)
	}
	return req, nil
}

func printResult(w io.Writer, queueID uuid.UUID, res *restore.Result) {
	mode := "apply"
	if res.Stats != nil && res.Stats.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Restore %s (%s)\n", queueID, mode)
	if !res.Success {
		fmt.Fprintf(w, "  Result: FAILED (%s)\n", res.Code)
		if res.Stage != "" {
			fmt.Fprintf(w, "  Stage:  %s\n", res.Stage)
		}
		fmt.Fprintf(w, "  Error:  %s\n", res.Error)
		return
	}
	fmt.Fprintf(w, "  Result: OK\n")
	if res.Stats == nil {
		return
	}
	printStats(w, res.Stats)
}

func printStats(w io.Writer, st *restore.Stats) {
	fmt.Fprintf(w, "  Rows:     %s\n", humanize.Comma(st.TotalRows))
	fmt.Fprintf(w, "  Duration: %s\n", time.Duration(st.DurationMS)*time.Millisecond)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if st.DryRun {
		fmt.Fprintf(tw, "  TABLE\tROWS\tWOULD INSERT\tWOULD UPDATE\n")
	} else {
		fmt.Fprintf(tw, "  TABLE\tROWS\tINSERTED\tUPDATED\n")
	}
	for _, name := range st.Order {
		ts, ok := st.Tables[name]
		if !ok || ts.Rows == 0 {
			continue
		}
		ins, upd := ts.Inserted, ts.Updated
		if st.DryRun {
			ins, upd = ts.WouldInsert, ts.WouldUpdate
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\n", name, ts.Rows, ins, upd)
	}
	tw.Flush()
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <queue-id>",
		Short: "Show one restore queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid queue id %q: %w", args[0], err)
			}

			a, closeApp, err := g.openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			entry, err := a.Restores.GetStatus(cmd.Context(), queueID)
			if err != nil {
				return err
			}
			printEntry(cmd.OutOrStdout(), entry)
			return nil
		},
	}
}

func printEntry(w io.Writer, e *models.RestoreQueueEntry) {
	fmt.Fprintf(w, "Restore %s\n", e.ID)
	fmt.Fprintf(w, "  Company:  %s\n", e.CompanyID)
	fmt.Fprintf(w, "  Status:   %s\n", e.Status)
	fmt.Fprintf(w, "  Mode:     %s\n", e.Mode())
	if e.ArchiveID != nil {
		fmt.Fprintf(w, "  Archive:  %s\n", *e.ArchiveID)
	}
	fmt.Fprintf(w, "  Created:  %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))
	if e.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", e.FinishedAt.Format(time.RFC3339))
	}
	if e.ErrorCode != nil {
		fmt.Fprintf(w, "  Code:     %s\n", *e.ErrorCode)
	}
	if e.ErrorMessage != nil {
		fmt.Fprintf(w, "  Error:    %s\n", *e.ErrorMessage)
	}
	if len(e.Stats) > 0 {
		var st restore.Stats
		if err := json.Unmarshal(e.Stats, &st); err == nil {
			printStats(w, &st)
		}
	}
}

type historyOptions struct {
	company string
	status  string
	limit   int
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent restores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := opts.filters()
			if err != nil {
				return err
			}

			a, closeApp, err := g.openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			entries, total, err := a.Restores.History(cmd.Context(), filters, opts.limit, 0)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.company, "company", "", "Only this company")
	cmd.Flags().StringVar(&opts.status, "status", "", "Only this status (PENDING, DRY_RUN_SUCCESS, COMPLETED, FAILED)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func (o *historyOptions) filters() (repositories.RestoreFilters, error) {
	var f repositories.RestoreFilters
	if o.company != "" {
		id, err := uuid.Parse(o.company)
		if err != nil {
			return f, fmt.Errorf("invalid --company %q: %w", o.company, err)
		}
		f.CompanyID = &id
	}
	if o.status != "" {
		status := models.RestoreStatus(strings.ToUpper(o.status))
		if !status.Valid() {
			return f, fmt.Errorf("invalid --status %q", o.status)
		}
		f.Status = &status
	}
	return f, nil
}

func printHistory(w io.Writer, entries []*models.RestoreQueueEntry, total int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No restores found")
		return
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tCOMPANY\tMODE\tSTATUS\tCODE\tCREATED\n")
	for _, e := range entries {
		code := "-"
		if e.ErrorCode != nil {
			code = *e.ErrorCode
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.CompanyID, e.Mode(), e.Status, code, humanize.Time(e.CreatedAt))
	}
	tw.Flush()
	fmt.Fprintf(w, "\nShowing %d of %d\n", len(entries), total)
}
