package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ogsolar-core/config"
	"ogsolar-core/internal/app"
	"ogsolar-core/internal/runlock"
	"ogsolar-core/internal/services/sweeper"
	"ogsolar-core/internal/utils"
)

func sweepCmd() *cobra.Command {
	var (
		minutes int
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out mobile money transactions that never got a callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes < 1 {
				return errors.New("--timeout-minutes must be at least 1")
			}
			return withApp(cmd, func(a *app.App) error {
				report, err := a.Sweeper.SweepTimeouts(cmd.Context(), sweeper.Options{
					Timeout: time.Duration(minutes) * time.Minute,
					DryRun:  dryRun,
				})
				if errors.Is(err, runlock.ErrHeld) {
					fmt.Fprintln(cmd.OutOrStdout(), "Another sweep is running, nothing to do")
					return nil
				}
				if err != nil {
					return err
				}
				printSweep(cmd, "Timeout sweep", report)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "timeout-minutes", 15, "Age after which a pending web order transaction times out")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	return cmd
}

func queryCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask the gateway for the result of pending transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				report, err := a.Sweeper.QueryPending(cmd.Context(), dryRun)
				if errors.Is(err, runlock.ErrHeld) {
					fmt.Fprintln(cmd.OutOrStdout(), "Another status query is running, nothing to do")
					return nil
				}
				if err != nil {
					return err
				}
				printSweep(cmd, "Status query", report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	return cmd
}

func printSweep(cmd *cobra.Command, title string, report *sweeper.Report) {
	out := cmd.OutOrStdout()
	if report.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(out, title)
	for _, action := range report.Actions {
		fmt.Fprintln(out, "  "+action.String())
	}
	fmt.Fprintf(out, "Scanned %d, changed %d, errors %d\n", report.Scanned, report.Changed, report.Errors)
}

func syncCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"notify"},
		Short:   "Send payment confirmations that have not gone out yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return errors.New("--days must be at least 1")
			}
			return withApp(cmd, func(a *app.App) error {
				report, err := a.Notifier.Sync(cmd.Context(), time.Duration(days)*24*time.Hour)
				if errors.Is(err, runlock.ErrHeld) {
					fmt.Fprintln(cmd.OutOrStdout(), "Another sync is running, nothing to do")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, notified %d (sms %d, email %d), failed %d\n",
					report.Scanned, report.Notified, report.SMSSent, report.EmailSent, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "How far back to look for completed payments")
	return cmd
}

func exportCmd() *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write completed mobile money transactions to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dayRange(from, to)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				n, err := a.Reconciler.Export(cmd.Context(), start, end, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d transactions to %s\n", n, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "Last day inclusive, YYYY-MM-DD")
	cmd.Flags().StringVarP(&out, "out", "o", "mpesa-transactions.xlsx", "Output file")
	return cmd
}

func dayRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse(time.DateOnly, from); err != nil {
			return start, end, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.DateOnly, to); err != nil {
			return start, end, fmt.Errorf("--to: %w", err)
		}
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

func issueTokenCmd() *cobra.Command {
	var staffID, name, role string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a staff bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case utils.RoleCashier, utils.RoleStaff, utils.RoleAccounts, utils.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			cfg := config.LoadConfig()
			issuer, err := utils.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, expires, err := issuer.GenerateToken(staffID, name, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&staffID, "staff", "", "Staff id")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", utils.RoleStaff, "cashier, staff, accounts or admin")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}
