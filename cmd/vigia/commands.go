package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vigia-electoral/vigia/internal/auth"
	"github.com/vigia-electoral/vigia/internal/config"
	"github.com/vigia-electoral/vigia/internal/database"
	"github.com/vigia-electoral/vigia/internal/gateway"
	"github.com/vigia-electoral/vigia/internal/logging"
	"github.com/vigia-electoral/vigia/internal/schools"
	"github.com/vigia-electoral/vigia/internal/session"
	"github.com/vigia-electoral/vigia/internal/stream"
	"go.uber.org/zap"
)

const hydrationTimeout = 5 * time.Second

// clientApp bundles the pieces every client command needs: configuration, the
// persisted session and the gateway bound to it.
type clientApp struct {
	cfg     config.AppConfig
	logger  *zap.Logger
	session *session.Store
	api     *gateway.Client
	closeFn func()
}

func newClientApp(ctx context.Context) (*clientApp, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.SessionPath, logger)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(session.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	hydrateCtx, cancel := context.WithTimeout(ctx, hydrationTimeout)
	defer cancel()
	if err := store.AwaitHydration(hydrateCtx); err != nil {
		return nil, fmt.Errorf("session hydration: %w", err)
	}

	api, err := gateway.NewClient(gateway.Config{
		BaseURL: appConfig.APIBaseURL,
		Session: store,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close() //nolint:errcheck
		}
		logger.Sync() //nolint:errcheck
	}

	return &clientApp{cfg: appConfig, logger: logger, session: store, api: api, closeFn: closeFn}, nil
}

func (a *clientApp) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// requireAuth rejects commands that need a live credential.
func (a *clientApp) requireAuth() error {
	if a.session.Expired() {
		return fmt.Errorf("not logged in or session expired; run `vigia login` first")
	}
	return nil
}

func (a *clientApp) newRoster() (*schools.Roster, error) {
	fetch := a.api.Schools
	if identity, ok := a.session.Identity(); ok && identity.Role == auth.RoleAdmin {
		fetch = a.api.AdminSchools
	}
	return schools.NewRoster(schools.RosterConfig{Fetch: fetch, Logger: a.logger})
}

func newLoginCommand() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate against the backend and persist the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			result, err := app.api.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := app.session.SetAuth(result.Token, result.User); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", result.User.Username, result.User.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.session.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var stationFilter string
	var schoolFilter string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live school updates and print the aggregate panel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.requireAuth(); err != nil {
				return err
			}

			roster, err := app.newRoster()
			if err != nil {
				return err
			}
			roster.SetStationFilter(stationFilter)
			roster.SetSchoolFilter(schoolFilter)

			if err := roster.Refresh(cmd.Context()); err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), roster)

			refreshes := make(chan struct{}, 1)
			listener, err := stream.NewListener(stream.Config{
				BaseURL: app.cfg.APIBaseURL,
				Session: app.session,
				Logger:  app.logger,
				OnSchoolUpdate: func(payload json.RawMessage) {
					select {
					case refreshes <- struct{}{}:
					default:
					}
				},
			})
			if err != nil {
				return err
			}

			watchCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go session.WatchExpiry(watchCtx, app.session, time.Minute)
			go func() {
				if err := listener.Run(watchCtx); err != nil && watchCtx.Err() == nil {
					app.logger.Warn("stream listener stopped", zap.Error(err))
				}
			}()

			sessionChanges, cancelWatch := app.session.Watch()
			defer cancelWatch()

			for {
				select {
				case <-watchCtx.Done():
					return nil
				case <-sessionChanges:
					if app.session.Token() == "" {
						fmt.Fprintln(cmd.OutOrStdout(), "Session ended")
						return nil
					}
				case <-refreshes:
					if err := roster.Refresh(watchCtx); err != nil {
						app.logger.Warn("refresh failed", zap.Error(err))
						continue
					}
					renderSummary(cmd.OutOrStdout(), roster)
				}
			}
		},
	}

	cmd.Flags().StringVar(&stationFilter, "station", "", "Restrict the panel to one station")
	cmd.Flags().StringVar(&schoolFilter, "school", "", "Restrict the panel to one school")
	return cmd
}

func newPanelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Inspect and edit school panels",
	}
	cmd.AddCommand(newPanelListCommand())
	cmd.AddCommand(newPanelSaveCommand())
	cmd.AddCommand(newPanelReportCommand())
	cmd.AddCommand(newPanelMilestoneCommand())
	cmd.AddCommand(newPanelNoveltyCommand())
	return cmd
}

func newPanelListCommand() *cobra.Command {
	var stationFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schools with their current counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.requireAuth(); err != nil {
				return err
			}

			roster, err := app.newRoster()
			if err != nil {
				return err
			}
			roster.SetStationFilter(stationFilter)
			if err := roster.Refresh(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, school := range roster.FilteredSchools() {
				state := "closed"
				if school.IsOpen {
					state = "open"
				}
				fmt.Fprintf(out, "%s  %-30s  %s  mesas %d/%d  pending %d  scrutadas %d\n",
					school.ID, school.Name, state,
					school.MesasOpen, school.MesasAssigned,
					school.PendingVoters, school.MesasScrutadas)
				for _, warning := range school.ConsistencyWarnings() {
					fmt.Fprintf(out, "    ! %s\n", warning)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stationFilter, "station", "", "Restrict the list to one station")
	return cmd
}

// stagedRun refreshes the roster, lets the caller stage one action and then
// walks the confirmation gate.
func stagedRun(cmd *cobra.Command, stage func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error)) error {
	app, err := newClientApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.requireAuth(); err != nil {
		return err
	}

	roster, err := app.newRoster()
	if err != nil {
		return err
	}
	if err := roster.Refresh(cmd.Context()); err != nil {
		return err
	}

	pipe, err := schools.NewPipeline(schools.PipelineConfig{
		Roster:  roster,
		Mutator: app.api,
		Logger:  app.logger,
	})
	if err != nil {
		return err
	}

	action, err := stage(app, roster, pipe)
	if err != nil {
		return err
	}

	assumeYes, _ := cmd.Flags().GetBool("yes")
	if !assumeYes {
		fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", action.Prompt)
		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			pipe.Cancel()
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		}
	}

	if err := pipe.Confirm(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Done")
	return nil
}

func addYesFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}

func newPanelSaveCommand() *cobra.Command {
	var open bool
	var mesasAssigned, mesasOpen, pendingVoters, mesasScrutadas int

	cmd := &cobra.Command{
		Use:   "save <school-id>",
		Short: "Edit counters for a school and submit after confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schoolID := args[0]
			return stagedRun(cmd, func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error) {
				flags := cmd.Flags()
				if flags.Changed("open") {
					roster.SetDraftOpen(schoolID, open)
				}
				if flags.Changed("mesas-assigned") {
					roster.SetDraftCounter(schoolID, schools.FieldMesasAssigned, mesasAssigned)
				}
				if flags.Changed("mesas-open") {
					roster.SetDraftCounter(schoolID, schools.FieldMesasOpen, mesasOpen)
				}
				if flags.Changed("pending-voters") {
					roster.SetDraftCounter(schoolID, schools.FieldPendingVoters, pendingVoters)
				}
				if flags.Changed("mesas-scrutadas") {
					roster.SetDraftCounter(schoolID, schools.FieldMesasScrutadas, mesasScrutadas)
				}
				return pipe.StageSchoolSave(schoolID)
			})
		},
	}

	cmd.Flags().BoolVar(&open, "open", false, "Mark the school open (false marks it closed)")
	cmd.Flags().IntVar(&mesasAssigned, "mesas-assigned", 0, "Assigned mesa count")
	cmd.Flags().IntVar(&mesasOpen, "mesas-open", 0, "Open mesa count")
	cmd.Flags().IntVar(&pendingVoters, "pending-voters", 0, "Pending voter count")
	cmd.Flags().IntVar(&mesasScrutadas, "mesas-scrutadas", 0, "Scrutinized mesa count")
	addYesFlag(cmd)
	return cmd
}

func newPanelReportCommand() *cobra.Command {
	var percent float64

	cmd := &cobra.Command{
		Use:   "report <school-id> <hour>",
		Short: "Submit an hourly participation checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stagedRun(cmd, func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error) {
				return pipe.StageHourlyReport(args[0], args[1], percent)
			})
		},
	}

	cmd.Flags().Float64Var(&percent, "percent", 0, "Participation percentage (0-100)")
	cmd.MarkFlagRequired("percent") //nolint:errcheck
	addYesFlag(cmd)
	return cmd
}

func newPanelMilestoneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestone <school-id> <doorsClosed|urnsRetrieved|finalClose>",
		Short: "Record a closing milestone for a school",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stagedRun(cmd, func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error) {
				return pipe.StageMilestone(args[0], schools.MilestoneFlag(args[1]))
			})
		},
	}
	addYesFlag(cmd)
	return cmd
}

func newPanelNoveltyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "novelty <school-id> <info|incidente|logistica> <text>",
		Short: "Append a novelty entry to a school log",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			noveltyType, err := schools.ParseNoveltyType(args[1])
			if err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			return stagedRun(cmd, func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error) {
				return pipe.StageNovelty(args[0], noveltyType, text)
			})
		},
	}
	addYesFlag(cmd)
	return cmd
}

func newResetCommand() *cobra.Command {
	var keepEffectives bool
	var keepMesasAssigned bool

	cmd := &cobra.Command{
		Use:   "reset <school-id>",
		Short: "Reset a school panel to its baseline (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stagedRun(cmd, func(app *clientApp, roster *schools.Roster, pipe *schools.Pipeline) (schools.PendingAction, error) {
				return pipe.StageReset(args[0], keepEffectives, keepMesasAssigned)
			})
		},
	}

	cmd.Flags().BoolVar(&keepEffectives, "keep-effectives", false, "Keep the assigned effectives")
	cmd.Flags().BoolVar(&keepMesasAssigned, "keep-mesas", false, "Keep the assigned mesa count")
	addYesFlag(cmd)
	return cmd
}

func renderSummary(out io.Writer, roster *schools.Roster) {
	summary := roster.Summary()

	fmt.Fprintf(out, "\n=== Panel @ %s ===\n", time.Now().Format("15:04:05"))
	fmt.Fprintf(out, "Locals: %d  open: %d  mesas: %d/%d (%.2f%%)\n",
		summary.Locals, summary.OpenLocals, summary.MesasOpen, summary.MesasAssigned, summary.PercentOpen)
	fmt.Fprintf(out, "Mesas pending: %d  cleared: %d/%d (%.2f%%)\n",
		summary.PendingOpen, summary.Cleared, summary.DoorsClosed, summary.PercentCleared)
	fmt.Fprintf(out, "Scrutiny: %d mesas (%.2f%%)  doors closed: %d  urns: %d  final: %d\n",
		summary.MesasScrutadas, summary.PercentScrutiny, summary.DoorsClosed, summary.UrnsRetrieved, summary.FinalClose)

	hours := make([]string, 0, len(summary.Hourly))
	for hour := range summary.Hourly {
		hours = append(hours, hour)
	}
	sort.Strings(hours)
	if len(hours) > 0 {
		fmt.Fprint(out, "Hourly avg:")
		for _, hour := range hours {
			fmt.Fprintf(out, "  %s=%.2f%%", hour, summary.Hourly[hour])
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Novelties: %d (%d incidents)\n", summary.Novelties, summary.Incidents)
}
