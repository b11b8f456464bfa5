package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/api"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/config"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/trigger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "wateringd",
		Short: "Sensor-conditioned watering scheduler",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("WATERING_CONFIG"), "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWaterCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	return cmd
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, cfg, Overrides{})
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(ctx)
		},
	}
}

type waterOptions struct {
	addr        string
	amount      int
	initiatedBy string
	timeout     time.Duration
}

func NewWaterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &waterOptions{}
	cmd := &cobra.Command{
		Use:   "water <device-id>",
		Short: "Water a device now through a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWater(cmd, rootOpts, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "http://localhost:8080", "daemon HTTP address")
	cmd.Flags().IntVar(&opts.amount, "amount", 0, "water amount in ml")
	cmd.Flags().StringVar(&opts.initiatedBy, "by", os.Getenv("USER"), "operator name recorded in history")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "request timeout")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runWater(cmd *cobra.Command, rootOpts *RootOptions, opts *waterOptions, deviceID string) error {
	body, _ := json.Marshal(map[string]any{"waterAmountMl": opts.amount, "initiatedBy": opts.initiatedBy})
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	url := strings.TrimRight(opts.addr, "/") + "/devices/" + deviceID + "/water"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("water %s: %w", deviceID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var out struct {
		api.Response
		Data *model.WateringHistory `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("water %s: HTTP %d: %s", deviceID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out.Data == nil {
		return fmt.Errorf("water %s: %s", deviceID, out.Message)
	}
	if err := printHistory(cmd.OutOrStdout(), rootOpts.Format, []model.WateringHistory{*out.Data}); err != nil {
		return err
	}
	if out.Data.Outcome != model.OutcomeSuccess {
		return fmt.Errorf("water %s: %s", deviceID, out.Data.Outcome)
	}
	return nil
}

func openFromConfig(rootOpts *RootOptions) (store.Store, error) {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "memory" {
		return nil, errors.New("the memory store is not shared with the daemon; configure sqlite3 or mysql")
	}
	return OpenStore(cfg.Store)
}

func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage watering schedules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <schedules.yaml>",
		Short: "Create or update schedules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := config.LoadSchedules(args[0])
			if err != nil {
				return err
			}
			for _, s := range list {
				if _, err := trigger.Compile(s.CronExpression); err != nil {
					return fmt.Errorf("schedule %s: %w", s.ID, err)
				}
			}
			st, err := openFromConfig(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			for _, s := range list {
				if err := st.UpsertSchedule(cmd.Context(), s); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d schedule(s)\n", len(list))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openFromConfig(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			list, err := st.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			return printSchedules(cmd.OutOrStdout(), rootOpts.Format, list)
		},
	})
	for _, active := range []bool{true, false} {
		active := active
		use := "enable <schedule-id>"
		if !active {
			use = "disable <schedule-id>"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: "Set a schedule's active flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openFromConfig(rootOpts)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.SetActive(cmd.Context(), args[0], active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schedule %s active=%v\n", args[0], active)
				return nil
			},
		})
	}
	return cmd
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <device-id>",
		Short: "Show a device's watering history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openFromConfig(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			list, err := st.ListHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), rootOpts.Format, list)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSchedules(w io.Writer, format string, list []model.WateringSchedule) error {
	if format == "json" {
		if list == nil {
			list = []model.WateringSchedule{}
		}
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tCRON\tML\tACTIVE\tSENSOR-ONLY\tCONDITIONS")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\t%v\t%s\n",
			s.ID, s.DeviceID, s.CronExpression, s.WaterAmountMl, s.IsActive, s.OnlySensorTriggered, conditions(s.SensorConditions))
	}
	return tw.Flush()
}

func conditions(c model.SensorConditions) string {
	var parts []string
	if c.SoilMoistureBelow != nil {
		parts = append(parts, fmt.Sprintf("moisture<%g", *c.SoilMoistureBelow))
	}
	if c.TemperatureAbove != nil {
		parts = append(parts, fmt.Sprintf("temp>%g", *c.TemperatureAbove))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func printHistory(w io.Writer, format string, list []model.WateringHistory) error {
	if format == "json" {
		if list == nil {
			list = []model.WateringHistory{}
		}
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tDEVICE\tTYPE\tML\tOUTCOME\tREASON\tBY")
	for _, h := range list {
		reason := h.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			h.CreatedAt.Format(time.RFC3339), h.DeviceID, h.WateringType, h.WaterAmountMl, h.Outcome, reason, h.InitiatedBy)
	}
	return tw.Flush()
}
