package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/config"
	"github.com/sells-group/apihub/internal/idr"
	"github.com/sells-group/apihub/internal/metrics"
	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/provider"
	"github.com/sells-group/apihub/internal/ratelimit"
	"github.com/sells-group/apihub/internal/regnum"
	"github.com/sells-group/apihub/internal/resilience"
	"github.com/sells-group/apihub/internal/store"
	"github.com/sells-group/apihub/pkg/dnb"
	"github.com/sells-group/apihub/pkg/gleif"
)

var idrCmd = &cobra.Command{
	Use:   "idr",
	Short: "Run identity resolution stages",
	Long:  "Execute the stages of a project: seed entities, match tries, reject passes and resets.",
}

// -- idr run / seed / reject / reset --

var idrRunCmd = newStageCmd("run", "Run any stage of a project", "")

var (
	idrSeedCmd   = newStageCmd("seed", "Run a seed stage", model.RoleSeed)
	idrRejectCmd = newStageCmd("reject", "Run a reject stage", model.RoleReject)
	idrResetCmd  = newStageCmd("reset", "Run a reset stage", model.RoleReset)
)

// newStageCmd builds a stage command. A non-empty role restricts the command
// to stages of that role.
func newStageCmd(use, short string, role model.Role) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			projectID, _ := cmd.Flags().GetInt("project")
			stageID, _ := cmd.Flags().GetInt("stage")
			force, _ := cmd.Flags().GetBool("force")

			st, err := initStore(ctx, "idr")
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if role != "" {
				stage, err := st.GetStage(ctx, projectID, stageID)
				if err != nil {
					return eris.Wrapf(err, "idr %s", use)
				}
				if stage.Role != role {
					return eris.Errorf("idr %s: stage %d/%d has role %s", use, projectID, stageID, stage.Role)
				}
			}

			runner := newRunner(st, cfg, metrics.New(prometheus.DefaultRegisterer))
			sum, err := runner.Run(ctx, projectID, stageID, idr.RunOptions{Force: force})
			if err != nil {
				return eris.Wrapf(err, "idr %s", use)
			}

			formatSummary(os.Stdout, sum)
			if len(sum.Failed) > 0 {
				return eris.Errorf("idr %s: %d entities failed to persist", use, len(sum.Failed))
			}
			return nil
		},
	}

	c.Flags().Int("project", 0, "project id")
	c.Flags().Int("stage", 0, "stage id")
	c.Flags().Bool("force", false, "re-run a finished stage")
	_ = c.MarkFlagRequired("project")
	_ = c.MarkFlagRequired("stage")
	return c
}

// -- idr errors --

var idrErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List recorded API errors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projectID, _ := cmd.Flags().GetInt("project")
		stageID, _ := cmd.Flags().GetInt("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		rows, err := st.ListAPIErrors(ctx, store.APIErrorFilter{
			ProjectID: projectID,
			StageID:   stageID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "idr errors")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for i := range rows {
				if err := enc.Encode(rows[i]); err != nil {
					return eris.Wrap(err, "idr errors: encode")
				}
			}
			return nil
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No API errors recorded.")
			return nil
		}
		formatAPIErrors(os.Stdout, rows)
		return nil
	},
}

// newRunner wires the stage runner: one rate-limited, retrying matcher per
// configured API and a driver with the configured write budget.
func newRunner(st store.Store, c *config.Config, m *metrics.Metrics) *idr.Runner {
	driver := idr.NewDriver(st, idr.Options{
		ChunkSize:           c.IDR.ChunkSize,
		NonCriticalStatuses: c.IDR.NonCriticalStatuses,
		DBLimiter:           ratelimit.PerSecond(c.IDR.DBWritesPerSec),
		Normalizer:          regnum.New(c.IDR.RegNumTypeCodes),
		Metrics:             m,
	})
	return idr.NewRunner(st, driver, newMatchers(c, m), c.IDR.DataDir)
}

// newMatchers builds the match adapters. D&B is only available when a token
// is configured; stages targeting it fail validation otherwise.
func newMatchers(c *config.Config, m *metrics.Metrics) map[model.API]idr.Matcher {
	policy := resilience.DefaultPolicy().WithAttempts(c.IDR.RetryAttempts)

	matchers := map[model.API]idr.Matcher{
		model.APIGLEIF: provider.NewGLEIF(
			gleif.NewClient(
				gleif.WithBaseURL(c.GLEIF.BaseURL),
				gleif.WithHTTPClient(&http.Client{Timeout: time.Duration(c.GLEIF.TimeoutSecs) * time.Second}),
			),
			provider.Options{
				Limiter: ratelimit.NewAdaptive(string(model.APIGLEIF), c.GLEIF.RatePerSec),
				Retry:   policy,
				Metrics: m,
			},
		),
	}

	if c.DnB.Token == "" {
		zap.L().Warn("dnb token not configured, dnb stages are unavailable")
		return matchers
	}
	matchers[model.APIDnB] = provider.NewDnB(
		dnb.NewClient(c.DnB.Token,
			dnb.WithBaseURL(c.DnB.BaseURL),
			dnb.WithHTTPClient(&http.Client{Timeout: time.Duration(c.DnB.TimeoutSecs) * time.Second}),
		),
		provider.Options{
			Limiter: ratelimit.NewAdaptive(string(model.APIDnB), c.DnB.RatePerSec),
			Retry:   policy,
			Metrics: m,
		},
	)
	return matchers
}

func formatSummary(w io.Writer, s *idr.Summary) {
	fmt.Fprintf(w, "project %d stage %d (%s): %d entities in %d chunks, %s\n",
		s.ProjectID, s.StageID, s.Role, s.Total(), s.Chunks, s.Duration.Round(time.Millisecond))
	if s.Inserted > 0 {
		fmt.Fprintf(w, "  inserted: %d\n", s.Inserted)
	}

	states := make([]string, 0, len(s.States))
	for st := range s.States {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(w, "  %s: %d\n", st, s.States[idr.State(st)])
	}

	if s.APIErrors > 0 {
		fmt.Fprintf(w, "  api errors: %d (see `apihub idr errors`)\n", s.APIErrors)
	}
	for _, f := range s.Failed {
		fmt.Fprintf(w, "  failed entity %d: %v\n", f.EntityID, f.Err)
	}
}

func formatAPIErrors(w io.Writer, rows []model.APIError) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTAGE\tENTITY\tAPI\tSTATUS\tERROR")
	for _, r := range rows {
		msg := r.Error
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		fmt.Fprintf(tw, "%s\t%d/%d\t%d\t%s\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.ProjectID, r.StageID, r.EntityID, r.API, r.HTTPStatus, msg)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	idrErrorsCmd.Flags().Int("project", 0, "filter by project id")
	idrErrorsCmd.Flags().Int("stage", 0, "filter by stage id")
	idrErrorsCmd.Flags().Int("limit", 100, "maximum rows")
	idrErrorsCmd.Flags().Bool("json", false, "print JSON lines for replay")

	idrCmd.AddCommand(idrRunCmd, idrSeedCmd, idrRejectCmd, idrResetCmd, idrErrorsCmd)
	rootCmd.AddCommand(idrCmd)
}
