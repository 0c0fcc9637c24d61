package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage project definitions",
	Long:  "Load project and stage definitions from YAML and inspect their progress.",
}

// -- project load --

var projectLoadCmd = &cobra.Command{
	Use:   "load <file.yaml>",
	Short: "Create or update a project from a YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "project load: open definition")
		}
		defer f.Close()

		p, err := readProject(f)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SaveProject(ctx, p); err != nil {
			return eris.Wrap(err, "project load")
		}

		zap.L().Info("project loaded",
			zap.Int("project_id", p.ID),
			zap.String("name", p.Name),
			zap.Int("stages", len(p.Stages)),
		)
		return nil
	},
}

// -- project status --

var projectStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stages and resolution progress",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projectID, _ := cmd.Flags().GetInt("project")

		var projects []model.Project
		if projectID > 0 {
			p, err := st.GetProject(ctx, projectID)
			if err != nil {
				return eris.Wrap(err, "project status")
			}
			projects = append(projects, *p)
		} else {
			projects, err = st.ListProjects(ctx)
			if err != nil {
				return eris.Wrap(err, "project status")
			}
		}

		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}

		rows, err := stageStatuses(ctx, st, projects)
		if err != nil {
			return err
		}
		formatStageStatus(os.Stdout, rows)
		return nil
	},
}

// readProject decodes and validates a project definition. Stage inputs
// without a project id refer to the same project.
func readProject(r io.Reader) (*model.Project, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p model.Project
	if err := dec.Decode(&p); err != nil {
		return nil, eris.Wrap(err, "project: decode definition")
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		st.ProjectID = p.ID
		if in := st.Params.Input; in != nil && in.ProjectID == 0 {
			in.ProjectID = p.ID
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// stageStatus is one stage with the entity counts of its project's seed.
type stageStatus struct {
	Stage  model.Stage         `json:"stage"`
	Counts *store.StageCounts `json:"counts,omitempty"`
}

func stageStatuses(ctx context.Context, st store.Store, projects []model.Project) ([]stageStatus, error) {
	var out []stageStatus
	for _, p := range projects {
		for _, stage := range p.Stages {
			row := stageStatus{Stage: stage}
			if stage.Role == model.RoleSeed {
				c, err := st.CountEntities(ctx, p.ID, stage.StageID)
				if err != nil {
					return nil, eris.Wrapf(err, "count entities of %d/%d", p.ID, stage.StageID)
				}
				row.Counts = &c
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func formatStageStatus(w io.Writer, rows []stageStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tSTAGE\tNAME\tROLE\tTRY\tAPI\tFINISHED\tRESOLVED")
	for _, r := range rows {
		s := r.Stage
		finished := "-"
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Format("2006-01-02 15:04")
		} else if s.Finished {
			finished = "yes"
		}
		resolved := ""
		if r.Counts != nil {
			resolved = fmt.Sprintf("%d/%d", r.Counts.Resolved, r.Counts.Total)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ProjectID, s.StageID, s.Name, s.Role, s.Params.Try, s.Params.API, finished, resolved)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	projectStatusCmd.Flags().Int("project", 0, "only show this project")

	projectCmd.AddCommand(projectLoadCmd, projectStatusCmd)
	rootCmd.AddCommand(projectCmd)
}
