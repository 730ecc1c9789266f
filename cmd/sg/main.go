package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate tracks project inspections through a staged review workflow.
Core concepts:
- Workspace: your .stagegate directory holding only the database; configs live in the DB and are imported explicitly.
- Project: owns stages, the roster and the event log; starts pending and flips in_progress when a template is instantiated.
- Stage: a unit of review with the NOT_STARTED -> IN_REVIEW -> DRAFT/COMPLETED state machine; DRAFT loops back through resubmission.
- Subtopics and checkpoints: the inspection tree under a stage; each checkpoint carries an executor and a reviewer response.
- Ledger: the immutable per-checkpoint history of review passes; a decision freezes both responses into a new iteration.
- Templates: reusable inspection trees instantiated into pending projects.
- Event log: diary of changes, view with 'sg log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(subtopicCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(membershipCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectInstantiateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Start", "End"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.StartDate, strPtrValue(p.EndDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.CreateProject(cmd.Context(), engine.ProjectCreateOptions{
				ID:        id,
				Name:      name,
				StartDate: start,
				EndDate:   end,
				ActorID:   viper.GetString("user-id"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&start, "start-date", "", "start date (RFC 3339)")
	cmd.Flags().StringVar(&end, "end-date", "", "end date (RFC 3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status, start, end string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				upd := repo.ProjectUpdate{}
				if cmd.Flags().Changed("name") {
					upd.Name = &name
				}
				if cmd.Flags().Changed("status") {
					upd.Status = &status
				}
				if cmd.Flags().Changed("start-date") {
					upd.StartDate = &start
				}
				if cmd.Flags().Changed("end-date") {
					upd.EndDate = &end
				}
				if err := e.Repo.UpdateProject(ctx, target, upd); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&status, "status", "", "status (pending, in_progress, completed)")
	cmd.Flags().StringVar(&start, "start-date", "", "start date (RFC 3339)")
	cmd.Flags().StringVar(&end, "end-date", "", "end date (RFC 3339)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGEGATE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set STAGEGATE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectInstantiateCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "instantiate",
		Short: "Instantiate a template into the pending project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				stages, err := e.InstantiateTemplate(ctx, target, templateID, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(stages)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for your project: overall state plus stage counts per review status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				stages, err := e.Repo.ListStages(ctx, projectID)
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, s := range stages {
					counts[s.Status]++
				}
				out := map[string]any{
					"project_id":   p.ID,
					"status":       p.Status,
					"stage_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Stages:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage inspection templates"}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateDeleteCmd())
	return tpl
}

// templateFile is the YAML shape accepted by 'sg template import'.
type templateFile struct {
	Name   string                 `yaml:"name"`
	Stages []domain.TemplateStage `yaml:"stages"`
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, domain.Template{
					Name:   tf.Name,
					Stages: tf.Stages,
				}, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML template")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stages", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Stages), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteTemplate(ctx, args[0])
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stg := &cobra.Command{Use: "stage", Short: "Manage review stages"}
	stg.AddCommand(stageCreateCmd())
	stg.AddCommand(stageListCmd())
	stg.AddCommand(stageShowCmd())
	stg.AddCommand(stageUpdateCmd())
	stg.AddCommand(stageDeleteCmd())
	stg.AddCommand(stageSubmitCmd())
	stg.AddCommand(stageDecideCmd())
	return stg
}

func stageCreateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStage(ctx, e.Config.Project.ID, name, description, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.ListStages(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Revision", "Updated"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, s.RevisionNumber, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stage with its subtopics, checkpoints and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.GetStageInfo(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				printStageTree(info)
				return nil
			})
		},
	}
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update stage name or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var namePtr, descPtr *string
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				updatedAt := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpdateStageFields(ctx, args[0], namePtr, descPtr, updatedAt); err != nil {
					return err
				}
				s, err := e.Repo.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteStage(ctx, args[0])
			})
		},
	}
	return cmd
}

func stageSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a stage for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitStageForReview(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stageDecideCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record a review decision for a stage in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stage, entries, err := e.DecideReview(ctx, args[0], viper.GetString("user-id"), target)
				if err != nil {
					return err
				}
				out := map[string]any{"stage": stage, "entries": entries}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Stage %s -> %s (revision %d)\n", stage.ID, stage.Status, stage.RevisionNumber)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Checkpoint", "Iteration", "Outcome"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.CheckpointID, entry.Iteration, entry.Outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target status (DRAFT or COMPLETED)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func subtopicCmd() *cobra.Command {
	st := &cobra.Command{Use: "subtopic", Short: "Manage subtopics"}
	st.AddCommand(subtopicCreateCmd())
	st.AddCommand(subtopicListCmd())
	st.AddCommand(subtopicUpdateCmd())
	st.AddCommand(subtopicDeleteCmd())
	return st
}

func subtopicCreateCmd() *cobra.Command {
	var stageID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create subtopic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.CreateSubTopic(ctx, stageID, name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&name, "name", "", "subtopic name")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subtopicListCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subtopics of a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubTopics(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func subtopicUpdateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a subtopic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.RenameSubTopic(ctx, args[0], name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new subtopic name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subtopicDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a subtopic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteSubTopic(ctx, args[0])
			})
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage checkpoints"}
	cp.AddCommand(checkpointCreateCmd())
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointShowCmd())
	cp.AddCommand(checkpointUpdateCmd())
	cp.AddCommand(checkpointAnswerCmd())
	cp.AddCommand(checkpointHistoryCmd())
	cp.AddCommand(checkpointDeleteCmd())
	return cp
}

func checkpointCreateCmd() *cobra.Command {
	var subTopicID, question string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.CreateCheckpoint(ctx, subTopicID, question, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&subTopicID, "subtopic", "", "subtopic id")
	cmd.Flags().StringVar(&question, "question", "", "checkpoint question")
	_ = cmd.MarkFlagRequired("subtopic")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func checkpointListCmd() *cobra.Command {
	var subTopicID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints of a subtopic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCheckpoints(ctx, subTopicID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Question", "Status", "Executor", "Reviewer"})
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.ID, cp.Question, cp.CurrentStatus,
						answerLabel(cp.ExecutorResponse.Answer), answerLabel(cp.ReviewerResponse.Answer)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subTopicID, "subtopic", "", "subtopic id")
	_ = cmd.MarkFlagRequired("subtopic")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cp, err := r.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	return cmd
}

func checkpointUpdateCmd() *cobra.Command {
	var question string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rewrite a checkpoint question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.UpdateCheckpointQuestion(ctx, args[0], question, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "new question text")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func checkpointAnswerCmd() *cobra.Command {
	var side, answer, remark string
	var imagePaths []string
	cmd := &cobra.Command{
		Use:   "answer <id>",
		Short: "Record an executor or reviewer response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.ResponseUpdate{
				CheckpointID: args[0],
				ActorID:      viper.GetString("user-id"),
			}
			if cmd.Flags().Changed("answer") {
				switch strings.ToLower(answer) {
				case "yes", "true":
					v := true
					upd.Answer = &v
				case "no", "false":
					v := false
					upd.Answer = &v
				default:
					return fmt.Errorf("--answer must be yes or no")
				}
			}
			if cmd.Flags().Changed("remark") {
				upd.Remark = &remark
			}
			for _, p := range imagePaths {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				upd.Images = append(upd.Images, engine.ImageUpload{
					ContentType: http.DetectContentType(data),
					Data:        data,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cp domain.Checkpoint
				var err error
				switch side {
				case domain.RoleExecutor:
					cp, err = e.RecordExecutorResponse(ctx, upd)
				case domain.RoleReviewer:
					cp, err = e.RecordReviewerResponse(ctx, upd)
				default:
					return fmt.Errorf("--side must be executor or reviewer")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&side, "side", domain.RoleExecutor, "executor or reviewer")
	cmd.Flags().StringVar(&answer, "answer", "", "yes or no")
	cmd.Flags().StringVar(&remark, "remark", "", "free-text remark")
	cmd.Flags().StringSliceVar(&imagePaths, "image", nil, "image file to attach (repeatable)")
	return cmd
}

func checkpointHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the ledger history of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.GetCheckpointHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Iteration", "Outcome", "Executor", "Reviewer", "Decided"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Iteration, entry.Outcome, entry.ExecutorID, entry.ReviewerID, entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checkpointDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteCheckpoint(ctx, args[0])
			})
		},
	}
	return cmd
}

func membershipCmd() *cobra.Command {
	m := &cobra.Command{Use: "membership", Short: "Manage the project roster"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	m.AddCommand(memberRemoveCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user to the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMembership(ctx, e.Config.Project.ID, userID, role, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role (sdh, executor, reviewer)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMemberships(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role", "Since"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a roster entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMembership(ctx, e.Config.Project.ID, userID, role, viper.GetString("user-id"))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role (sdh, executor, reviewer)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("user-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func printStageTree(info domain.StageInfo) {
	fmt.Printf("%s [%s] revision %d\n", info.Stage.Name, info.Stage.Status, info.Stage.RevisionNumber)
	for i, st := range info.SubTopics {
		connector, childPrefix := "├── ", "│   "
		if i == len(info.SubTopics)-1 {
			connector, childPrefix = "└── ", "    "
		}
		fmt.Printf("%s%s\n", connector, st.SubTopic.Name)
		for j, cp := range st.Checkpoints {
			leaf := "├── "
			if j == len(st.Checkpoints)-1 {
				leaf = "└── "
			}
			fmt.Printf("%s%s%s [%s] (%d passes)\n", childPrefix, leaf, cp.Checkpoint.Question, cp.Checkpoint.CurrentStatus, len(cp.History))
		}
	}
}

func answerLabel(a *bool) string {
	if a == nil {
		return "-"
	}
	if *a {
		return "yes"
	}
	return "no"
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
