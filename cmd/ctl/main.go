package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contractline/internal/app"
	"contractline/internal/config"
	"contractline/internal/db"
	"contractline/internal/domain"
	"contractline/internal/engine"
	"contractline/internal/migrate"
	"contractline/internal/repo"
	"contractline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Contractline CLI",
	Long: `Contractline coordinates consumer-driven contract testing and gates deployments.
Core concepts:
- Interactions: recorded request/response pairs a consumer observed against a provider; append-only evidence.
- Contracts: one derived relationship per consumer/provider pair, rolled up from interactions.
- Verification tasks: pending requests for a provider to prove it satisfies a consumer's expectations.
- Results: immutable outcomes of verification runs; a re-run is a new result, never an edit.
- Fixtures: curated examples with a draft -> approved | rejected review lifecycle.
- Deployments: at most one active version of a service per environment.
- can-i-deploy: the gate that answers whether a version is safe to ship, with evidence.
- Event log: diary of everything, view with 'ctl log tail'.`,
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
	viper.SetEnvPrefix("CONTRACTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(registerServiceCmd())
	rootCmd.AddCommand(uploadSpecCmd())
	rootCmd.AddCommand(deployServiceCmd())
	rootCmd.AddCommand(canIDeployCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(interactionCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(deploymentsCmd())
	rootCmd.AddCommand(fixtureCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func registerServiceCmd() *cobra.Command {
	var name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "register-service",
		Short: "Register a service in the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RegisterService(ctx, name, roles, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name")
	cmd.Flags().StringArrayVar(&roles, "role", []string{}, "role (consumer or provider), repeatable")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func uploadSpecCmd() *cobra.Command {
	var service, version, gitSHA, specFile, packageFile string
	cmd := &cobra.Command{
		Use:   "upload-spec",
		Short: "Upload an immutable service version snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			specJSON, err := readOptionalFile(specFile)
			if err != nil {
				return err
			}
			packageJSON, err := readOptionalFile(packageFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UploadSpec(ctx, engine.UploadSpecOptions{
					Service:     service,
					Version:     version,
					GitSHA:      gitSHA,
					SpecJSON:    specJSON,
					PackageJSON: packageJSON,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	cmd.Flags().StringVar(&version, "version", "", "semantic version")
	cmd.Flags().StringVar(&gitSHA, "git-sha", "", "git commit")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "path to OpenAPI/proto spec JSON")
	cmd.Flags().StringVar(&packageFile, "package-file", "", "path to package manifest JSON")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func deployServiceCmd() *cobra.Command {
	var service, version, environment, status, gitSHA, failureReason string
	cmd := &cobra.Command{
		Use:   "deploy-service",
		Short: "Record a deployment attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDeployment(ctx, engine.RecordDeploymentOptions{
					Service:       service,
					Version:       version,
					Environment:   environment,
					Status:        status,
					GitSHA:        gitSHA,
					FailureReason: failureReason,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	cmd.Flags().StringVar(&version, "version", "", "deployed version")
	cmd.Flags().StringVar(&environment, "env", "", "environment")
	cmd.Flags().StringVar(&status, "status", "successful", "successful or failed")
	cmd.Flags().StringVar(&gitSHA, "git-sha", "", "git commit")
	cmd.Flags().StringVar(&failureReason, "failure-reason", "", "why the deployment failed")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func canIDeployCmd() *cobra.Command {
	var service, version, role, environment string
	cmd := &cobra.Command{
		Use:   "can-i-deploy",
		Short: "Ask the compatibility gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CanDeploy(ctx, service, version, role, environment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				verdict := "NO"
				if d.Allowed {
					verdict = "YES"
				}
				fmt.Printf("%s: %s\n", verdict, d.Reason)
				if len(d.Details) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Consumer", "C.Version", "Provider", "P.Version", "State"})
					for _, p := range d.Details {
						tw.AppendRow(table.Row{p.Consumer, p.ConsumerVersion, p.Provider, p.ProviderVersion, p.State})
					}
					tw.Render()
				}
				if !d.Allowed {
					return fmt.Errorf("deployment not allowed: %s", d.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	cmd.Flags().StringVar(&version, "version", "", "candidate version")
	cmd.Flags().StringVar(&role, "role", "", "consumer or provider")
	cmd.Flags().StringVar(&environment, "env", "", "target environment")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Short: "Inspect services"}
	svc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListServices(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	svc.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetService(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	svc.AddCommand(&cobra.Command{
		Use:   "versions <name>",
		Short: "List versions of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListServiceVersions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return svc
}

func interactionCmd() *cobra.Command {
	ic := &cobra.Command{
		Use:   "interaction",
		Short: "Record and inspect interactions",
	}
	ic.AddCommand(interactionRecordCmd())
	ic.AddCommand(interactionListCmd())
	return ic
}

func interactionRecordCmd() *cobra.Command {
	var opts engine.RecordInteractionOptions
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one observed request/response pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.RecordInteraction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider service")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "provider operation, e.g. GET /users/{id}")
	cmd.Flags().StringVar(&opts.Consumer, "consumer", "", "consumer service")
	cmd.Flags().StringVar(&opts.ConsumerVersion, "consumer-version", "", "consumer version")
	cmd.Flags().StringVar(&opts.ProviderVersion, "provider-version", "", "provider version observed")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "environment the interaction was captured in")
	cmd.Flags().StringVar(&opts.RequestJSON, "request-json", "{}", "request JSON")
	cmd.Flags().StringVar(&opts.ResponseJSON, "response-json", "", "response JSON (must carry a status field)")
	cmd.Flags().StringVar(&opts.SpecType, "spec-type", "", "spec type, e.g. openapi")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("consumer")
	_ = cmd.MarkFlagRequired("consumer-version")
	_ = cmd.MarkFlagRequired("response-json")
	return cmd
}

func interactionListCmd() *cobra.Command {
	var f repo.InteractionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInteractions(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Consumer, "consumer", "", "consumer filter")
	cmd.Flags().StringVar(&f.ConsumerVersion, "consumer-version", "", "consumer version filter")
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Operation, "operation", "", "operation filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func contractCmd() *cobra.Command {
	cc := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and curate contracts",
	}
	cc.AddCommand(contractListCmd())
	cc.AddCommand(contractStatusCmd())
	cc.AddCommand(contractRebuildCmd())
	cc.AddCommand(contractStaleCmd())
	return cc
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Consumer", "Provider", "Interactions", "Status", "Last Seen"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ConsumerName, c.ProviderName, c.InteractionCount, c.Status, c.LastSeen})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Consumer, "consumer", "", "consumer filter")
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func contractStatusCmd() *cobra.Command {
	var id, status string
	cmd := &cobra.Command{
		Use:   "set-status",
		Short: "Move a contract between active, archived and deprecated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetContractStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id")
	cmd.Flags().StringVar(&status, "status", "", "active, archived or deprecated")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func contractRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute every contract from the interaction ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RebuildContracts(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"contracts": n})
			})
		},
	}
	return cmd
}

func contractStaleCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List contracts proposed for archival",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.StaleContracts(ctx, olderThan)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold")
	return cmd
}

func verifyCmd() *cobra.Command {
	vc := &cobra.Command{
		Use:   "verify",
		Short: "Provider verification workflow",
	}
	vc.AddCommand(verifyTasksCmd())
	vc.AddCommand(verifySubmitCmd())
	vc.AddCommand(verifyRequestCmd())
	vc.AddCommand(verifyResultsCmd())
	return vc
}

func verifyTasksCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List verification tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Consumer, "consumer", "", "consumer filter")
	cmd.Flags().BoolVar(&f.IncludeClosed, "include-closed", false, "include closed tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func verifySubmitCmd() *cobra.Command {
	var taskID, specType, outcomesFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a verification result and close its task",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(outcomesFile)
			if err != nil {
				return err
			}
			var outcomes []domain.InteractionOutcome
			if err := json.Unmarshal(data, &outcomes); err != nil {
				return fmt.Errorf("invalid outcomes file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitVerificationResult(ctx, engine.SubmitResultOptions{
					TaskID:   taskID,
					SpecType: specType,
					Outcomes: outcomes,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&specType, "spec-type", "", "spec type")
	cmd.Flags().StringVar(&outcomesFile, "outcomes-file", "", "JSON array of interaction outcomes")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("outcomes-file")
	return cmd
}

func verifyRequestCmd() *cobra.Command {
	var consumer, consumerVersion, provider, providerVersion string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a fresh verification for an exact version pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, created, err := e.RequestReverification(ctx, consumer, consumerVersion, provider, providerVersion, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "created": created})
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer service")
	cmd.Flags().StringVar(&consumerVersion, "consumer-version", "", "consumer version")
	cmd.Flags().StringVar(&provider, "provider", "", "provider service")
	cmd.Flags().StringVar(&providerVersion, "provider-version", "", "provider version")
	_ = cmd.MarkFlagRequired("consumer")
	_ = cmd.MarkFlagRequired("consumer-version")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("provider-version")
	return cmd
}

func verifyResultsCmd() *cobra.Command {
	var f repo.ResultFilters
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List verification results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResults(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.ProviderVersion, "provider-version", "", "provider version filter")
	cmd.Flags().StringVar(&f.Consumer, "consumer", "", "consumer filter")
	cmd.Flags().StringVar(&f.ConsumerVersion, "consumer-version", "", "consumer version filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func deploymentsCmd() *cobra.Command {
	dc := &cobra.Command{
		Use:   "deployments",
		Short: "Inspect the deployment ledger",
	}
	var f repo.DeploymentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List deployment attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeployments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Service", "Version", "Environment", "Active", "Status", "Deployed At"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Service, d.Version, d.Environment, d.Active, d.Status, d.DeployedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Service, "service", "", "service filter")
	list.Flags().StringVar(&f.Environment, "env", "", "environment filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	dc.AddCommand(list)

	var env string
	active := &cobra.Command{
		Use:   "active",
		Short: "List active deployments in an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActiveInEnvironment(ctx, env)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	active.Flags().StringVar(&env, "env", "", "environment")
	_ = active.MarkFlagRequired("env")
	dc.AddCommand(active)
	return dc
}

func fixtureCmd() *cobra.Command {
	fc := &cobra.Command{
		Use:   "fixture",
		Short: "Curate fixtures",
		Long:  "Fixtures are curated example payloads for deterministic mocks. They enter as drafts and must be explicitly approved before a mock server may serve them.",
	}
	fc.AddCommand(fixtureProposeCmd())
	fc.AddCommand(fixtureListCmd())
	fc.AddCommand(fixtureReviewCmd("approve", "Approve a fixture"))
	fc.AddCommand(fixtureReviewCmd("reject", "Reject a draft fixture"))
	fc.AddCommand(fixtureReviewCmd("revoke", "Revoke an approved fixture"))
	fc.AddCommand(fixtureApproveAllCmd())
	return fc
}

func fixtureProposeCmd() *cobra.Command {
	var opts engine.ProposeFixtureOptions
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Draft a fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.ProposeFixture(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Service, "service", "", "service the fixture belongs to")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "operation the fixture answers")
	cmd.Flags().StringArrayVar(&opts.ServiceVersions, "service-version", []string{}, "applicable service versions")
	cmd.Flags().StringVar(&opts.DataJSON, "data-json", "", "fixture payload JSON")
	cmd.Flags().StringVar(&opts.Source, "source", "consumer", "consumer or provider")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "selection priority")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("data-json")
	return cmd
}

func fixtureListCmd() *cobra.Command {
	var f repo.FixtureFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fixtures, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFixtures(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Service, "service", "", "service filter")
	cmd.Flags().StringVar(&f.Operation, "operation", "", "operation filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func fixtureReviewCmd(verb, short string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var f domain.Fixture
				var err error
				switch verb {
				case "approve":
					f, err = e.ApproveFixture(ctx, args[0], actor, notes)
				case "reject":
					f, err = e.RejectFixture(ctx, args[0], actor, notes)
				default:
					f, err = e.RevokeFixture(ctx, args[0], actor, notes)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func fixtureApproveAllCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "approve-all",
		Short: "Approve every draft fixture of a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcomes, err := e.ApproveAllDrafts(ctx, service, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(outcomes)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ac := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for machine callers",
	}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	ac.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	ac.AddCommand(list)

	ac.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ac
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect broker config",
		Long:  "Config is the rulebook (stored in DB): environment catalog, verification evidence limits, fixture defaults and gate strictness. Import from contractline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var brokerID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default contractline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(brokerID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&brokerID, "broker-id", "local-broker", "broker identifier")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: interactions, contract updates, verification runs, deployments and fixture reviews.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Service, "service", "", "service filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
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
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, "", r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CONTRACTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CONTRACTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Contractline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	cfg, err := app.ResolveConfig(ctx, workspace, "", r)
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

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
