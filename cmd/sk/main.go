package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"skirmish/internal/app"
	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/power"
	"skirmish/internal/repo"
	"skirmish/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sk",
	Short: "Skirmish squadron battle coordinator",
	Long:  "sk manages power-scored squadrons and runs battles between them.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if workspace == "" {
			return fmt.Errorf("workspace is required")
		}
		return nil
	},
}

func main() {
	initConfig()
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKIRMISH")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(squadronCmd())
	rootCmd.AddCommand(battleCmd())
	rootCmd.AddCommand(assetsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			_, conn, err := app.OpenEngine(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.DefaultTemplate()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func squadronCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "squadron", Short: "Manage squadrons"}
	cmd.AddCommand(squadronCreateCmd(), squadronListCmd(), squadronShowCmd(),
		squadronAddCmd(), squadronRemoveCmd(), squadronDeleteCmd())
	return cmd
}

func squadronCreateCmd() *cobra.Command {
	var squadronType string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a squadron",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSquadron(ctx, viper.GetString("actor-id"), args[0], squadronType)
				if err != nil {
					return err
				}
				return printJSONOrValue(s)
			})
		},
	}
	cmd.Flags().StringVar(&squadronType, "type", "standard", "squadron type")
	return cmd
}

func squadronListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List squadrons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				squadrons, err := e.Repo.ListSquadrons(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(squadrons)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Members", "Total", "Locked"})
				for _, s := range squadrons {
					tw.AppendRow(table.Row{s.ID, s.Name, s.OwnerID, s.MemberCount, s.TotalPower, s.Locked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func squadronShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <squadron-id>",
		Short: "Show a squadron and its roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSquadron(ctx, args[0])
				if err != nil {
					return err
				}
				members, err := e.Repo.ListRosterMembers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"squadron": s, "members": members})
				}
				fmt.Printf("%s  %s  owner=%s  locked=%v\n", s.ID, s.Name, s.OwnerID, s.Locked)
				fmt.Printf("power: army=%d religion=%d civilization=%d economic=%d total=%d\n",
					s.ArmyPower, s.ReligionPower, s.CivilizationPower, s.EconomicPower, s.TotalPower)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Asset", "Role", "Class", "Spec", "Army", "Rel", "Civ", "Econ"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.AssetID, m.Role, m.Class, m.Specialization, m.Army, m.Religion, m.Civilization, m.Economic})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func squadronAddCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add <squadron-id> <asset-id>",
		Short: "Add an asset to the roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, args[0], args[1], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "roster role")
	return cmd
}

func squadronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <squadron-id> <asset-id>",
		Short: "Remove an asset from the roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMember(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
}

func squadronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <squadron-id>",
		Short: "Delete a squadron",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSquadron(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func battleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "battle", Short: "Manage battles"}
	cmd.AddCommand(battleCreateCmd(), battleListCmd(), battleShowCmd(), battleJoinCmd(),
		battleMoveCmd(), battleMovesCmd(), battleCompleteCmd(), battleCancelCmd(), battleFinalizeCmd())
	return cmd
}

func battleCreateCmd() *cobra.Command {
	var opts engine.BattleCreateOptions
	var wager, timeLimit int
	cmd := &cobra.Command{
		Use:   "create <squadron-id>",
		Short: "Open a battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("actor-id")
			opts.SquadronID = args[0]
			if cmd.Flags().Changed("wager") {
				opts.Wager = &wager
			}
			if cmd.Flags().Changed("time-limit") {
				opts.TimeLimitMinutes = &timeLimit
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBattle(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BattleType, "type", "solo", "battle type (solo|group)")
	cmd.Flags().StringVar(&opts.CombatType, "combat", "military", "combat type (military|religious|social|economic)")
	cmd.Flags().StringVar(&opts.Terrain, "terrain", "", "terrain")
	cmd.Flags().IntVar(&wager, "wager", 0, "wager amount")
	cmd.Flags().IntVar(&timeLimit, "time-limit", 0, "time limit in minutes")
	cmd.Flags().StringVar(&opts.RequiredSpecialization, "specialization", "", "required specialization")
	cmd.Flags().StringVar(&opts.PartnerCollectionID, "partner-collection", "", "partner collection id")
	cmd.Flags().IntVar(&opts.PartnerMinCount, "partner-min", 0, "minimum partner collection holdings")
	cmd.Flags().BoolVar(&opts.VsAdversary, "vs-adversary", false, "battle the automated adversary")
	cmd.Flags().StringVar(&opts.Narrative, "narrative", "", "battle premise")
	return cmd
}

func battleListCmd() *cobra.Command {
	var status string
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List battles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := ""
				if mine {
					actor = viper.GetString("actor-id")
				}
				battles, err := e.Repo.ListBattles(ctx, status, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(battles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Combat", "Status", "Creator", "Opponent", "Winner"})
				for _, b := range battles {
					opponent := ""
					if b.OpponentID != nil {
						opponent = *b.OpponentID
					}
					winner := ""
					if b.WinnerSquadronID != nil {
						winner = *b.WinnerSquadronID
					}
					tw.AppendRow(table.Row{b.ID, b.CombatType, b.Status, b.CreatorID, opponent, winner})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&mine, "mine", false, "only battles I participate in")
	return cmd
}

func battleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <battle-id>",
		Short: "Show a battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBattle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(b)
			})
		},
	}
}

func battleJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <battle-id> <squadron-id>",
		Short: "Join an open battle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.JoinBattle(ctx, args[0], viper.GetString("actor-id"), args[1])
				if err != nil {
					return err
				}
				return printJSONOrValue(b)
			})
		},
	}
}

func battleMoveCmd() *cobra.Command {
	var riskTier string
	cmd := &cobra.Command{
		Use:   "move <battle-id> <action>",
		Short: "Record a move",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecordMove(ctx, args[0], viper.GetString("actor-id"), args[1], riskTier)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("round %d: %s %+d\n", m.Round, outcomeWord(m.Success), m.PowerChange)
				if m.Narration != "" {
					fmt.Println(m.Narration)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&riskTier, "risk", "medium", "risk tier (low|medium|high)")
	return cmd
}

func outcomeWord(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func battleMovesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "moves <battle-id>",
		Short: "List battle moves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				moves, err := e.Repo.ListMoves(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(moves)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Actor", "Action", "Risk", "Success", "Delta"})
				for _, m := range moves {
					tw.AppendRow(table.Row{m.Round, m.ActorID, m.Action, m.RiskTier, m.Success, m.PowerChange})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func battleCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <battle-id>",
		Short: "Complete a battle without a verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CompleteBattle(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(b)
			})
		},
	}
}

func battleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <battle-id>",
		Short: "Cancel an open battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CancelBattle(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(b)
			})
		},
	}
}

func battleFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <battle-id>",
		Short: "Finalize a battle and decide the winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.FinalizeBattle(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				winner := "none"
				if b.WinnerSquadronID != nil {
					winner = *b.WinnerSquadronID
				}
				fmt.Printf("battle %s: %s, winner %s\n", b.ID, b.Status, winner)
				if b.DecisionReason != "" {
					fmt.Println(b.DecisionReason)
				}
				return nil
			})
		},
	}
}

type assetImportRecord struct {
	AssetID        string `json:"asset_id"`
	Class          string `json:"class"`
	Specialization string `json:"specialization"`
	Army           int    `json:"army"`
	Religion       int    `json:"religion"`
	Civilization   int    `json:"civilization"`
	Economic       int    `json:"economic"`
}

func assetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assets", Short: "Manage asset power attributes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Load asset power scores from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var records []assetImportRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for _, rec := range records {
					if strings.TrimSpace(rec.AssetID) == "" {
						return fmt.Errorf("record missing asset_id")
					}
					err := r.UpsertAssetAttributes(ctx, rec.AssetID, power.Snapshot{
						Army:           rec.Army,
						Religion:       rec.Religion,
						Civilization:   rec.Civilization,
						Economic:       rec.Economic,
						Class:          rec.Class,
						Specialization: rec.Specialization,
					})
					if err != nil {
						return err
					}
				}
				fmt.Printf("imported %d asset(s)\n", len(records))
				return nil
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext is shown once and never stored.
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue open battles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireOpenBattles(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d battle(s)\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.OpenEngine(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SKIRMISH_JWT_SECRET"),
				AllowLegacyActorHeader: devAuth,
			}
			if authCfg.JWTSecret == "" && !devAuth {
				return fmt.Errorf("SKIRMISH_JWT_SECRET is required unless --dev-auth is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			fmt.Printf("listening on %s (docs at /docs)\n", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "accept the X-Actor-Id dev header")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, conn, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e.Repo)
}

func printJSONOrValue(v any) error {
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
