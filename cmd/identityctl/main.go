// Command identityctl is the operator tool for participant identities:
// resolving canonical ids, reading audit trails, scoring exports offline,
// merging by hand, verifying merge pointer integrity and managing members.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/audit"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/config"
	"github.com/participant-hub/identity/internal/db"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/matching"
	"github.com/participant-hub/identity/internal/merge"
	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/rbac"
	"github.com/participant-hub/identity/internal/repositories"
	"github.com/participant-hub/identity/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	org     string
	verbose bool
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "identityctl",
		Short:         "Inspect and repair participant identities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.org, "org", "", "Organization id")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	cmd.AddCommand(
		resolveCmd(opts),
		trailCmd(opts),
		scoreCmd(opts),
		mergeCmd(opts),
		verifyCmd(opts),
		memberCmd(opts),
	)
	return cmd
}

func resolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <participant-id>",
		Short: "Print the canonical participant for an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, id, err := orgAndID(opts, args[0])
			if err != nil {
				return err
			}
			rt, err := connect(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.close()

			p, err := rt.service.GetCanonical(cmd.Context(), orgID, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"requested_id": id,
				"canonical_id": p.ID,
				"participant":  p,
			})
		},
	}
}

func trailCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "trail <participant-id>",
		Short: "Print the audit trail of an identity, merged records included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, id, err := orgAndID(opts, args[0])
			if err != nil {
				return err
			}
			rt, err := connect(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.close()

			trail, err := rt.service.GetAuditTrail(cmd.Context(), orgID, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), trail)
		},
	}
}

func scoreCmd(opts *options) *cobra.Command {
	var file string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "score --file <export>",
		Short: "Score a chat export against the organization's participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrg(opts)
			if err != nil {
				return err
			}
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			rt, err := connect(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.service.ScoreExport(cmd.Context(), orgID, filepath.Base(file), data)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), report.String())
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Chat export (result.json or messages*.html)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	return cmd
}

func mergeCmd(opts *options) *cobra.Command {
	var (
		target     string
		duplicates []string
		actor      string
		localLock  bool
	)

	cmd := &cobra.Command{
		Use:   "merge --target <id> --duplicate <id>...",
		Short: "Fold duplicate participants into a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, targetID, err := orgAndID(opts, target)
			if err != nil {
				return err
			}
			if len(duplicates) == 0 {
				return fmt.Errorf("at least one --duplicate is required")
			}
			dups := make([]uuid.UUID, 0, len(duplicates))
			for _, raw := range duplicates {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid duplicate id %q", raw)
				}
				dups = append(dups, id)
			}
			who, err := parseActor(actor)
			if err != nil {
				return err
			}

			rt, err := connect(cmd.Context(), opts, !localLock)
			if err != nil {
				return err
			}
			defer rt.close()

			out, err := rt.service.Merge(cmd.Context(), orgID, targetID, dups, who)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Participant that survives")
	cmd.Flags().StringSliceVar(&duplicates, "duplicate", nil, "Participant to fold into the target (repeatable)")
	cmd.Flags().StringVar(&actor, "actor", "", "User id recorded as the actor (default: system)")
	cmd.Flags().BoolVar(&localLock, "local-lock", false, "Skip the Redis merge lock (only when no API is running)")
	return cmd
}

func verifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every merge chain ends at a canonical participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := connect(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.close()

			var broken []services.BrokenChain
			if opts.org == "" {
				broken, err = rt.scanner.ScanAll(cmd.Context())
			} else {
				orgID, perr := parseOrg(opts)
				if perr != nil {
					return perr
				}
				broken, err = rt.scanner.ScanOrg(cmd.Context(), orgID)
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), broken); err != nil {
				return err
			}
			if len(broken) > 0 {
				return fmt.Errorf("%d broken merge chain(s)", len(broken))
			}
			return nil
		},
	}
}

func memberCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage who may sign in to an organization",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "grant <telegram-user-id> <role>",
			Short: "Add a member or change their role",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				orgID, tgID, err := orgAndTelegramID(opts, args[0])
				if err != nil {
					return err
				}
				role := args[1]
				if _, ok := rbac.RolePermissions[role]; !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				rt, err := connect(cmd.Context(), opts, false)
				if err != nil {
					return err
				}
				defer rt.close()

				m, err := rt.members.Grant(cmd.Context(), orgID, tgID, role)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			},
		},
		&cobra.Command{
			Use:   "revoke <telegram-user-id>",
			Short: "Remove a member",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				orgID, tgID, err := orgAndTelegramID(opts, args[0])
				if err != nil {
					return err
				}
				rt, err := connect(cmd.Context(), opts, false)
				if err != nil {
					return err
				}
				defer rt.close()
				return rt.members.Revoke(cmd.Context(), orgID, tgID)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List members",
			RunE: func(cmd *cobra.Command, args []string) error {
				orgID, err := parseOrg(opts)
				if err != nil {
					return err
				}
				rt, err := connect(cmd.Context(), opts, false)
				if err != nil {
					return err
				}
				defer rt.close()

				list, err := rt.members.ListByOrg(cmd.Context(), orgID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			},
		},
	)
	return cmd
}

type session struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	service *services.IdentityService
	scanner *services.IntegrityScanner
	members *repositories.MemberRepo
}

func (r *session) close() {
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	r.pool.Close()
}

// connect wires the same service graph as the API. Events are only published
// when Redis is in use.
func connect(ctx context.Context, opts *options, useRedis bool) (*session, error) {
	log := zap.NewNop()
	if opts.verbose {
		log, _ = zap.NewDevelopment()
	}
	cfg := config.Load()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, 4, log)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	rt := &session{pool: pool}

	policy := matching.DefaultPolicy()
	if cfg.MatchPolicyFile != "" {
		if policy, err = matching.LoadPolicyFile(cfg.MatchPolicyFile); err != nil {
			rt.close()
			return nil, err
		}
	}

	var (
		locker    merge.Locker     = merge.NewMemoryLocker(cfg.MergeLockWait)
		publisher events.Publisher = events.NewMemoryBus()
	)
	if useRedis {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rt.rdb = rdb
		locker = merge.NewRedisLocker(rdb, cfg.MergeLockTTL, cfg.MergeLockWait)
		publisher = events.NewRedisPublisher(rdb, log)
	}

	m := metrics.New()
	participantRepo := repositories.NewParticipantRepo(pool)
	resolver := canonical.NewResolver(participantRepo, cfg.ResolveMaxDepth)
	recorder := audit.NewRecorder(repositories.NewAuditRepo(pool), audit.NewLineage(resolver, participantRepo), m, log)
	coordinator := merge.NewCoordinator(repositories.NewMergeRepo(pool), cfg.ResolveMaxDepth, locker, recorder, publisher, m, log)

	rt.service = services.NewIdentityService(
		participantRepo,
		repositories.NewImportRepo(pool, cfg.ResolveMaxDepth),
		matching.NewEngine(policy, cfg.MatchWorkers, log, m),
		resolver,
		coordinator,
		recorder,
		publisher,
		m,
		log,
	)
	rt.scanner = services.NewIntegrityScanner(participantRepo, cfg.ResolveMaxDepth, log)
	rt.members = repositories.NewMemberRepo(pool)
	return rt, nil
}

func parseOrg(opts *options) (uuid.UUID, error) {
	if opts.org == "" {
		return uuid.Nil, fmt.Errorf("--org is required")
	}
	id, err := uuid.Parse(opts.org)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --org %q", opts.org)
	}
	return id, nil
}

func orgAndID(opts *options, raw string) (uuid.UUID, uuid.UUID, error) {
	orgID, err := parseOrg(opts)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid participant id %q", raw)
	}
	return orgID, id, nil
}

func orgAndTelegramID(opts *options, raw string) (uuid.UUID, int64, error) {
	orgID, err := parseOrg(opts)
	if err != nil {
		return uuid.Nil, 0, err
	}
	tgID, err := models.ParseExternalID(raw)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid telegram user id %q", raw)
	}
	return orgID, tgID, nil
}

func parseActor(raw string) (models.Actor, error) {
	if raw == "" {
		return models.SystemActor(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return models.Actor{}, fmt.Errorf("invalid --actor %q", raw)
	}
	return models.UserActor(id), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
