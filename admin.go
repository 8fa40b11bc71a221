package main

import (
	"fmt"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/config"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mail"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/sms"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/users"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/verification"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

// adminContext bundles the shared backends the operational subcommands need.
type adminContext struct {
	config  *config.Config
	db      *gorm.DB
	storage store.Storage
}

func newAdminContext(ctx *cli.Context) (*adminContext, error) {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		return nil, err
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	db := mustInitDatabase(cfg.MySQL)
	redisStorage := mustInitRedisStorage(cfg.Redis)
	audit.Initialize(audit.NewAuditRepository(db))
	return &adminContext{
		config:  cfg,
		db:      db,
		storage: store.NewRedisStorage(redisStorage.Conn()),
	}, nil
}

var reportCommand = &cli.Command{
	Name:  "report",
	Usage: "Print a security event summary for the last N hours",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "hours", Value: 24, Usage: "report window in hours"},
	},
	Action: func(ctx *cli.Context) error {
		if _, err := newAdminContext(ctx); err != nil {
			return err
		}
		since := time.Now().Add(-time.Duration(ctx.Int("hours")) * time.Hour)
		summary, err := audit.Summarize(ctx.Context, since)
		if err != nil {
			return err
		}
		fmt.Printf("Security events since %s\n", since.Format(time.RFC3339))
		fmt.Printf("  total events:        %d\n", summary.TotalEvents)
		fmt.Printf("  unique ips:          %d\n", summary.UniqueIPs)
		fmt.Printf("  unique users:        %d\n", summary.UniqueUsers)
		fmt.Printf("  unresolved critical: %d\n", summary.UnresolvedCritical)
		fmt.Printf("  unresolved high:     %d\n", summary.UnresolvedHigh)
		fmt.Println("  by severity:")
		for severity, count := range summary.BySeverity {
			fmt.Printf("    %-8s %d\n", severity, count)
		}
		fmt.Println("  top event types:")
		for _, tc := range summary.ByType {
			fmt.Printf("    %-28s %d\n", tc.EventType, tc.Count)
		}
		return nil
	},
}

// retentionDays resolves the purge window: an explicit flag wins, then the
// configured retention, then the built-in default carried by the flag.
func retentionDays(flagSet bool, flagDays int, cfg *config.Config) int {
	if !flagSet && cfg.Security.AuditRetentionDays > 0 {
		return cfg.Security.AuditRetentionDays
	}
	return flagDays
}

var auditCommand = &cli.Command{
	Name:  "audit",
	Usage: "Audit trail maintenance",
	Subcommands: []*cli.Command{
		{
			Name:  "purge",
			Usage: "Delete audit entries past the retention window",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "days", Value: params.AuditRetentionDays, Usage: "retention in days"},
				&cli.BoolFlag{Name: "keep-critical", Value: true, Usage: "retain critical entries regardless of age"},
				&cli.BoolFlag{Name: "keep-unresolved", Value: true, Usage: "retain unresolved high and critical entries"},
				&cli.BoolFlag{Name: "dry-run", Usage: "count matching entries without deleting"},
			},
			Action: func(ctx *cli.Context) error {
				actx, err := newAdminContext(ctx)
				if err != nil {
					return err
				}
				days := retentionDays(ctx.IsSet("days"), ctx.Int("days"), actx.config)
				removed, err := audit.Purge(ctx.Context, audit.PurgeOptions{
					OlderThan:      time.Now().AddDate(0, 0, -days),
					KeepCritical:   ctx.Bool("keep-critical"),
					KeepUnresolved: ctx.Bool("keep-unresolved"),
					DryRun:         ctx.Bool("dry-run"),
				})
				if err != nil {
					return err
				}
				if ctx.Bool("dry-run") {
					fmt.Printf("%d audit entries older than %d days would be removed\n", removed, days)
				} else {
					fmt.Printf("removed %d audit entries older than %d days\n", removed, days)
				}
				return nil
			},
		},
	},
}

var tokensCommand = &cli.Command{
	Name:  "tokens",
	Usage: "One-time token maintenance",
	Subcommands: []*cli.Command{
		{
			Name:  "purge",
			Usage: "Delete expired and spent verification tokens",
			Action: func(ctx *cli.Context) error {
				env, err := newAdminContext(ctx)
				if err != nil {
					return err
				}
				tokenRepo := verification.NewTokenRepository(env.db)
				removed, err := tokenRepo.PurgeExpired(ctx.Context, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("removed %d expired tokens\n", removed)
				return nil
			},
		},
	},
}

var lockoutsCommand = &cli.Command{
	Name:  "lockouts",
	Usage: "Inspect and release active lockouts",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "List active IP and account lockouts",
			Action: func(ctx *cli.Context) error {
				env, err := newAdminContext(ctx)
				if err != nil {
					return err
				}
				manager := lockout.NewManager(env.storage)
				for _, kind := range []lockout.Kind{lockout.KindIP, lockout.KindUser} {
					identities, err := manager.ActiveLocks(ctx.Context, kind, "")
					if err != nil {
						return err
					}
					fmt.Printf("%s locks (%d):\n", kind, len(identities))
					for _, identity := range identities {
						failures := manager.FailureCount(ctx.Context, kind, identity)
						fmt.Printf("  %-40s failures=%d\n", identity, failures)
					}
				}
				return nil
			},
		},
		{
			Name:      "clear",
			Usage:     "Release a lockout",
			ArgsUsage: "<ip|user> <identity>",
			Action: func(ctx *cli.Context) error {
				if ctx.Args().Len() != 2 {
					return fmt.Errorf("expected arguments: <ip|user> <identity>")
				}
				kind := lockout.Kind(ctx.Args().Get(0))
				if kind != lockout.KindIP && kind != lockout.KindUser {
					return fmt.Errorf("unknown lockout kind %q", ctx.Args().Get(0))
				}
				env, err := newAdminContext(ctx)
				if err != nil {
					return err
				}
				manager := lockout.NewManager(env.storage)
				identity := ctx.Args().Get(1)
				if err := manager.Unlock(ctx.Context, kind, identity); err != nil {
					return err
				}
				if err := manager.ResetFailures(ctx.Context, kind, identity); err != nil {
					return err
				}
				fmt.Printf("released %s lock for %s\n", kind, identity)
				return nil
			},
		},
	},
}

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "Install default verification requirements and an admin account",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "admin-username", Usage: "create an admin account with this username"},
		&cli.StringFlag{Name: "admin-email", Usage: "email for the seeded admin account"},
		&cli.StringFlag{Name: "admin-password", Usage: "password for the seeded admin account"},
	},
	Action: func(ctx *cli.Context) error {
		env, err := newAdminContext(ctx)
		if err != nil {
			return err
		}

		userService := users.NewUserService(users.NewUserRepository(env.db))
		verificationService := verification.NewService(
			verification.NewStatusRepository(env.db),
			verification.NewRequirementRepository(env.db),
			verification.NewTokenRepository(env.db),
			userService,
			mail.NewConsoleMailSender(),
			sms.NewConsoleSMSSender(),
			throttle.NewEngine(env.storage),
			env.config.BaseURL,
		)
		if err := verificationService.SeedDefaults(ctx.Context); err != nil {
			return err
		}
		fmt.Println("default verification requirements installed")

		if username := ctx.String("admin-username"); username != "" {
			admin, err := userService.CreateUser(ctx.Context, users.CreateUserOptions{
				Username: username,
				FullName: "Administrator",
				Email:    ctx.String("admin-email"),
				Password: ctx.String("admin-password"),
				Role:     model.RoleAdmin,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created admin account %s (id %d)\n", admin.Username, admin.ID)
		}
		return nil
	},
}
