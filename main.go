package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/common"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/config"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/handlers/api"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mail"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mfa"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/csrf"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/guard"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/render"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/sms"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/users"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/verification"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "Security enforcement and audit service for the student groups platform"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		reportCommand,
		auditCommand,
		tokensCommand,
		lockoutsCommand,
		seedCommand,
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := db.AutoMigrate(model.Models...); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

func mustInitMailSender(mailCfg config.MailConfig) mail.MailSender {
	switch mailCfg.Backend {
	case "smtp":
		sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
			Host:     mailCfg.SMTP.Host,
			Port:     mailCfg.SMTP.Port,
			Username: mailCfg.SMTP.Username,
			Password: mailCfg.SMTP.Password,
			TLS:      mailCfg.SMTP.TLS,
			CertFile: mailCfg.SMTP.CertFile,
			KeyFile:  mailCfg.SMTP.KeyFile,
			CAFile:   mailCfg.SMTP.CAFile,
		}, mailCfg.SMTP.From)
		if err != nil {
			log.Fatalf("Could not initialize SMTP mail sender: %v", err)
		}
		return sender
	case "console", "":
		return mail.NewConsoleMailSender()
	}
	log.Fatalf("Unsupported mail sender backend %s", mailCfg.Backend)
	return nil
}

func mustInitSMSSender(smsCfg config.SMSConfig) sms.SMSSender {
	switch smsCfg.Backend {
	case "console", "":
		return sms.NewConsoleSMSSender()
	}
	log.Fatalf("Unsupported sms sender backend %s", smsCfg.Backend)
	return nil
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

func throttleRules(cfg config.SecurityConfig) map[string]throttle.Rule {
	rules := make(map[string]throttle.Rule)
	for scope, rule := range cfg.Throttle {
		if rule.Limit > 0 && rule.Window > 0 {
			rules[scope] = throttle.Rule{Limit: rule.Limit, Window: rule.Window}
		}
	}
	return rules
}

func applyLockoutConfig(manager *lockout.Manager, cfg config.LockoutConfig) {
	if cfg.IPThreshold > 0 && cfg.IPLockDuration > 0 {
		manager.WithPolicy(lockout.KindIP, lockout.Policy{
			Threshold:    cfg.IPThreshold,
			LockDuration: cfg.IPLockDuration,
		})
	}
	if cfg.UserThreshold > 0 && cfg.UserLockDuration > 0 {
		manager.WithPolicy(lockout.KindUser, lockout.Policy{
			Threshold:    cfg.UserThreshold,
			LockDuration: cfg.UserLockDuration,
		})
	}
}

func setupAPIRoutes(
	router fiber.Router,
	authHandler *api.AuthHandler,
	mfaHandler *api.MFAHandler,
	verificationHandler *api.VerificationHandler,
	adminHandler *api.AdminHandler,
	userService *users.UserService,
	verificationService *verification.Service) {

	router.Use(csrf.New(csrf.Config{ExcludePaths: []string{"/api/auth/*", "/api/auth/*/*"}}))

	auth := router.Group("/api/auth")
	auth.Post("/register", authHandler.PostRegister)
	auth.Post("/login", authHandler.PostLogin)
	auth.Post("/login/mfa", authHandler.PostLoginMFA)
	auth.Post("/logout", authHandler.PostLogout)
	auth.Post("/password-reset", authHandler.PostPasswordResetRequest)
	auth.Post("/password-reset/confirm", authHandler.PostPasswordResetConfirm)

	authed := router.Group("/api", api.RequireAuth(userService))
	authed.Get("/me", authHandler.GetMe)
	authed.Post("/me/change-password",
		api.RequireVerified(verificationService, "password_change"),
		authHandler.PostChangePassword)

	mfaGroup := authed.Group("/mfa")
	mfaGroup.Get("/status", mfaHandler.GetStatus)
	mfaGroup.Post("/setup", mfaHandler.PostSetup)
	mfaGroup.Post("/confirm", mfaHandler.PostConfirm)
	mfaGroup.Post("/verify", mfaHandler.PostVerify)
	mfaGroup.Post("/backup-codes/verify", mfaHandler.PostVerifyBackupCode)
	mfaGroup.Post("/disable", mfaHandler.PostDisable)

	verify := authed.Group("/verification")
	verify.Get("/status", verificationHandler.GetStatus)
	verify.Post("/email/request", verificationHandler.PostEmailRequest)
	verify.Post("/email/confirm", verificationHandler.PostEmailConfirm)
	verify.Post("/phone/request", verificationHandler.PostPhoneRequest)
	verify.Post("/phone/confirm", verificationHandler.PostPhoneConfirm)

	admin := authed.Group("/admin", api.RequireRole(model.RoleAdmin))
	admin.Get("/audit/summary", adminHandler.GetAuditSummary)
	admin.Get("/audit/events", adminHandler.GetAuditEvents)
	admin.Get("/audit/events/:id", adminHandler.GetAuditEvent)
	admin.Post("/audit/events/:id/resolve", adminHandler.PostAuditResolve)
	admin.Get("/lockouts", adminHandler.GetLockouts)
	admin.Delete("/lockouts/:kind/:identity", adminHandler.DeleteLockout)
	admin.Put("/mfa/enforcement", adminHandler.PutMFAEnforcement)
	admin.Get("/verification/requirements", adminHandler.GetRequirements)
	admin.Put("/verification/requirements", adminHandler.PutRequirement)
}

func run(ctx *cli.Context) error {
	config, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(config.Debug || ctx.IsSet(debugFlag.Name))

	globalVars := map[string]interface{}{
		"siteName": config.SiteName,
		"baseURL":  config.BaseURL,
	}
	if err := render.Initialize(globalVars, config.TemplateDir); err != nil {
		slog.Error("Could not initialize templates", "error", err)
		return err
	}

	mailSender := mustInitMailSender(config.Mail)
	smsSender := mustInitSMSSender(config.SMS)
	db := mustInitDatabase(config.MySQL)
	redisStorage := mustInitRedisStorage(config.Redis)
	cacheStorage := store.NewRedisStorage(redisStorage.Conn())

	audit.Initialize(audit.NewAuditRepository(db))

	// repositories
	var (
		userRepo        = users.NewUserRepository(db)
		deviceRepo      = mfa.NewDeviceRepository(db)
		backupCodeRepo  = mfa.NewBackupCodeRepository(db)
		policyRepo      = mfa.NewPolicyRepository(db)
		statusRepo      = verification.NewStatusRepository(db)
		requirementRepo = verification.NewRequirementRepository(db)
		tokenRepo       = verification.NewTokenRepository(db)
	)

	// services
	var (
		limiter             = throttle.NewEngine(cacheStorage).WithRules(throttleRules(config.Security))
		lockManager         = lockout.NewManager(cacheStorage)
		userService         = users.NewUserService(userRepo)
		mfaService          = mfa.NewService(deviceRepo, backupCodeRepo, policyRepo, limiter, config.MFAIssuer)
		verificationService = verification.NewService(statusRepo, requirementRepo, tokenRepo,
			userService, mailSender, smsSender, limiter, config.BaseURL)
	)
	applyLockoutConfig(lockManager, config.Security.Lockout)

	// handlers
	var (
		authHandler         = api.NewAuthHandler(userService, mfaService, verificationService, limiter)
		mfaHandler          = api.NewMFAHandler(mfaService)
		verificationHandler = api.NewVerificationHandler(verificationService)
		adminHandler        = api.NewAdminHandler(lockManager, mfaService, verificationService)
	)

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(config.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-CSRF-Token",
	}))

	router.Use(sessions.Initialize(sessions.Config{
		Storage:        cacheStorage,
		SessionMaxAge:  config.Session.SessionMaxAge,
		CookieSecure:   config.Session.CookieSecure,
		CookieHttpOnly: config.Session.CookieHttpOnly,
		CookieName:     config.Session.CookieName,
	}))
	router.Use(guard.New(lockManager, limiter, cacheStorage).
		WithOptions(guard.Options{FingerprintKey: config.MasterKey}).
		Middleware())

	setupAPIRoutes(router, authHandler, mfaHandler, verificationHandler, adminHandler,
		userService, verificationService)

	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, redisStorage.Conn(), db)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(config.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
