package main

import (
	"log/slog"
	"os"
	"strings"

	"subtrack-backend/billing"
	"subtrack-backend/common"
	"subtrack-backend/db"
	"subtrack-backend/middleware"
	"subtrack-backend/sections"
	"subtrack-backend/sections/payment"
	"subtrack-backend/services"
	"subtrack-backend/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func main() {
	// Set up structured logging with debug level
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	// Load environment variables
	if _, err := os.Stat(common.PRIVATE_CREDENTIALS_DOTENV); err == nil {
		if err := godotenv.Load(common.PRIVATE_CREDENTIALS_DOTENV); err != nil {
			slog.Error("Failed to load .env.private file", "error", err)
			os.Exit(1)
		}
	}

	cfgDir := getEnv("CONFIG_DIR", common.DEFAULT_CONFIG_DIR)

	// Load configuration
	cfg, err := common.LoadConfig(cfgDir)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Load plan catalog
	plans, err := common.LoadPlans(cfgDir, cfg.PlansFile)
	if err != nil {
		slog.Error("Failed to load plans", "error", err)
		os.Exit(1)
	}
	slog.Info("Plan catalog loaded", "plans", len(plans))

	// Connect database and migrate schema
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close(database)

	if err := db.Migrate(database); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Initialize Redis client
	redisClient, err := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, 0)
	if err != nil {
		slog.Error("Failed to initialize Redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Wire billing services
	stripeSvc := services.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	notifierSvc := services.NewNotifierService(cfg.NotifyEndpoint)
	repo := billing.NewRepository(database)

	reconciler := billing.NewReconciler(repo, stripeSvc, redisClient, notifierSvc, plans, cfg.Retry)
	billingSvc := billing.NewService(repo, stripeSvc, notifierSvc, plans, cfg.ReactivationWindow)

	// Start the retry scheduler
	scheduler := billing.NewRetryScheduler(repo, stripeSvc, notifierSvc, redisClient, cfg.Retry)
	cronRunner := cron.New()
	if err := scheduler.Register(cronRunner, cfg.RetryTickSchedule); err != nil {
		slog.Error("Failed to register retry schedule", "error", err, "schedule", cfg.RetryTickSchedule)
		os.Exit(1)
	}
	cronRunner.Start()
	defer cronRunner.Stop()
	slog.Info("Retry scheduler started", "schedule", cfg.RetryTickSchedule)

	jwtManager, err := middleware.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiryHours)
	if err != nil {
		slog.Error("Failed to initialize JWT manager", "error", err)
		os.Exit(1)
	}

	// Initialize Gin router
	r := gin.Default()

	env := getEnv("APP_ENV", "production")
	trustedProxies := getEnv("TRUSTED_PROXIES", "")
	corsOrigins := getEnv("CORS_ORIGINS", "")

	if env != "development" && trustedProxies == "" {
		slog.Error("In production mode, TRUSTED_PROXIES must be set")
		os.Exit(1)
	} else if trustedProxies != "" {
		slog.Info("Setting trusted proxies", "proxies", trustedProxies)
		proxies := strings.Split(trustedProxies, ",")
		if err := r.SetTrustedProxies(proxies); err != nil {
			slog.Error("Failed to set trusted proxies", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No trusted proxies set (TRUSTED_PROXIES not defined)")
	}

	// Configure CORS
	corsConfig := cors.DefaultConfig()

	if env != "development" && corsOrigins == "" {
		slog.Error("In production mode, CORS_ORIGINS must be set")
		os.Exit(1)
	} else if corsOrigins != "" {
		slog.Info("CORS origins set from CORS_ORIGINS")
		corsConfig.AllowOrigins = strings.Split(corsOrigins, ",")
	} else {
		slog.Warn("Using default origin function in non-production mode (CORS_ORIGINS not defined)")
		corsConfig.AllowOriginFunc = func(origin string) bool {
			if origin == "http://localhost" || strings.HasPrefix(origin, "http://localhost:") {
				return true
			}
			return false
		}
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Management API and webhook callback routes
	deps := sections.NewDependencies(cfg, database, redisClient)
	apiRoutes := r.Group("")
	callbackRoutes := r.Group("")
	payment.RegisterRoutes(apiRoutes, callbackRoutes, deps, jwtManager, reconciler, billingSvc)

	slog.Info("Server starting", "addr", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}
