package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	config "care-transitions-api/configs"
	"care-transitions-api/pkg/handlers"
	"care-transitions-api/pkg/services"
	"care-transitions-api/pkg/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	cfg := config.LoadConfig()

	// Store selection: Postgres when DATABASE_URL is set, in-memory
	// otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dbConn.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("failed to ping database: %v", err)
		}
		cancel()
		if err := store.Migrate(context.Background(), dbConn); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		st = store.NewPostgresStore(dbConn)
	} else {
		log.Println("DATABASE_URL not set, using in-memory store")
		st = store.NewMemStore()
	}

	// External integrations, each with a bounded request timeout.
	sendTimeout := time.Duration(cfg.SendTimeoutSeconds) * time.Second
	gateway := services.NewHTTPNotificationGateway(cfg.GatewayURL, cfg.GatewayToken, sendTimeout)
	pharmacy := services.NewHTTPPharmacyClient(cfg.PharmacyURL, sendTimeout)
	exporter := services.NewHTTPEHRExporter(cfg.EHRExportURL, cfg.EHRExportToken, sendTimeout)

	// Service wiring.
	audit := services.NewAuditService(nil)
	planBuilder := services.NewPlanBuilderService(st, nil, audit)
	scheduler := services.NewSchedulerService(st, gateway, nil, audit,
		time.Duration(cfg.SweepGraceMinutes)*time.Minute, sendTimeout)
	escalation := services.NewEscalationService(st, gateway, nil, audit, services.SLAPolicy{
		High:   time.Duration(cfg.SLAHighMinutes) * time.Minute,
		Medium: time.Duration(cfg.SLAMediumMinutes) * time.Minute,
		Low:    time.Duration(cfg.SLALowMinutes) * time.Minute,
	}, sendTimeout)
	risk := services.NewRiskService(st, escalation, nil, audit, cfg.DowngradeStreak)
	interpreter := services.NewInterpreterService(st, nil, audit)
	adherence := services.NewAdherenceService(st, pharmacy, risk, nil, audit,
		cfg.AdherenceWindowDays, cfg.AdherenceThreshold, sendTimeout)
	ehr := services.NewEHRService(st, planBuilder, exporter, nil, audit, sendTimeout)

	// Handler wiring.
	ehrHandler := handlers.NewEHRHandler(ehr)
	episodeHandler := handlers.NewEpisodeHandler(st, risk, ehr)
	outreachHandler := handlers.NewOutreachHandler(scheduler, interpreter, risk, st)
	taskHandler := handlers.NewTaskHandler(escalation)
	adherenceHandler := handlers.NewAdherenceHandler(adherence)
	opsHandler := handlers.NewOpsHandler(cfg, audit, st)

	r := gin.Default()
	r.Use(audit.LoggingMiddleware())
	r.Use(cors.Default())

	// Staff surface auth: X-API-KEY header check.
	authMiddleware := func(apiKey string) gin.HandlerFunc {
		return func(c *gin.Context) {
			if apiKey == "" || apiKey == "default_secret_key" {
				c.Next()
				return
			}
			providedKey := c.GetHeader("X-API-KEY")
			if providedKey != apiKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.Next()
		}
	}

	// Cron trigger auth: bearer-token shared secret, 401 on mismatch.
	cronMiddleware := func(secret string) gin.HandlerFunc {
		return func(c *gin.Context) {
			if secret == "" {
				c.Next()
				return
			}
			if c.GetHeader("Authorization") != "Bearer "+secret {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.Next()
		}
	}

	r.GET("/health", handlers.HealthCheck)

	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(cfg.APIKey))
	{
		ehrGroup := v1.Group("/ehr")
		{
			ehrGroup.POST("/adt", ehrHandler.IngestADT)
		}

		episodes := v1.Group("/episodes")
		{
			episodes.GET("/:id", episodeHandler.Get)
			episodes.POST("/:id/risk", episodeHandler.OverrideRisk)
			episodes.POST("/:id/close", episodeHandler.Close)
			episodes.GET("/:id/plan", outreachHandler.GetPlan)
			episodes.POST("/:id/responses", outreachHandler.SubmitResponse)
			episodes.GET("/:id/adherence", adherenceHandler.GetSummary)
			episodes.POST("/:id/adherence", adherenceHandler.PostAction)
			episodes.POST("/:id/export", ehrHandler.ExportNote)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.POST("/:id/resolve", taskHandler.Resolve)
		}

		// Cron-triggered passes share the bearer-secret check.
		cron := cronMiddleware(cfg.CronSecret)
		v1.GET("/outreach/sweep", cron, outreachHandler.RunSweep)
		v1.GET("/escalations/monitor", cron, taskHandler.RunMonitor)

		v1.DELETE("/interactions/:id", opsHandler.PurgeInteraction)

		ops := v1.Group("/ops")
		{
			ops.POST("/maintenance/start", opsHandler.StartMaintenance)
			ops.POST("/maintenance/stop", opsHandler.StopMaintenance)
			ops.GET("/events", opsHandler.GetEvents)
			ops.GET("/requests", opsHandler.GetRequests)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("Starting care-transitions-api server on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait for SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	log.Println("Shutting down...")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(timeoutCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Println("Server stopped.")
}
