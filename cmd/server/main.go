package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"photodrop/internal/api"
	"photodrop/internal/archive"
	"photodrop/internal/config"
	"photodrop/internal/files"
	"photodrop/internal/logging"
	"photodrop/internal/payments"
	"photodrop/internal/store"
)

// pendingSessionTTL is how long an unpaid gallery counts against an IP.
const pendingSessionTTL = 24 * time.Hour

func printStats(st store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           PhotoDrop Statistics           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Photos:    %-22s║\n", humanize.Comma(int64(stats.TotalPhotos)))
	fmt.Printf("║  Clients:         %-22s║\n", humanize.Comma(int64(stats.Clients)))
	fmt.Printf("║  └─ Paid:         %-22s║\n", humanize.Comma(int64(stats.PaidSessions)))
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("║  └─ Paid:         %-22s║\n", humanize.IBytes(uint64(stats.PaidBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestUpload.IsZero() {
		fmt.Printf("║  Oldest Upload:   %-22s║\n", humanize.Time(stats.OldestUpload))
		fmt.Printf("║  Newest Upload:   %-22s║\n", humanize.Time(stats.NewestUpload))
	} else {
		fmt.Println("║  No photos in database                   ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMongo:
		logging.Internal.Printf("using MongoDB store (database: %s)", cfg.MongoDB)
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	case config.DriverPostgres:
		logging.Internal.Println("using Postgres store")
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.DatabaseURL,
			ApplicationName: "photodrop",
		})
	default:
		logging.Internal.Printf("using SQLite store (%s)", cfg.SQLitePath)
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := openStore(openCtx, cfg)
	openCancel()
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Show stats and exit if requested
	if cfg.ShowStats {
		printStats(st)
		return
	}

	// Initialize photo storage - use S3 if configured, otherwise local filesystem
	var storage files.Storage
	var storagePrefix string
	var uploadsDir string
	if cfg.UseS3() {
		s3Storage, err := files.NewS3Storage(files.S3Config{
			Endpoint:  cfg.S3Endpoint,
			KeyID:     cfg.S3AccessKey,
			AppKey:    cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			PublicURL: cfg.S3PublicURL,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize S3 storage: %v", err)
		}
		storage = s3Storage
		storagePrefix = s3Storage.URLPrefix()
		logging.Internal.Printf("using S3 storage (bucket: %s)", cfg.S3Bucket)
	} else {
		fsStorage, err := files.NewFSStorage(cfg.UploadDir, "/uploads/")
		if err != nil {
			logging.Internal.Fatalf("failed to initialize storage: %v", err)
		}
		storage = fsStorage
		storagePrefix = fsStorage.URLPrefix()
		uploadsDir = fsStorage.Dir()
		logging.Internal.Printf("using local filesystem storage (%s)", cfg.UploadDir)
	}

	// Blobs of the active storage are read through it; anything else
	// (e.g. URLs from a previous storage setup) goes over HTTP
	httpFetcher, err := files.NewHTTPFetcher(cfg.PublicURL)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize fetcher: %v", err)
	}
	fetcher := files.NewStorageFetcher(storage, storagePrefix, httpFetcher)

	// Initialize payment gateway - use Stripe if configured, otherwise mock (dev only)
	var gateway payments.Gateway
	if cfg.StripeSecretKey != "" {
		stripeGateway, err := payments.NewStripeGateway(payments.StripeConfig{SecretKey: cfg.StripeSecretKey})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize Stripe: %v", err)
		}
		gateway = stripeGateway
		logging.Internal.Println("using Stripe checkout")
	} else {
		gateway = payments.NewMockGateway(true)
		logging.Internal.Println("using mock payment gateway (set STRIPE_SECRET_KEY for real payments)")
	}

	// Initialize services
	filesSvc := files.NewService(storage, st)
	paymentsSvc := payments.NewService(gateway, st, payments.Config{ClientURL: cfg.ClientURL})
	streamer := archive.NewStreamer(st, fetcher, cfg.FetchTimeout)

	var origins []string
	if !cfg.Dev {
		origins = cfg.AllowedOrigins
	}
	hub := api.NewEventHub(paymentsSvc.PaymentStatus, origins)
	paymentsSvc.AddPaymentCallback(hub.Notify)

	var pendingLimiter *api.PendingSessionLimiter
	if cfg.MaxPendingSessions > 0 {
		pendingLimiter = api.NewPendingSessionLimiter(cfg.MaxPendingSessions)
		// Clear pending tracking when a gallery is paid
		paymentsSvc.AddPaymentCallback(pendingLimiter.OnPaymentReceived)

		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := pendingLimiter.CleanupExpired(pendingSessionTTL); n > 0 {
						logging.Internal.Printf("cleaned up %d expired pending session entries", n)
					}
				}
			}
		}()
	}

	// Setup HTTP handler
	handler := api.NewHandler(filesSvc, paymentsSvc, streamer, pendingLimiter)
	handler.SetThumbnailer(files.NewThumbnailer(fetcher, 0, cfg.FetchTimeout))
	handler.SetEventHub(hub)
	if uploadsDir != "" {
		handler.ServeUploads(uploadsDir)
	}

	// Configure CORS
	var corsConfig api.CORSConfig
	if cfg.Dev {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.AllowedOrigins
		logging.Internal.Printf("CORS restricted to origins: %v", cfg.AllowedOrigins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiter
	var redisLimiter *api.RedisLimiter
	if !cfg.Dev {
		rlCfg := api.DefaultRateLimitConfig()
		if cfg.RedisAddr != "" {
			redisLimiter = api.NewRedisLimiter(api.RedisLimiterConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			rlCfg.Shared = redisLimiter
			logging.Internal.Printf("sharing rate limits through redis at %s", cfg.RedisAddr)
		}
		rateLimiter = api.NewRateLimiter(rlCfg)
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()
		hub.Close()

		// Stop rate limiter cleanup goroutines
		if rateLimiter != nil {
			rateLimiter.Stop()
		}
		if redisLimiter != nil {
			redisLimiter.Close()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
