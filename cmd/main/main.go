package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/wamux/wamux/internal"
	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/log"
	"github.com/wamux/wamux/pkg/router"
)

func main() {
	// Initialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Wire up the datastore, sessions and background workers
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.Bootstrap(bootCtx); err != nil {
		bootCancel()
		log.Print(nil).Fatal(err.Error())
	}
	bootCancel()

	// Initialize Fiber
	srv := fiber.New(fiber.Config{
		ErrorHandler:   router.HttpErrorHandler,
		BodyLimit:      router.BodyLimitBytes(),
		ReadBufferSize: 8192,
	})

	// Request ID + panic recovery
	srv.Use(router.HttpRequestID())
	srv.Use(router.RecoveryMiddleware())

	// Router Compression
	srv.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
	}))

	// Router CORS
	srv.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Secret, X-Webhook-Secret",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	// Router Security
	srv.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router Cache
	srv.Use(router.HttpCacheInMemory(router.CacheTTLSeconds))

	// Router RealIP
	srv.Use(router.HttpRealIP())

	srv.Get("/favicon.ico", router.ResponseNoContent)

	// Load Internal Routes
	internal.Routes(srv)

	// Running Startup Tasks
	internal.Startup()

	// Running Routines Tasks
	internal.Routines(c)

	address := env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0")
	port := env.GetEnvStringOrDefault("SERVER_PORT", "7001")

	// Start Server
	go func() {
		if err := srv.Listen(address + ":" + port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).Error(err.Error())
	}

	c.Stop()

	// Flush buffered delivery records and tear down sessions
	app.Shutdown()
}
