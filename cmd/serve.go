package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance API server",
	Long: `Start the Smart Attendance HTTP API.
Identities, sessions and the ledger are loaded from PostgreSQL when
DATABASE_URL is set; otherwise the server keeps everything in memory.
Scheduled sessions are opened and expired sessions closed every second.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from WEB_PORT or 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from WEB_HOST or 0.0.0.0)")
}

// resolveServeHostPort resolves port and host from flags, falling back to
// the configured values.
func resolveServeHostPort(cmd *cobra.Command, cfgHost string, cfgPort int) (string, int) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")
	if port == 0 {
		port = cfgPort
	}
	if host == "" {
		host = cfgHost
	}
	return host, port
}

// startSessionSweeper opens due sessions and expires finished ones every second.
func startSessionSweeper(svc *attendance.Service) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(time.Second).SingletonMode().Do(func() {
		opened, expired := svc.ExpireSessions(svc.Clock().Now())
		if opened > 0 || expired > 0 {
			log.Printf("Session sweep: %d opened, %d expired", opened, expired)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling session sweep: %w", err)
	}
	scheduler.StartAsync()
	return scheduler, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()
	defer svc.Close()

	scheduler, err := startSessionSweeper(svc)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.Auth.JWTKey == "" {
		fmt.Println("Warning: AUTH_JWT_KEY is not set, the API is open to anyone who can reach it")
	}

	host, port := resolveServeHostPort(cmd, cfg.Web.Host, cfg.Web.Port)
	server := web.NewServer(cfg, svc, port, host)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Smart Attendance API on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
