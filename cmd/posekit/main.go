package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/ayusman/posekit/internal/app"
	"github.com/ayusman/posekit/internal/config"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/tray"
)

func main() {
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Named("main")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load config", logger.Error(err))
		os.Exit(1)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log level, keeping info", logger.String("level", cfg.LogLevel))
	}

	if cfg.StaticDir == "" {
		cfg.StaticDir = findWebDir()
	}
	if cfg.StaticDir != "" {
		log.Info(ctx, "serving static files", logger.String("dir", cfg.StaticDir))
	}
	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error(ctx, "failed to create data directory", logger.Error(err))
			os.Exit(1)
		}
	}

	a, err := app.New(cfg, app.WithLogger(logger.Get()))
	if err != nil {
		log.Error(ctx, "failed to initialize", logger.Error(err))
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var t *tray.Tray
	if cfg.TrayEnabled {
		t = tray.New(a.CameraEnabled())
		a.AttachTray(t)
		t.OnDashboard(func() { openBrowser(dashboardURL(cfg.Addr)) })
		t.OnQuit(stop)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(runCtx)
		if t != nil {
			t.Quit()
		}
	}()

	// The tray must own the main thread on macOS.
	if t != nil {
		t.Run()
		stop()
	}

	runErr := <-errCh
	if err := a.Close(); err != nil {
		log.Warn(ctx, "close failed", logger.Error(err))
	}
	if runErr != nil {
		log.Error(ctx, "server failed", logger.Error(runErr))
		os.Exit(1)
	}
	log.Info(ctx, "shutdown complete")
}

// dashboardURL turns a listen address into a local URL.
func dashboardURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

// openBrowser opens url with the platform's default handler.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Named("main").Warn(context.Background(), "failed to open browser", logger.Error(err))
	}
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.posekit/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	// Check relative paths from current working directory
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".posekit", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
