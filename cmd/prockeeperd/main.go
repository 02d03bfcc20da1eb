package main

import (
	"context"
	"embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/prockeeper/prockeeper/pkg/pool"
)

//go:embed templates/*
var templates embed.FS

var rootCmd = &cobra.Command{
	Use:     "prockeeperd",
	Short:   "prockeeperd supervises a pool of language-runtime worker processes behind a TCP front end",
	Version: "0.1.0",
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pool daemon",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init [project-name]",
	Short: "Scaffold a new prockeeper-managed project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: ./config.yaml)")
	initCmd.Flags().String("bridge-id", "pyworker", "bridge identifier recorded in the generated config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := pool.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := pool.NewLogger(cfg.Logging)

	controlListener, ctrlSecret, err := buildControlListener(cfg)
	if err != nil {
		return fmt.Errorf("creating control listener: %w", err)
	}
	defer func() { _ = controlListener.Close() }()

	dispatchAddr := fmt.Sprintf("%s:%d", cfg.Dispatcher.Host, cfg.Dispatcher.Port)
	dispatchListener, err := net.Listen("tcp", dispatchAddr)
	if err != nil {
		return fmt.Errorf("creating dispatcher listener on %s: %w", dispatchAddr, err)
	}
	defer func() { _ = dispatchListener.Close() }()

	logger.Info("prockeeperd starting", "dispatch_addr", dispatchAddr, "control_transport", cfg.Socket.Transport, "workers", cfg.Pool.Workers)

	lifecycle := pool.NewLifecycle(cfg, controlListener, ctrlSecret, logger)
	return lifecycle.Run(context.Background(), dispatchListener)
}

// buildControlListener binds the control-plane listener per
// cfg.Socket.Transport: "unix" (default) verifies peer credentials over a
// Unix domain socket; "tcp" binds a loopback TCP listener guarded by a
// freshly generated HMAC challenge/response secret, for platforms without
// Unix domain socket support. The returned secret is nil in the unix case.
func buildControlListener(cfg *pool.Config) (net.Listener, []byte, error) {
	if cfg.Socket.Transport == "tcp" {
		raw, err := net.Listen("tcp", cfg.Socket.TCPAddr)
		if err != nil {
			return nil, nil, err
		}
		secret, err := pool.GenerateSecret()
		if err != nil {
			_ = raw.Close()
			return nil, nil, err
		}
		return pool.NewHMACListener(raw, secret), secret, nil
	}

	secCfg := pool.DefaultSocketSecurityConfig()
	if cfg.Socket.Dir != "" {
		secCfg.SocketDir = cfg.Socket.Dir
	}
	if cfg.Socket.Permissions != 0 {
		secCfg.SocketPerms = os.FileMode(cfg.Socket.Permissions)
	}
	listener, err := pool.NewSecureListener(cfg.Socket.Prefix+"-control.sock", secCfg)
	if err != nil {
		return nil, nil, err
	}
	return listener, nil, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	projectName := "prockeeper-app"
	if len(args) > 0 {
		projectName = args[0]
	}
	bridgeID, _ := cmd.Flags().GetString("bridge-id")

	if err := os.MkdirAll(projectName, 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	data := struct {
		ProjectName  string
		WorkerScript string
		BridgeID     string
	}{
		ProjectName:  projectName,
		WorkerScript: "worker.py",
		BridgeID:     bridgeID,
	}

	files := map[string]string{
		"templates/config.yaml.tmpl": filepath.Join(projectName, "config.yaml"),
		"templates/worker.py.tmpl":   filepath.Join(projectName, "worker.py"),
	}

	for tmplPath, outPath := range files {
		if err := generateFromTemplate(tmplPath, outPath, data); err != nil {
			return fmt.Errorf("generating %s: %w", outPath, err)
		}
	}

	fmt.Printf("Created prockeeper project: %s\n", projectName)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  cd %s\n", projectName)
	fmt.Printf("  prockeeperd serve --config config.yaml\n")

	return nil
}

func generateFromTemplate(tmplPath, outPath string, data interface{}) error {
	content, err := templates.ReadFile(tmplPath)
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	tmpl, err := template.New(filepath.Base(tmplPath)).Parse(string(content))
	if err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	return tmpl.Execute(out, data)
}
