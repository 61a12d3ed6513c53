// warden - Minecraft (Paper) server management panel
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/warden/internal/api"
	"github.com/ernie/warden/internal/audit"
	"github.com/ernie/warden/internal/auth"
	"github.com/ernie/warden/internal/backup"
	"github.com/ernie/warden/internal/config"
	"github.com/ernie/warden/internal/metrics"
	"github.com/ernie/warden/internal/ops"
	"github.com/ernie/warden/internal/rcon"
	"github.com/ernie/warden/internal/sched"
	"github.com/ernie/warden/internal/storage"
	"github.com/ernie/warden/internal/supervisor"
)

var version = "dev"

const defaultConfigPath = "/etc/warden/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "server":
		cmdServer(os.Args[2:])
	case "command":
		cmdCommand(os.Args[2:])
	case "backup":
		cmdBackup(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: warden <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the management panel")
	fmt.Println("  status                              Show server status")
	fmt.Println("  server start|stop|restart|recover   Control the Minecraft server directly")
	fmt.Println("  command <text>                      Send a console command over RCON")
	fmt.Println("  backup list                         List stored backup archives")
	fmt.Println("  user add [--admin] [--perm KEY] <username>")
	fmt.Println("                                      Add a panel user (prompts for password)")
	fmt.Println("  user remove <username>              Remove a user")
	fmt.Println("  user list                           List all users")
	fmt.Println("  user reset <username>               Reset a user's password")
	fmt.Println("  user admin <username>               Toggle admin status for a user")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/warden/config.yml)")
	fmt.Println("  --url <url>        Base URL of the warden server (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  warden serve --config /etc/warden/config.yml")
	fmt.Println("  warden server restart")
	fmt.Println("  warden command \"say Maintenance in 5 minutes\"")
	fmt.Println("  warden user add --admin myuser")
	fmt.Println("  warden user add --perm server:restart --perm console:command mod")
}

// cmdServe starts the management panel
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Warden %s starting...", version)
	log.Printf("Managing server at %s", cfg.Minecraft.ServerDir)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := storage.New(cfg.Data.UsersDB)
	if err != nil {
		log.Fatalf("Failed to initialize user database: %v", err)
	}
	defer store.Close()
	log.Printf("User database initialized at %s", cfg.Data.UsersDB)

	metricsStore, err := metrics.NewStore(cfg.Data.MetricsDB)
	if err != nil {
		log.Fatalf("Failed to initialize metrics database: %v", err)
	}
	defer metricsStore.Close()

	// Supervisor owns the server process; resume tailing if the
	// server is already up from a previous panel run.
	sup := supervisor.New(supervisor.Config{
		ServerDir: cfg.Minecraft.ServerDir,
		GamePort:  cfg.Minecraft.GamePort,
	})
	if err := sup.Console.LoadHistory(sup.HistoryPath()); err != nil {
		log.Printf("No console history restored: %v", err)
	}
	if sup.EnsureTailer() {
		log.Printf("Resumed log tailing for running server")
	}

	// The panel needs RCON for commands and readiness probes. Enable it
	// with a generated password if the installation has it off.
	if props, err := rcon.LoadProperties(sup.PropertiesPath()); err == nil {
		if props["enable-rcon"] != "true" || props["rcon.password"] == "" {
			if err := rcon.EnableRCON(sup.PropertiesPath(), uuid.NewString()); err != nil {
				log.Printf("Failed to enable RCON in server.properties: %v", err)
			} else {
				log.Printf("Enabled RCON in server.properties (takes effect on next server start)")
			}
		}
	}

	collector := metrics.NewCollector(metricsStore, cfg.Minecraft.ServerDir, sup.Status, sup.SendCommand)
	collector.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objStore, err := backup.OpenNATSStore(ctx, backup.NATSStoreConfig{
		URL:      cfg.Backup.NATSURL,
		Bucket:   cfg.Backup.Bucket,
		StoreDir: cfg.Backup.StoreDir,
	})
	if err != nil {
		log.Fatalf("Failed to open backup object store: %v", err)
	}
	defer objStore.Close()

	rebootSched := sched.NewRebootScheduler(sup, cfg.Data.Dir)
	backupSched := sched.NewBackupScheduler(sup, objStore, rebootSched, cfg.Data.Dir,
		cfg.Minecraft.ServerDir, func() string { return sup.Status().Version })
	rebootSched.Start()
	backupSched.Start()

	auditLog := audit.New(cfg.Data.AuditLog)
	registry := ops.NewRegistry(sup)
	registry.RegisterCommand(sup.SendCommand, rcon.DefaultDangerousCommands)
	registry.RegisterBackup(backupSched.TriggerBackup)
	executor := ops.NewExecutor(registry, ops.NewLimiter(), auditLog, cfg.Data.OpsJournal)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)

	router := api.NewRouter(api.Deps{
		Store:     store,
		Auth:      authService,
		Executor:  executor,
		Status:    sup.Status,
		Console:   sup.Console,
		Metrics:   metricsStore,
		Collector: collector,
		Reboot:    rebootSched,
		Backup:    backupSched,
		Audit:     auditLog,
		StaticDir: cfg.HTTP.StaticDir,
	})
	router.StartWebSocketHub()
	if cfg.HTTP.StaticDir != "" {
		log.Printf("Serving static files from %s", cfg.HTTP.StaticDir)
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown. The Minecraft server itself keeps running;
	// only the panel's own loops stop.
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping schedulers...")
	backupSched.StopLoop()
	rebootSched.StopLoop()

	log.Println("Stopping metrics collector...")
	collector.Stop()

	sup.Shutdown()

	cancel()
	log.Println("Shutdown complete")
}

// CLI helper variables
var baseURL = "http://localhost:8080"

// loadCLIConfigFromFlags loads config using pre-parsed flag values
func loadCLIConfigFromFlags(configPath, url string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		if url != "" {
			baseURL = url
		}
		return nil
	}

	if url != "" {
		baseURL = url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	}
	return cfg
}

func loadCLIConfig(args []string) (*config.Config, []string) {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the warden server")
	fs.Parse(args)

	cfg := loadCLIConfigFromFlags(*configPath, *url)
	return cfg, fs.Args()
}

// localSupervisor builds a supervisor from config for direct CLI
// control, bypassing the HTTP API.
func localSupervisor(cfg *config.Config) *supervisor.Supervisor {
	if cfg == nil {
		fmt.Fprintln(os.Stderr, "Error: a valid config file is required (use --config)")
		os.Exit(1)
	}
	return supervisor.New(supervisor.Config{
		ServerDir: cfg.Minecraft.ServerDir,
		GamePort:  cfg.Minecraft.GamePort,
	})
}

func cmdStatus(args []string) {
	_, _ = loadCLIConfig(args)

	var status map[string]interface{}
	if err := getJSON("/api/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	state := "stopped"
	if running, ok := status["running"].(bool); ok && running {
		state = "running"
		if healthy, ok := status["healthy"].(bool); ok && !healthy {
			state = "degraded"
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", state)
	if reason, ok := status["state_reason"].(string); ok {
		fmt.Fprintf(w, "Reason:\t%s\n", reason)
	}
	if pid, ok := status["pid"].(float64); ok && pid > 0 {
		fmt.Fprintf(w, "PID:\t%d\n", int(pid))
	}
	if uptime, ok := status["uptime_seconds"].(float64); ok && uptime > 0 {
		fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(uptime) * time.Second).String())
	}
	if players, ok := status["players_online"].(float64); ok {
		max, _ := status["max_players"].(float64)
		fmt.Fprintf(w, "Players:\t%d/%d\n", int(players), int(max))
	}
	if ver, ok := status["version"].(string); ok && ver != "" {
		fmt.Fprintf(w, "Version:\t%s\n", ver)
	}
	w.Flush()
}

// cmdServer controls the Minecraft server process directly
func cmdServer(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: server subcommand required: start, stop, restart, recover")
		os.Exit(1)
	}
	action := args[0]
	cfg, remaining := loadCLIConfig(args[1:])

	fs := flag.NewFlagSet("server "+action, flag.ExitOnError)
	force := fs.Bool("force", false, "force stop with SIGKILL")
	fs.Parse(remaining)

	sup := localSupervisor(cfg)

	var result *supervisor.Result
	switch action {
	case "start":
		result = sup.Start(true, 0, true)
	case "stop":
		result = sup.Stop(*force)
	case "restart":
		result = sup.Restart(supervisor.RestartOptions{Source: "cli"})
	case "recover":
		result = sup.Recover(0, true)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown server command: %s (use: start, stop, restart, recover)\n", action)
		os.Exit(1)
	}

	if !result.Success {
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Error)
		os.Exit(1)
	}
	if result.Message != "" {
		fmt.Println(result.Message)
	} else {
		fmt.Printf("Server %s succeeded\n", action)
	}
}

// cmdCommand sends one console command over RCON
func cmdCommand(args []string) {
	cfg, remaining := loadCLIConfig(args)
	if len(remaining) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden command <text>")
		os.Exit(1)
	}

	sup := localSupervisor(cfg)
	result := sup.SendCommand(remaining[0])
	if !result.Success {
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Error)
		os.Exit(1)
	}
	if result.Response != "" {
		fmt.Println(result.Response)
	}
}

// cmdBackup inspects the backup object store
func cmdBackup(args []string) {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "Error: backup subcommand required: list")
		os.Exit(1)
	}
	cfg, _ := loadCLIConfig(args[1:])
	if cfg == nil {
		fmt.Fprintln(os.Stderr, "Error: a valid config file is required (use --config)")
		os.Exit(1)
	}

	ctx := context.Background()
	objStore, err := backup.OpenNATSStore(ctx, backup.NATSStoreConfig{
		URL:      cfg.Backup.NATSURL,
		Bucket:   cfg.Backup.Bucket,
		StoreDir: cfg.Backup.StoreDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open backup store: %v\n", err)
		os.Exit(1)
	}
	defer objStore.Close()

	objects, err := objStore.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list backups: %v\n", err)
		os.Exit(1)
	}

	if len(objects) == 0 {
		fmt.Println("No backups stored")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tSTORED")
	fmt.Fprintln(w, "----\t----\t------")
	for _, obj := range objects {
		fmt.Fprintf(w, "%s\t%.1f MB\t%s\n", obj.Name,
			float64(obj.SizeBytes)/(1024*1024), obj.ModTime.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: user subcommand required: add, remove, list, reset, admin")
		os.Exit(1)
	}

	subCmd := args[0]
	cfg, remaining := loadCLIConfig(args[1:])

	usersDB := "/var/lib/warden/users.db"
	if cfg != nil {
		usersDB = cfg.Data.UsersDB
	}

	store, err := storage.New(usersDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	var cmdErr error
	switch subCmd {
	case "add":
		cmdErr = cmdUserAdd(ctx, store, remaining)
	case "remove":
		cmdErr = cmdUserRemove(ctx, store, remaining)
	case "list":
		cmdErr = cmdUserList(ctx, store)
	case "reset":
		cmdErr = cmdUserReset(ctx, store, remaining)
	case "admin":
		cmdErr = cmdUserAdmin(ctx, store, remaining)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown user command: %s (use: add, remove, list, reset, admin)\n", subCmd)
		os.Exit(1)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("user add", flag.ExitOnError)
	isAdmin := fs.Bool("admin", false, "create as admin user")
	perms := fs.StringArray("perm", nil, "grant an operation permission (repeatable)")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: warden user add [--admin] [--perm KEY] <username>")
	}
	username := remaining[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.CreateUser(ctx, username, hash, *isAdmin, *perms); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if *isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user remove <username>")
	}
	username := args[0]

	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}

	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tPERMISSIONS\tPWD_CHANGE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t-----------\t----------\t----------")

	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		permsStr := "-"
		if user.IsAdmin {
			permsStr = "(all)"
		} else if len(user.Permissions) > 0 {
			data, _ := json.Marshal(user.Permissions)
			permsStr = string(data)
		}
		pwdChange := "no"
		if user.PasswordChangeRequired {
			pwdChange = "yes"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", user.Username, role, permsStr, pwdChange, lastLogin)
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user reset <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("user not found: %s", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.ResetUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s' (user will be required to change it on next login)\n", username)
	return nil
}

func cmdUserAdmin(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user admin <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("user not found: %s", username)
	}

	newAdminStatus := !user.IsAdmin
	if !newAdminStatus {
		admins, err := store.CountAdmins(ctx)
		if err == nil && admins <= 1 {
			return fmt.Errorf("cannot demote the last admin")
		}
	}
	if err := store.UpdateUserAdmin(ctx, user.ID, newAdminStatus); err != nil {
		return fmt.Errorf("failed to update admin status: %w", err)
	}

	if newAdminStatus {
		fmt.Printf("User '%s' is now an admin\n", username)
	} else {
		fmt.Printf("User '%s' is no longer an admin\n", username)
	}
	return nil
}

// promptPassword reads and confirms a password without echo
func promptPassword() (string, error) {
	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}

	return string(password), nil
}

// getJSON fetches a JSON document from the panel API
func getJSON(path string, target interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach warden server at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(target)
}
