package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yochat/client/pkg/config"
	"yochat/client/pkg/di"
	"yochat/client/pkg/logger"
	"yochat/client/shared/observability"
)

var rootCmd = &cobra.Command{
	Use:           "yochat",
	Short:         "Terminal client for YoChat rooms",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagAPIURL   string
	flagToken    string
	flagLogLevel string

	container *di.Container
	shutdown  observability.ShutdownFunc
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", "", "chat API base URL (env YOCHAT_API_URL)")
	flags.StringVar(&flagToken, "token", "", "bearer token (env YOCHAT_TOKEN)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (env LOG_LEVEL)")

	rootCmd.PersistentPreRunE = setup
	rootCmd.PersistentPostRunE = teardown

	rootCmd.AddCommand(
		&cobra.Command{Use: "login <email> <password>", Short: "Log in and print a token", Args: cobra.ExactArgs(2), RunE: runLogin},
		&cobra.Command{Use: "register <username> <email> <password>", Short: "Create an account and print a token", Args: cobra.ExactArgs(3), RunE: runRegister},
		&cobra.Command{Use: "whoami", Short: "Print the current identity", Args: cobra.NoArgs, RunE: runWhoami},
		&cobra.Command{Use: "rooms", Short: "List joined rooms and rooms to discover", Args: cobra.NoArgs, RunE: runRooms},
		&cobra.Command{Use: "create-room <name>", Short: "Create a room", Args: cobra.MinimumNArgs(1), RunE: runCreateRoom},
		&cobra.Command{Use: "join <roomId>", Short: "Become a member of a room", Args: cobra.ExactArgs(1), RunE: runJoin},
		&cobra.Command{Use: "chat <roomId>", Short: "Open a room and chat from stdin", Args: cobra.ExactArgs(1), RunE: runChat},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg := config.New()
	if flagAPIURL != "" {
		cfg.API.BaseURL = strings.TrimRight(flagAPIURL, "/")
		if os.Getenv("YOCHAT_SOCKET_URL") == "" {
			cfg.Realtime.URL = config.SocketURLFrom(cfg.API.BaseURL)
		}
	}
	if flagToken != "" {
		cfg.API.Token = flagToken
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format == "json"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	var err error
	shutdown, err = observability.Setup("yochat", cfg.Observability.MetricsAddr,
		cfg.Observability.TracingEnabled, os.Stderr, log)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	container = di.New(cmd.Context(), cfg, log)
	return nil
}

func teardown(*cobra.Command, []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if container != nil {
		errs = append(errs, container.Close())
	}
	if shutdown != nil {
		errs = append(errs, shutdown(ctx))
	}
	return errors.Join(errs...)
}

func runLogin(cmd *cobra.Command, args []string) error {
	resp, err := container.Auth.Login(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	printToken(cmd, resp.User.Username, resp.Token)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	resp, err := container.Auth.Register(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	printToken(cmd, resp.User.Username, resp.Token)
	return nil
}

func printToken(cmd *cobra.Command, username, token string) {
	cmd.PrintErrf("Logged in as %s\n", username)
	cmd.Printf("export YOCHAT_TOKEN=%s\n", token)
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cmd.Println(container.Identity.CurrentIdentity(cmd.Context()))
	return nil
}

func runRooms(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	mine, err := container.Rooms.Mine(ctx)
	if err != nil {
		return err
	}
	discover, err := container.Rooms.Discover(ctx)
	if err != nil {
		return err
	}

	cmd.Println("My rooms:")
	for _, r := range mine {
		cmd.Printf("  %s  %s\n", r.ID, r.Name)
	}
	cmd.Println("Discover:")
	for _, r := range discover {
		cmd.Printf("  %s  %s\n", r.ID, r.Name)
	}
	return nil
}

func runCreateRoom(cmd *cobra.Command, args []string) error {
	room, err := container.Rooms.Create(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	cmd.Printf("%s  %s\n", room.ID, room.Name)
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	if err := container.Rooms.Join(cmd.Context(), args[0]); err != nil {
		return err
	}
	cmd.Printf("Joined %s\n", args[0])
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, session := container.Chat()
	p := newPrinter(cmd.OutOrStdout())
	session.OnChange(p.Render)

	go session.Run(ctx)
	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			container.Logger.LogError(err, "Socket stopped")
			stop()
		}
	}()

	if err := session.Bind(ctx, args[0]); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return session.Leave(ctx)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := session.Send(ctx, line); err != nil {
				cmd.PrintErrf("not sent: %v\n", err)
			}
		}
	}
}
