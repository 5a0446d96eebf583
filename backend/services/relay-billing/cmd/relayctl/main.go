package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"relayrent/backend/services/relay-billing/internal/auth"
	"relayrent/backend/services/relay-billing/internal/client"
	"relayrent/backend/services/relay-billing/internal/console"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("RELAYCTL_URL", "http://localhost:8080"), "relay billing API base URL")
	token := flag.String("token", os.Getenv("RELAYCTL_TOKEN"), "operator bearer token")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: relayctl [flags] [command args...]\n       relayctl hash-password <password>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 && args[0] == "hash-password" {
		os.Exit(hashPassword(args[1:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(*baseURL, client.NewHTTPClient(*timeout))
	if *token != "" {
		api.SetToken(*token)
	}
	shell := console.New(api, os.Stdout, *timeout)

	// one-shot mode: relayctl active esp-01 12
	if len(args) > 0 {
		if err := shell.Execute(ctx, strings.Join(args, " ")); err != nil && !errors.Is(err, console.ErrQuit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "relay> ",
		HistoryFile: console.HistoryFile(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init failed: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	if err := shell.Run(ctx, rl); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: relayctl hash-password <password>")
		return 2
	}
	hash, err := auth.NewBcryptHasher(0).Hash(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash failed: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
