package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/annolab/annobroker/internal/broker"
	"github.com/annolab/annobroker/internal/httpapi"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/rpc"
	"github.com/annolab/annobroker/internal/seed"
)

const version = "1.0.0"

const configFileName = "annobroker.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "seed":
		runSeed(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "drawback":
		runDrawback(os.Args[2:])
	case "version":
		fmt.Printf("annobroker %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	opts := parseFlags(args)
	root := stateRoot(opts)

	cfg, err := loadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	b, err := broker.New(root, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create broker: %v\n", err)
		os.Exit(1)
	}

	if err := b.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) {
	opts := parseFlags(args)
	root := stateRoot(opts)
	addr := normalizeAddr(opts["addr"])
	if addr == "" {
		addr = ":8080"
	}

	cfg, err := loadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	srv := httpapi.New(root, addr, cfg)

	// Graceful drain on SIGTERM/SIGINT
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

func runSeed(args []string) {
	opts := parseFlags(args)
	root := stateRoot(opts)

	domain, err := model.ParseDomain(opts["domain"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := seed.Run(root, cfg, domain); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded domain %s\n", domain)
}

func runStatus(args []string) {
	opts := parseFlags(args)
	root := stateRoot(opts)

	client := rpc.NewClient(broker.SocketPath(root))
	resp, err := client.SendCommand("stats", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	if _, jsonOut := opts["json"]; jsonOut {
		fmt.Println(string(resp.Data))
		return
	}

	var stats model.StatsResult
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "status: parse response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("broker pid=%d uptime=%ds events=%d\n", stats.PID, stats.UptimeSec, stats.EventsSeen)
	for _, domain := range model.Domains() {
		ds, ok := stats.Domains[domain]
		if !ok {
			fmt.Printf("  %-5s not seeded\n", domain)
			continue
		}
		fmt.Printf("  %-5s unassigned=%d assigned=%d invariant=%s\n",
			domain, ds.Unassigned, ds.Assigned, ds.Invariant)
	}
}

func runDrawback(args []string) {
	opts := parseFlags(args)
	root := stateRoot(opts)

	domain, err := model.ParseDomain(opts["domain"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawback: %v\n", err)
		os.Exit(1)
	}
	videoPath := opts["video"]
	if videoPath == "" {
		fmt.Fprintln(os.Stderr, "drawback: --video is required")
		os.Exit(1)
	}

	client := rpc.NewClient(broker.SocketPath(root))
	resp, err := client.SendCommand("drawback", model.DrawbackParams{
		Domain:    domain,
		VideoPath: videoPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawback: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "drawback: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	var result model.DrawbackResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "drawback: parse response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("drew back %s from %s\n", result.VideoPath, result.User)
}

// parseFlags handles the --key value and --key forms shared by all
// subcommands.
func parseFlags(args []string) map[string]string {
	opts := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 3 || arg[:2] != "--" {
			fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", arg)
			os.Exit(1)
		}
		key := arg[2:]
		if i+1 < len(args) && (len(args[i+1]) < 2 || args[i+1][:2] != "--") {
			opts[key] = args[i+1]
			i++
		} else {
			opts[key] = ""
		}
	}
	return opts
}

func stateRoot(opts map[string]string) string {
	root := opts["root"]
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve root %q: %v\n", root, err)
		os.Exit(1)
	}
	return abs
}

// loadConfig reads annobroker.yaml from the state root. An absent file
// yields the zero config, whose defaults apply at the point of use.
func loadConfig(root string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(root, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", configFileName, err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `annobroker %s - annotation task broker

Usage: annobroker <command> [options]

Broker:
  daemon --root DIR                Run the owner daemon for a state root
  status --root DIR [--json]       Show broker and pool status

Serving:
  serve --root DIR --addr :PORT    Run one HTTP annotation server

Corpus:
  seed --root DIR --domain D       Build the initial pool for a domain

Administration:
  drawback --root DIR --domain D --video PATH
                                   Force a video back to the unassigned pool

Utilities:
  version                          Show version
  help                             Show this help

`, version)
}

// normalizeAddr accepts a bare port number as well as a host:port form.
func normalizeAddr(addr string) string {
	if addr == "" {
		return addr
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}
