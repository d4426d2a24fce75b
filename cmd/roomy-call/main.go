package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	roomycalls "github.com/hasanmokdad-cloud/roomy-calls"
	"github.com/hasanmokdad-cloud/roomy-calls/call"
	"github.com/hasanmokdad-cloud/roomy-calls/config"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
	verbose     = flag.Bool("v", false, "Debug logging")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("roomy-call v%s\n", appVersion)
		return
	}
	if *showHelp || flag.NArg() < 1 {
		showUsage()
		if !*showHelp {
			os.Exit(1)
		}
		return
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	peerDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid peer directory")
	}
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create peer directory")
	}

	cfgPath := filepath.Join(peerDir, "roomy.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	client, err := roomycalls.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("start client")
	}
	defer client.Close()

	printBanner(peerDir, cfgPath, client.ID())

	client.Calls().OnEvent(func(ev call.Event) {
		switch ev.Kind {
		case call.EventIncoming:
			name := ev.Session.RemotePeerName
			if name == "" {
				name = ev.Session.RemotePeerID
			}
			fmt.Printf("\n>> incoming %s call from %s — type 'accept' or 'decline'\n", ev.Session.Type, name)
		case call.EventStateChanged:
			fmt.Printf("\n>> call %s\n", ev.Session.Status)
		case call.EventRemoteStream:
			fmt.Println("\n>> remote media flowing")
		case call.EventEnded:
			fmt.Printf("\n>> call ended (%s)\n", ev.Reason)
		}
	})
	client.Calls().OnError(func(err error) {
		fmt.Printf("\n>> call error: %v\n", err)
	})

	repl(ctx, client)
}

func repl(ctx context.Context, client *roomycalls.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, client, strings.Fields(line)); quit {
				return
			}
			fmt.Print("> ")
		}
	}
}

func runCommand(ctx context.Context, client *roomycalls.Client, args []string) bool {
	if len(args) == 0 {
		return false
	}
	calls := client.Calls()

	var err error
	switch args[0] {
	case "call", "video":
		if len(args) < 2 {
			fmt.Println("usage: call <peer-id> [conversation-id]")
			return false
		}
		conv := args[1]
		if len(args) > 2 {
			conv = args[2]
		}
		callType := call.TypeVoice
		if args[0] == "video" {
			callType = call.TypeVideo
		}
		err = calls.Initiate(ctx, conv, args[1], "", "", callType)

	case "accept":
		err = calls.Accept(ctx)
	case "decline":
		err = calls.Decline()
	case "end", "hangup":
		err = calls.End()
	case "mute":
		fmt.Printf("muted: %v\n", calls.ToggleMute())
	case "camera":
		fmt.Printf("video off: %v\n", calls.ToggleVideo())
	case "speaker":
		fmt.Printf("speaker: %v\n", calls.ToggleSpeaker())
	case "status":
		snap := calls.Snapshot()
		fmt.Printf("%s", snap.Status)
		if snap.CallID != "" {
			fmt.Printf("  call=%s peer=%s", snap.CallID, snap.RemotePeerID)
		}
		fmt.Println()
	case "history":
		records, herr := client.History(ctx, 20)
		if herr != nil {
			err = herr
			break
		}
		for _, r := range records {
			fmt.Printf("%s  %-7s %-9s %s -> %s  %ds\n",
				r.CreatedAt.Format(time.DateTime), r.CallType, r.Status,
				short(r.CallerID), short(r.ReceiverID), r.DurationSeconds)
		}
	case "connect":
		if len(args) < 2 {
			fmt.Println("usage: connect <multiaddr>")
			return false
		}
		err = client.Connect(ctx, args[1])
	case "id":
		fmt.Println(client.ID())
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", args[0])
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + ".." + id[len(id)-4:]
}

func printBanner(peerDir, cfgPath, peerID string) {
	fmt.Println("roomy-call — p2p voice and video")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Peer ID:        %s\n", peerID)
	fmt.Println()
	fmt.Println("Commands: call <peer> [conv] | video <peer> [conv] | accept | decline |")
	fmt.Println("          end | mute | camera | speaker | status | history |")
	fmt.Println("          connect <multiaddr> | id | quit")
	fmt.Println()
}

func showUsage() {
	fmt.Println("roomy-call - peer to peer 1:1 calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomy-call <peer-directory>")
	fmt.Println()
	fmt.Println("The directory holds the identity key, call history database and an")
	fmt.Println("optional roomy.json configuration file; it is created on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -v        Debug logging")
	fmt.Println("  -version  Show version information")
}
