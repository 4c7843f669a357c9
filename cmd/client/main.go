// Package main is a console client that talks to a silo cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/client"
	"github.com/devrev/silohost/internal/cluster"
	"github.com/devrev/silohost/internal/config"
	"github.com/devrev/silohost/internal/entities"
	"github.com/devrev/silohost/internal/logging"
)

const callTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: client [flags] <command> [args]

Commands:
  ping <key>             round trip to a test entity
  info <name> <email>    set the profile of --user
  whoami                 print the profile of --user
  tell <user> <text>     send a message from --user to another user
  messages               print the latest messages of --user
  join <room>            subscribe --user to a room
  leave <room>           unsubscribe --user from a room
  post <room> <text>     post a message from --user to a room

Flags:
`)
	flagSet.PrintDefaults()
}

func run() error {
	var configPath, userKey string

	flagSet := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file")
	flagSet.StringVarP(&userKey, "user", "u", "", "key of the acting user")
	flagSet.Usage = func() { usage(flagSet) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		usage(flagSet)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connector, err := client.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to connect to cluster", zap.Error(err))
		return err
	}
	defer connector.Stop(context.Background())

	handle, err := connector.Handle()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return execute(callCtx, handle, userKey, args)
}

func execute(ctx context.Context, c *cluster.Client, userKey string, args []string) error {
	command, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s needs %d argument(s)", command, n)
		}
		if command != "ping" && userKey == "" {
			return fmt.Errorf("%s needs --user", command)
		}
		return nil
	}

	switch command {
	case "ping":
		if err := need(1); err != nil {
			return err
		}
		var key string
		if err := c.Entity(entities.KindTest, rest[0]).Call(ctx, "GetKey", nil, &key); err != nil {
			return err
		}
		fmt.Println(key)

	case "info":
		if err := need(2); err != nil {
			return err
		}
		return entities.UserOf(c, userKey).SetInfo(ctx, entities.UserInfo{ID: userKey, Name: rest[0], Email: rest[1]})

	case "whoami":
		if err := need(0); err != nil {
			return err
		}
		info, err := entities.UserOf(c, userKey).GetInfo(ctx)
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Printf("%s has no profile\n", userKey)
			return nil
		}
		fmt.Printf("%s <%s>\n", info.Name, info.Email)

	case "tell":
		if err := need(2); err != nil {
			return err
		}
		from, to, err := profiles(ctx, c, userKey, rest[0])
		if err != nil {
			return err
		}
		return entities.UserOf(c, rest[0]).Tell(ctx, entities.NewMessage(from, to, rest[1]))

	case "messages":
		if err := need(0); err != nil {
			return err
		}
		messages, err := entities.UserOf(c, userKey).GetLatestMessages(ctx)
		if err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Printf("%s  %s: %s\n", m.Timestamp.Local().Format(time.DateTime), m.FromName, m.Content)
		}

	case "join":
		if err := need(1); err != nil {
			return err
		}
		return entities.UserOf(c, userKey).JoinRoom(ctx, rest[0])

	case "leave":
		if err := need(1); err != nil {
			return err
		}
		return entities.UserOf(c, userKey).LeaveRoom(ctx, rest[0])

	case "post":
		if err := need(2); err != nil {
			return err
		}
		from, _, err := profiles(ctx, c, userKey, "")
		if err != nil {
			return err
		}
		room := entities.UserInfo{ID: rest[0], Name: rest[0]}
		return entities.RoomOf(c, rest[0]).Post(ctx, entities.NewMessage(from, room, rest[1]))

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// profiles loads sender and recipient profiles, defaulting names to keys
func profiles(ctx context.Context, c *cluster.Client, fromKey, toKey string) (entities.UserInfo, entities.UserInfo, error) {
	load := func(key string) (entities.UserInfo, error) {
		if key == "" {
			return entities.UserInfo{}, nil
		}
		info, err := entities.UserOf(c, key).GetInfo(ctx)
		if err != nil {
			return entities.UserInfo{}, err
		}
		if info == nil {
			return entities.UserInfo{ID: key, Name: key}, nil
		}
		return *info, nil
	}

	from, err := load(fromKey)
	if err != nil {
		return from, entities.UserInfo{}, err
	}
	to, err := load(toKey)
	return from, to, err
}
