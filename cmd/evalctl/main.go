package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/evalclient/connector"
	"github.com/guseggert/evalclient/devserver"
	"github.com/guseggert/evalclient/internal/config"
	"github.com/guseggert/evalclient/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "evalctl",
		Usage: "evaluate code on an eval server that is created on demand",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: fmt.Sprintf("Path to a YAML config file. Defaults to the nearest %s from the working directory up.", config.FileName),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			evalCommand(),
			serveCommand(),
		},
	}
}

func evalCommand() *cli.Command {
	return &cli.Command{
		Name:      "eval",
		Usage:     "evaluate code and print the eval server's response",
		ArgsUsage: "CODE|-",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "coordinator",
				Usage: "The URL of the coordinator that creates eval servers.",
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "The client id to use. Defaults to a random UUID.",
			},
			&cli.BoolFlag{
				Name:  "websocket",
				Usage: "Talk to the eval server over a WebSocket instead of one PUT per request.",
			},
			&cli.StringFlag{
				Name:  "cell-id",
				Usage: "The cell the code belongs to.",
			},
			&cli.BoolFlag{
				Name:  "no-render",
				Usage: "Ask the eval server not to render output.",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Give up after this many attempts. 0 retries forever.",
			},
		},
		Action: func(ctx *cli.Context) error {
			code := ctx.Args().First()
			if code == "" {
				return errors.New("no code given")
			}
			if code == "-" {
				b, err := io.ReadAll(ctx.App.Reader)
				if err != nil {
					return fmt.Errorf("reading code from stdin: %w", err)
				}
				code = string(b)
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := append(cfg.ConnectorOptions(), connector.WithLogger(logger))
			conn, err := connector.New(cfg.Coordinator, opts...)
			if err != nil {
				return fmt.Errorf("building connector: %w", err)
			}
			defer conn.Close()

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			resp, err := conn.Evaluate(sigCtx, code, ctx.String("cell-id"), connector.WithOutputRendering(!ctx.Bool("no-render")))
			if err != nil {
				return fmt.Errorf("evaluating: %w", err)
			}

			b, err := protocol.Marshal(resp)
			if err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
			fmt.Fprintln(ctx.App.Writer, string(b))

			if resp.Error != nil {
				return resp.Error
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a development coordinator and eval server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			server, err := devserver.NewServer(
				devserver.WithLogger(logger),
				devserver.WithListenAddr(cfg.ListenAddr),
			)
			if err != nil {
				return fmt.Errorf("building dev server: %w", err)
			}
			err = server.Listen()
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "coordinator: %s\n", server.CoordinatorURL())

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				server.Stop()
			}()

			return server.Serve()
		},
	}
}

// loadConfig loads the config file and environment, then applies any flags that were set.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting wd: %w", err)
	}
	cfg, err := config.Load(ctx.String("config"), wd)
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("coordinator") {
		cfg.Coordinator = ctx.String("coordinator")
	}
	if ctx.IsSet("client-id") {
		cfg.ClientID = ctx.String("client-id")
	}
	if ctx.IsSet("websocket") {
		cfg.WebSocket = ctx.Bool("websocket")
	}
	if ctx.IsSet("max-attempts") {
		cfg.MaxAttempts = ctx.Int("max-attempts")
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(level)), nil
}
