package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jupytergo/kernelclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "jkconsole",
		Usage: "a terminal console attached to a remote Jupyter kernel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server-url",
				Usage:    "Base URL of the Jupyter Server.",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the server.",
				EnvVars: []string{"JUPYTER_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "existing",
				Usage: "Attach to an already running kernel by id instead of starting one.",
			},
			&cli.StringFlag{
				Name:  "kernel",
				Usage: "Kernel spec name used when starting a new kernel.",
				Value: "python3",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-execution deadline. Zero waits forever.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(cliCtx *cli.Context) error {
	logger := zap.NewNop()
	if cliCtx.Bool("debug") {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
	}

	ctx := context.Background()
	stdin := bufio.NewScanner(os.Stdin)

	opts := []kernelclient.Option{
		kernelclient.WithLogger(logger),
		kernelclient.WithExecuteTimeout(cliCtx.Duration("timeout")),
		kernelclient.WithInputProvider(func(prompt string, password bool) (string, error) {
			fmt.Print(prompt)
			if !stdin.Scan() {
				return "", stdin.Err()
			}
			return stdin.Text(), nil
		}),
	}
	if existing := cliCtx.String("existing"); existing != "" {
		opts = append(opts, kernelclient.WithKernelID(existing))
	} else {
		opts = append(opts, kernelclient.WithKernelName(cliCtx.String("kernel")))
	}

	client, err := kernelclient.Attach(ctx, cliCtx.String("server-url"), cliCtx.String("token"), opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Close(closeCtx)
	}()

	if info, err := client.KernelInfo(ctx); err == nil {
		fmt.Println(info.Banner)
	}
	fmt.Printf("attached to kernel %s (type 'exit' to quit)\n", client.KernelID())

	// relay SIGINT as a kernel interrupt while executing, exit otherwise
	var executing int32
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if atomic.LoadInt32(&executing) == 0 {
				fmt.Println()
				os.Exit(0)
			}
			if err := client.Interrupt(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "interrupt failed: %s\n", err)
			}
		}
	}()

	for {
		fmt.Printf("In [%s]: ", client.ExecutionState())
		if !stdin.Scan() {
			return stdin.Err()
		}
		code := strings.TrimSpace(stdin.Text())
		switch code {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		atomic.StoreInt32(&executing, 1)
		res, err := client.Execute(ctx, code)
		atomic.StoreInt32(&executing, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			continue
		}
		render(res)
	}
}

func render(res *kernelclient.ExecutionResult) {
	for _, out := range res.Outputs {
		switch out.Type {
		case kernelclient.OutputStream:
			if out.Name == "stderr" {
				fmt.Fprint(os.Stderr, out.Text)
			} else {
				fmt.Print(out.Text)
			}
		case kernelclient.OutputError:
			for _, frame := range out.Traceback {
				fmt.Fprintln(os.Stderr, frame)
			}
		}
	}
	if text := res.TextResult(); text != "" {
		fmt.Printf("Out[%d]: %s\n", res.ExecutionCount, text)
	}
}
