// Command chat is a console client for a fanoutd chat exchange.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fanoutmq/internal/chat"
	"fanoutmq/internal/config"
	logx "fanoutmq/pkg/logx"
)

func main() {
	var (
		addr     string
		user     string
		exchange string
		logLevel string
	)
	flag.StringVar(&addr, "addr", config.DefaultListenAddr, "broker address")
	flag.StringVar(&user, "user", "", "username (prompted when empty)")
	flag.StringVar(&exchange, "exchange", chat.DefaultExchange, "chat exchange")
	flag.StringVar(&logLevel, "log-level", "warn", "client log level")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, addr, user, exchange, logx.NewWriter(os.Stderr, logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer, addr, user, exchange string, log logx.Logger) error {
	lines := bufio.NewScanner(in)
	if strings.TrimSpace(user) == "" {
		fmt.Fprint(out, "Enter your username: ")
		if lines.Scan() {
			user = strings.TrimSpace(lines.Text())
		}
	}

	c := chat.New(user, chat.Remote(addr, log))
	c.Exchange = exchange
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect(context.WithoutCancel(ctx))

	if err := c.Listen(ctx, func(line string) { fmt.Fprintf(out, "\n[Message] %s\n", line) }); err != nil {
		return err
	}
	fmt.Fprintln(out, "Connected. Type messages, /exit to quit.")

	input := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(input)
		for lines.Scan() {
			select {
			case input <- lines.Text():
			case <-done:
				return
			}
		}
	}()

	closed := c.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			fmt.Fprintln(out, "Connection closed.")
			return nil
		case line, ok := <-input:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case strings.EqualFold(line, "/exit"):
				return nil
			}
			if err := c.Send(ctx, line); err != nil {
				return err
			}
		}
	}
}
