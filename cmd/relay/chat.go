package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/relay/internal/client"
	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/protocol"
)

const quitCommand = "/quit"

func chatCmd() *cobra.Command {
	var (
		url    string
		name   string
		origin string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat through a relay from the terminal",
		Long: `Connect to a relay hub, print every message it delivers and send
each line typed on stdin. Type /quit or press Ctrl-D to leave.

Examples:
  relay chat --name=alice
  relay chat --url=wss://relay.example.com/ws --name=bob`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if debug {
				level = "debug"
			}
			logger, err := logging.New(level, "text", os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			looper := client.NewLooper(logger)
			opts := []client.BridgeOption{client.WithLogger(logger)}
			if origin != "" {
				opts = append(opts, client.WithHeader(http.Header{"Origin": []string{origin}}))
			}

			c := &chat{out: cmd.OutOrStdout(), looper: looper}
			bridge := client.NewBridge(looper, c, opts...)
			c.bridge = bridge

			if err := bridge.Connect(url); err != nil {
				return withCode(exitConfig, err)
			}

			go c.readInput(cmd.InOrStdin(), name)
			go func() {
				<-ctx.Done()
				bridge.Disconnect()
				looper.Quit()
			}()

			if err := looper.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/ws", "Relay WebSocket URL")
	cmd.Flags().StringVarP(&name, "name", "n", protocol.DefaultSender, "Sender name")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header to send")
	cmd.Flags().BoolVar(&debug, "debug", false, "Log bridge activity")

	return cmd
}

// chat renders bridge events. Its methods run on the looper only.
type chat struct {
	out       io.Writer
	looper    *client.Looper
	bridge    *client.Bridge
	connected bool
}

func (c *chat) OnConnected() {
	c.connected = true
	fmt.Fprintln(c.out, color.New(color.FgGreen).Render("connected"))
}

func (c *chat) OnMessage(env protocol.Envelope) {
	fmt.Fprintln(c.out, render(env))
}

func (c *chat) OnDisconnected(reason string) {
	fmt.Fprintln(c.out, color.New(color.FgYellow).Render("disconnected: "+reason))
	c.looper.Quit()
}

func (c *chat) OnError(text string) {
	fmt.Fprintln(c.out, color.New(color.FgRed).Render("error: "+text))
	if !c.connected && !c.bridge.IsConnected() {
		c.looper.Quit()
	}
}

func (c *chat) readInput(in io.Reader, name string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == quitCommand {
			break
		}
		c.bridge.Send(line, name)
	}

	if c.bridge.IsConnected() {
		c.bridge.Disconnect()
		return
	}
	c.looper.Quit()
}

func render(env protocol.Envelope) string {
	stamp := ""
	if !env.Timestamp.IsZero() {
		stamp = color.New(color.FgGray).Render(env.Timestamp.Local().Format("15:04:05")) + " "
	}

	switch env.Kind {
	case protocol.KindChat:
		return stamp + color.New(color.FgCyan, color.OpBold).Render(env.Sender) + ": " + env.Content
	case protocol.KindError:
		return stamp + color.New(color.FgRed).Render(env.String())
	default:
		return stamp + color.New(color.FgMagenta).Render(env.String())
	}
}

var _ client.Listener = (*chat)(nil)
