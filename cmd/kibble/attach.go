package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kibble/kibble/internal/common/tracing"
	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/events/bus"
	"github.com/kibble/kibble/internal/session/api"
	"github.com/kibble/kibble/internal/session/chat"
	"github.com/kibble/kibble/internal/session/transport"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Follow a session and chat with its agent",
	Long: `Follow a session live, falling back to polling when the live
connection is unavailable. Each stdin line is sent as a chat message.
Lines starting with / are commands: /commit /pr /stop /retry /end
/approve /reject <feedback> /answer <option-id...>`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	sessionID := args[0]
	mgr := transport.NewManager(cfg.Transport, log)
	defer mgr.Close()
	ctrl := chat.NewController(sessionID, api.NewClient(cfg.API, log), mgr, provided.Bus, log)

	out := cmd.OutOrStdout()
	sub, err := provided.Bus.Subscribe(events.BuildSessionWildcardSubject(sessionID), func(_ context.Context, e *bus.Event) error {
		fmt.Fprintln(out, formatEvent(e))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := ctrl.Open(ctx); err != nil {
		return fmt.Errorf("failed to open session %s: %w", sessionID, err)
	}
	defer ctrl.Close()
	for _, m := range ctrl.Messages() {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Text())
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				if err := runInput(gctx, ctrl, line, out); err != nil {
					log.Warn("input failed", zap.String("input", line), zap.Error(err))
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = tracing.Shutdown(context.Background())
		return nil
	})
	return g.Wait()
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
}

// input is one parsed stdin line.
type input struct {
	command string
	args    []string
	text    string
}

func parseInput(line string) input {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return input{text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return input{text: line}
	}
	return input{command: strings.ToLower(fields[0]), args: fields[1:]}
}

func runInput(ctx context.Context, ctrl *chat.Controller, line string, out io.Writer) error {
	in := parseInput(line)
	switch in.command {
	case "":
		queued, err := ctrl.SendMessage(ctx, in.text)
		if err == nil && queued != nil {
			fmt.Fprintf(out, "(queued, %d waiting)\n", len(ctrl.State().Queued))
		}
		return err
	case "commit":
		return ctrl.Commit()
	case "pr":
		return ctrl.CreatePR()
	case "stop":
		return ctrl.Stop()
	case "retry":
		ctrl.Retry()
		return nil
	case "end":
		return ctrl.EndSession(ctx)
	case "approve":
		return ctrl.ApprovePlan(ctx)
	case "reject":
		return ctrl.RejectPlan(ctx, strings.Join(in.args, " "))
	case "answer":
		return ctrl.AnswerQuestion(ctx, in.args, "")
	case "status":
		st := ctrl.State()
		fmt.Fprintf(out, "status=%s work=%s mode=%s banner=%s queued=%d\n",
			st.Session.Status, st.WorkState, st.Mode, st.Banner, len(st.Queued))
		return nil
	}
	return fmt.Errorf("unknown command /%s", in.command)
}

// formatEvent renders a session event as a single line.
func formatEvent(e *bus.Event) string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "session_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Type)
	b.WriteString("]")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}
