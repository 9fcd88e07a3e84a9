package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/quailyquaily/smartops/agent"
	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/internal/clifmt"
	"github.com/quailyquaily/smartops/tracker"
	"github.com/spf13/cobra"
)

var errQuit = errors.New("quit")

type chatEngine interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.TurnResult, error)
	Confirm(ctx context.Context, approvalID, requesterID string) (agent.TurnResult, error)
	Cancel(ctx context.Context, approvalID, requesterID string) (agent.TurnResult, error)
	ListPending(requesterID string) []agent.PendingApproval
}

func newChatCommand() *cobra.Command {
	var (
		user           string
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive operations chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &syncWriter{w: cmd.OutOrStdout()}
			log := loggerFromViper(cmd.ErrOrStderr())
			a, err := newApp(ctx, log, &printNotifier{out: out})
			if err != nil {
				return err
			}
			defer a.Close()
			a.start(ctx)

			s := &chatSession{
				engine:         a.engine,
				ops:            a.tracker.Active,
				history:        a.history,
				out:            out,
				conversationID: firstNonEmpty(conversationID, "cli-"+uuid.NewString()),
				requester:      firstNonEmpty(user, os.Getenv("USER"), "cli"),
				targets:        a.targets,
			}
			out.Printf("%s\n", clifmt.Headerf("smartops chat"))
			out.Printf("%s\n", clifmt.Dim(fmt.Sprintf("conversation %s, %d known instance(s). /help for commands.", s.conversationID, len(s.targets))))
			return s.loop(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "requester id (default $USER)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue")
	return cmd
}

type chatSession struct {
	engine         chatEngine
	ops            func() []tracker.Operation
	history        guard.ApprovalHistory
	out            *syncWriter
	conversationID string
	requester      string
	targets        map[string]string
}

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		s.out.Printf("%s ", clifmt.Key(">"))
		if !sc.Scan() {
			return sc.Err()
		}
		if err := s.handleLine(ctx, sc.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			s.out.Printf("%s\n", clifmt.Warn("error: "+err.Error()))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *chatSession) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		res, err := s.engine.Run(ctx, agent.RunRequest{
			ConversationID: s.conversationID,
			RequesterID:    s.requester,
			Prompt:         line,
			Targets:        s.targets,
		})
		if err != nil {
			return err
		}
		s.out.printTurn(res)
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		s.out.Printf("/pending            list approvals waiting on you\n")
		s.out.Printf("/approve <id>       confirm and run an operation\n")
		s.out.Printf("/deny <id>          cancel an operation\n")
		s.out.Printf("/ops                list operations being polled\n")
		s.out.Printf("/history [n]        show your last n resolved approvals\n")
		s.out.Printf("/quit               leave\n")
		return nil
	case "/pending":
		pending := s.engine.ListPending(s.requester)
		if len(pending) == 0 {
			s.out.Printf("%s\n", clifmt.Dim("no pending approvals"))
			return nil
		}
		for _, p := range pending {
			s.out.Printf("%s  %s  %s\n", clifmt.Key(p.ApprovalID), p.Description, clifmt.Dim("expires "+p.ExpiresAt.Local().Format("15:04:05")))
		}
		return nil
	case "/approve", "/deny":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <approval id>", fields[0])
		}
		var (
			res agent.TurnResult
			err error
		)
		if fields[0] == "/approve" {
			res, err = s.engine.Confirm(ctx, fields[1], s.requester)
		} else {
			res, err = s.engine.Cancel(ctx, fields[1], s.requester)
		}
		if err != nil {
			return err
		}
		s.out.printTurn(res)
		return nil
	case "/ops":
		if s.ops == nil {
			return nil
		}
		ops := s.ops()
		if len(ops) == 0 {
			s.out.Printf("%s\n", clifmt.Dim("no operations in flight"))
			return nil
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
		for _, op := range ops {
			s.out.Printf("%s  %s  %s  polls=%d\n", clifmt.Key(op.ID), op.TargetID, clifmt.Status(string(op.Status)), op.PollCount)
		}
		return nil
	case "/history":
		return s.showHistory(ctx, fields[1:])
	default:
		return fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

const defaultHistoryLimit = 10

func (s *chatSession) showHistory(ctx context.Context, args []string) error {
	if s.history == nil {
		return fmt.Errorf("approval history is disabled (set approvals.history.enabled and db.dsn)")
	}
	limit := defaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: /history [n]")
		}
		limit = n
	}
	recs, err := s.history.ListByRequester(ctx, s.requester, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		s.out.Printf("%s\n", clifmt.Dim("no approvals recorded"))
		return nil
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s  %s  %s  %s", clifmt.Key(r.ID), r.CreatedAt.Local().Format("2006-01-02 15:04"), clifmt.Status(string(r.Status)), r.ToolName)
		if r.Actor != "" && r.Actor != s.requester {
			line += "  by " + r.Actor
		}
		if r.Error != "" {
			line += "  " + clifmt.Dim(r.Error)
		}
		s.out.Printf("%s\n", line)
	}
	return nil
}

// syncWriter serializes output from the REPL and background deliveries.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format, args...)
}

func (w *syncWriter) printTurn(res agent.TurnResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	writeTurn(w.w, res)
}

func writeTurn(w io.Writer, res agent.TurnResult) {
	switch res.Status {
	case agent.TurnAwaitingApproval:
		fmt.Fprintln(w, clifmt.Warn("Approval required:"))
		for _, p := range res.Approvals {
			fmt.Fprintf(w, "  %s  %s\n", clifmt.Key(p.ApprovalID), p.Description)
		}
		fmt.Fprintln(w, clifmt.Dim("  /approve <id> or /deny <id>"))
	case agent.TurnAwaitingOperations:
		fmt.Fprintf(w, "%s %s\n", clifmt.Warn("Waiting on operations:"), strings.Join(res.Operations, ", "))
		fmt.Fprintln(w, clifmt.Dim("  the answer will appear when they finish"))
	default:
		fmt.Fprintln(w, res.Text)
		if res.Card != nil {
			fmt.Fprintln(w, clifmt.Dim("(card attached)"))
		}
	}
}

type printNotifier struct {
	out *syncWriter
}

func (n *printNotifier) Deliver(_ context.Context, conversationID string, res agent.TurnResult) {
	n.out.Printf("\n%s\n", clifmt.Success("["+conversationID+"] update"))
	n.out.printTurn(res)
}
