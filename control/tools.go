package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/martinemde/conductor/agentloop"
	"github.com/martinemde/conductor/audit"
	"go.uber.org/zap"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a new agent session with an instruction. Returns the session id."),
			mcp.WithString("instruction", mcp.Required(), mcp.Description("What the agent should do")),
			mcp.WithBoolean("auto_approve", mcp.Description("Approve mutating tool calls without asking")),
			mcp.WithString("provider", mcp.Description("Provider override")),
			mcp.WithString("model", mcp.Description("Model override")),
			mcp.WithNumber("max_iterations", mcp.Description("Iteration cap override")),
			mcp.WithNumber("wait_seconds", mcp.Description("Wait up to this long for the run to end before returning")),
		),
		s.handleStartSession,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("resume_session",
			mcp.WithDescription("Continue an idle session with a follow-up instruction."),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("instruction", mcp.Required()),
			mcp.WithNumber("wait_seconds", mcp.Description("Wait up to this long for the run to end before returning")),
		),
		s.handleResumeSession,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("abort_session",
			mcp.WithDescription("Stop a session's current run at the next safe point."),
			mcp.WithString("session_id", mcp.Required()),
		),
		s.handleAbortSession,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("resolve_confirmation",
			mcp.WithDescription("Approve or deny a pending confirmation request."),
			mcp.WithString("request_id", mcp.Required()),
			mcp.WithString("decision", mcp.Required(), mcp.Enum("approve", "deny")),
			mcp.WithString("reason", mcp.Description("Reason given to the agent on denial")),
		),
		s.handleResolveConfirmation,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_confirmations",
			mcp.WithDescription("List confirmation requests awaiting an answer."),
			mcp.WithString("session_id", mcp.Description("Only this session's requests")),
		),
		s.handleListConfirmations,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Show one session, or all sessions when session_id is omitted."),
			mcp.WithString("session_id"),
		),
		s.handleSessionStatus,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List live sessions and, when an archive is configured, the ids of archived sessions."),
		),
		s.handleListSessions,
	)
	if s.history != nil {
		s.mcpServer.AddTool(
			mcp.NewTool("session_events",
				mcp.WithDescription("Replay the recorded events of a session."),
				mcp.WithString("session_id", mcp.Required()),
				mcp.WithString("kind", mcp.Description("Only events of this kind")),
			),
			s.handleSessionEvents,
		)
	}
}

type runResult struct {
	SessionID string                  `json:"session_id"`
	Status    agentloop.SessionStatus `json:"status"`
	Finished  bool                    `json:"finished"`
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instruction, err := request.RequireString("instruction")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := agentloop.SessionOptions{
		Provider:      request.GetString("provider", ""),
		Model:         request.GetString("model", ""),
		MaxIterations: request.GetInt("max_iterations", 0),
	}
	if _, ok := request.GetArguments()["auto_approve"]; ok {
		auto := request.GetBool("auto_approve", false)
		opts.AutoApprove = &auto
	}

	id, err := s.manager.StartSession(ctx, instruction, opts)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("start session", err), nil
	}
	s.logger.Info("session started over control", zap.String("session_id", id))
	return s.runResult(ctx, id, request.GetFloat("wait_seconds", 0))
}

func (s *Server) handleResumeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	instruction, err := request.RequireString("instruction")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.ResumeSession(ctx, id, instruction); err != nil {
		return mcp.NewToolResultErrorFromErr("resume session", err), nil
	}
	return s.runResult(ctx, id, request.GetFloat("wait_seconds", 0))
}

// runResult optionally waits for the run to end, then reports the status.
func (s *Server) runResult(ctx context.Context, id string, waitSeconds float64) (*mcp.CallToolResult, error) {
	finished := false
	if waitSeconds > 0 {
		wait := time.Duration(waitSeconds * float64(time.Second))
		if wait > s.maxWait {
			wait = s.maxWait
		}
		wctx, cancel := context.WithTimeout(ctx, wait)
		err := s.manager.Wait(wctx, id)
		cancel()
		finished = !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
	}
	st, err := s.manager.Status(id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("session status", err), nil
	}
	return mcp.NewToolResultJSON(runResult{SessionID: id, Status: st, Finished: finished})
}

func (s *Server) handleAbortSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Abort(id); err != nil {
		return mcp.NewToolResultErrorFromErr("abort session", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("abort requested for %s", id)), nil
}

func (s *Server) handleResolveConfirmation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var d agentloop.Decision
	switch request.GetString("decision", "") {
	case "approve":
		d = agentloop.Approve()
	case "deny":
		d = agentloop.Deny(request.GetString("reason", "denied by operator"))
	default:
		return mcp.NewToolResultError(`decision must be "approve" or "deny"`), nil
	}
	if err := s.manager.ResolveConfirmation(requestID, d); err != nil {
		return mcp.NewToolResultErrorFromErr("resolve confirmation", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s", requestID, d.State)), nil
}

type confirmationList struct {
	Requests []agentloop.ConfirmationRequest `json:"requests"`
}

func (s *Server) handleListConfirmations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := s.manager.Pending(request.GetString("session_id", ""))
	if pending == nil {
		pending = []agentloop.ConfirmationRequest{}
	}
	return mcp.NewToolResultJSON(confirmationList{Requests: pending})
}

type sessionList struct {
	Sessions []agentloop.SessionStatus `json:"sessions"`
}

// sessionDetail is one session's status plus its archived event counts.
// Archived is set when the session is no longer live.
type sessionDetail struct {
	agentloop.SessionStatus
	EventCounts []audit.KindCount `json:"event_counts,omitempty"`
	Archived    bool              `json:"archived,omitempty"`
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultJSON(sessionList{Sessions: s.manager.Sessions()})
	}
	st, err := s.manager.Status(id)
	live := err == nil
	if err != nil && (s.archive == nil || !errors.Is(err, agentloop.ErrSessionNotFound)) {
		return mcp.NewToolResultErrorFromErr("session status", err), nil
	}

	detail := sessionDetail{SessionStatus: st}
	if s.archive != nil {
		counts, aerr := s.archive.Summary(ctx, id)
		switch {
		case aerr != nil && !live:
			return mcp.NewToolResultErrorFromErr("session status", aerr), nil
		case aerr != nil:
			s.logger.Warn("event summary unavailable", zap.String("session_id", id), zap.Error(aerr))
		case !live && len(counts) == 0:
			return mcp.NewToolResultErrorFromErr("session status", err), nil
		}
		detail.EventCounts = counts
		if !live {
			detail.ID = id
			detail.Archived = true
		}
	}
	return mcp.NewToolResultJSON(detail)
}

type sessionIndex struct {
	Sessions []agentloop.SessionStatus `json:"sessions"`
	// Archived lists recorded sessions that are no longer live, most
	// recent first.
	Archived []string `json:"archived,omitempty"`
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := sessionIndex{Sessions: s.manager.Sessions()}
	if s.archive == nil {
		return mcp.NewToolResultJSON(out)
	}
	ids, err := s.archive.Sessions(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("list archived sessions", err), nil
	}
	live := make(map[string]bool, len(out.Sessions))
	for _, st := range out.Sessions {
		live[st.ID] = true
	}
	for _, id := range ids {
		if !live[id] {
			out.Archived = append(out.Archived, id)
		}
	}
	return mcp.NewToolResultJSON(out)
}

type eventList struct {
	Events []agentloop.Event `json:"events"`
}

func (s *Server) handleSessionEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	events, err := s.history.Events(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("load events", err), nil
	}
	kind := agentloop.EventKind(request.GetString("kind", ""))
	out := make([]agentloop.Event, 0, len(events))
	for _, ev := range events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return mcp.NewToolResultJSON(eventList{Events: out})
}
