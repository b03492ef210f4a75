// Package agentloop implements the agent orchestration loop: a bounded
// iteration state machine that sends conversation state to a tool-calling
// model, runs the tools it asks for, and stops runaway behavior.
//
// # Architecture
//
//   - Manager: inbound API. Starts, resumes, aborts and closes sessions and
//     answers confirmation requests. Each active run has its own worker.
//   - Session: one conversation, its iteration counter, loop detector window,
//     context budget and per-session tool cache.
//   - ModelGateway: model calls with per-role timeouts and bounded retry over
//     a unifiedllm.Client.
//   - ToolCatalog and Dispatcher: tool specs shared at startup, resolved and
//     memoized per session.
//   - Gate: confirmation of mutating tools and protected targets, answered by
//     an ApproverFunc or the asynchronous ConfirmationBroker.
//   - Detector: sliding-window loop detection with a human checkpoint.
//   - ContextBudget: token tracking and summarization of old messages.
//   - Publisher: event fan-out with bounded, drop-oldest subscriber queues.
//
// # Quick Start
//
//	catalog, _ := agentloop.NewToolCatalog(agentloop.ToolSpec{
//	    Definition: unifiedllm.ToolDefinition{Name: "write_file", Description: "Write a file"},
//	    Mutating:   true,
//	    TargetArgs: []string{"path"},
//	    Factory:    func() (agentloop.Tool, error) { return writeFile{}, nil },
//	})
//	m, _ := agentloop.NewManager(agentloop.DefaultSessionConfig(), agentloop.Deps{
//	    Client:  unifiedllm.NewClientFromEnv(),
//	    Catalog: catalog,
//	})
//	sub := m.Subscribe("")
//	id, _ := m.StartSession(ctx, "Create hello.txt containing hi", agentloop.SessionOptions{})
//	go func() {
//	    for ev := range sub.Events() {
//	        if ev.Kind == agentloop.EventConfirmationRequired {
//	            m.ResolveConfirmation(ev.Confirmation.Request.ID, agentloop.Approve())
//	        }
//	    }
//	}()
//	err := m.Wait(ctx, id)
package agentloop
