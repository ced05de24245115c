// Package agentloop is the orchestration core of a coding assistant: it
// turns one user message into a bounded sequence of streamed model turns
// and gated tool calls, with every file edit checkpointed first.
//
// # Architecture
//
//   - AgentLoop: runs a user turn on a ChatThread, consulting the
//     ContextCompressor before each model call and executing tool calls
//     strictly one after another.
//   - StreamCoordinator: resolves one streamed LLM exchange into a single
//     LLMOutcome, guarded by an activity timeout.
//   - ToolExecutionGate: moves each ToolCall through its state machine,
//     waiting for Approve or Reject where the ApprovalPolicy asks for it.
//   - CheckpointManager: file snapshots taken before user turns and edits,
//     with partial-success rollback.
//   - ContextCompressor: levels from full history down to a
//     HandoffDocument that seeds a new thread.
//   - ThreadStore: workspace-scoped persistence of threads and checkpoints.
//   - EventEmitter: typed event stream for the host application.
//
// # Quick Start
//
//	ws, _ := agentloop.NewLocalWorkspace("/path/to/project")
//	client := unifiedllm.NewClientFromEnv()
//	cfg := agentloop.DefaultConfig()
//	cfg.Provider, cfg.Model = "openai", "gpt-4o-mini"
//	loop, err := agentloop.NewAgentLoop(client, ws, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	go func() {
//	    for ev := range loop.Events() {
//	        if ev.Kind == agentloop.EventApprovalRequired {
//	            loop.Approve()
//	        }
//	    }
//	}()
//	err = loop.SendUserMessage(ctx, agentloop.UserContent{Text: "rename foo to bar in app.ts"})
package agentloop
