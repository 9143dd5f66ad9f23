package orchestrator

import "github.com/agentgw/gateway/internal/session"

// rehydratedHistory is the sanitized, tail-capped view of a session's
// message history prepared for prompt composition: strip ephemeral
// progress content, then cap to the most recent exchanges.
type rehydratedHistory struct {
	exchanges []session.Exchange
}

// rehydrate drops ephemeral progress content (thought/error blocks — this
// domain's equivalent of tool_use/tool_result events, which carry no
// standalone meaning once a turn is over and are reconstructed fresh on
// each run) and keeps only the most recent tailSize exchanges.
func rehydrate(history []session.Exchange, tailSize int) rehydratedHistory {
	sanitized := make([]session.Exchange, 0, len(history))
	for _, ex := range history {
		kept := ex.Content[:0:0]
		for _, block := range ex.Content {
			if block.Kind == session.BlockError || block.Kind == session.BlockThought {
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			continue
		}
		sanitized = append(sanitized, session.Exchange{Role: ex.Role, Content: kept})
	}
	if len(sanitized) > tailSize {
		sanitized = sanitized[len(sanitized)-tailSize:]
	}
	return rehydratedHistory{exchanges: sanitized}
}

// asContent flattens the rehydrated exchanges into one content-block slice,
// in order. Blocks are copied as they are: the speaker role of each
// exchange is not carried into the flattened slice.
func (h rehydratedHistory) asContent() []session.ContentBlock {
	var out []session.ContentBlock
	for _, ex := range h.exchanges {
		out = append(out, ex.Content...)
	}
	return out
}
