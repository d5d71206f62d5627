package agentworld

// ThreadMetadata locates one message inside its reply thread.
type ThreadMetadata struct {
	MessageID     string `json:"messageId"`
	ParentID      string `json:"parentId,omitempty"`
	RootMessageID string `json:"rootMessageId"`
	Depth         int    `json:"depth"`
}

// maxThreadDepth caps reply-chain walks.
const maxThreadDepth = 100

// CalculateThreadMetadata derives each message's thread position from its
// replyToMessageId link. A reply cycle is broken by treating the immediate
// parent as the root. Parents that are not in the transcript (replies into
// an archived chat) become roots themselves. Messages without an id are
// skipped.
func CalculateThreadMetadata(messages []AgentMessage) map[string]ThreadMetadata {
	byID := make(map[string]AgentMessage, len(messages))
	for _, m := range messages {
		if m.MessageID != "" {
			byID[m.MessageID] = m
		}
	}

	out := make(map[string]ThreadMetadata, len(byID))
	for id, m := range byID {
		meta := ThreadMetadata{MessageID: id, ParentID: m.ReplyToMessageID, RootMessageID: id}
		visited := map[string]bool{id: true}
		cur := m

		for meta.Depth < maxThreadDepth {
			parentID := cur.ReplyToMessageID
			if parentID == "" {
				meta.RootMessageID = cur.MessageID
				break
			}
			if visited[parentID] {
				meta.RootMessageID = m.ReplyToMessageID
				meta.Depth = 1
				break
			}
			parent, ok := byID[parentID]
			if !ok {
				meta.RootMessageID = parentID
				meta.Depth++
				break
			}
			visited[parentID] = true
			meta.Depth++
			cur = parent
		}
		if meta.Depth >= maxThreadDepth {
			meta.RootMessageID = cur.MessageID
		}
		out[id] = meta
	}
	return out
}
