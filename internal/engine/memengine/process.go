package memengine

import (
	"encoding/json"
	"fmt"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

// Frame types carried inside group ciphertext.
const (
	frameMessage = "msg"
	frameCommit  = "commit"
)

// frame is the plaintext of a group wrapper event.
type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
	// Commit fields. BaseEpoch is the epoch the committer observed; the
	// commit proposes state for BaseEpoch+1.
	BaseEpoch uint64 `json:"base_epoch,omitempty"`
	Name      string `json:"name,omitempty"`
}

// convState is the snapshot blob captured before applying a commit.
type convState struct {
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	Admins       []string `json:"admins"`
	Epoch        uint64   `json:"epoch"`
	LastCommitID string   `json:"last_commit_id"`
	LastCommitTS int64    `json:"last_commit_ts"`
}

func snapshotState(c *store.Conversation) ([]byte, error) {
	return json.Marshal(convState{
		Name:         c.Name,
		Members:      c.Members,
		Admins:       c.Admins,
		Epoch:        c.Epoch,
		LastCommitID: c.LastCommitID,
		LastCommitTS: c.LastCommitTS,
	})
}

func restoreState(c *store.Conversation, blob []byte) error {
	var s convState
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	c.Name = s.Name
	c.Members = s.Members
	c.Admins = s.Admins
	c.Epoch = s.Epoch
	c.LastCommitID = s.LastCommitID
	c.LastCommitTS = s.LastCommitTS
	return nil
}

// CreateMessage implements engine.Engine. The wrapper event is recorded in
// the dedup ledger as ours so the transport echo is skipped, and the rumor
// is stored immediately so the UI shows it without a network round trip.
func (e *Engine) CreateMessage(groupID string, rumor engine.Rumor) (relay.Event, error) {
	conv, err := e.db.GetConversation(groupID)
	if err != nil {
		return relay.Event{}, err
	}
	if conv == nil {
		return relay.Event{}, fmt.Errorf("unknown group %s", groupID)
	}
	if exists, err := e.db.HasMessage(groupID, rumor.ID); err != nil {
		return relay.Event{}, err
	} else if exists {
		return relay.Event{}, fmt.Errorf("message id %s already exists in group", rumor.ID)
	}

	plain, err := json.Marshal(frame{
		Type:      frameMessage,
		ID:        rumor.ID,
		Sender:    rumor.Sender,
		Content:   rumor.Content,
		Timestamp: rumor.Timestamp,
	})
	if err != nil {
		return relay.Event{}, err
	}
	content, err := seal(conv.GroupKey, conv.RoutingID, plain)
	if err != nil {
		return relay.Event{}, fmt.Errorf("encrypt for group: %w", err)
	}
	ev := relay.NewEvent(e.keys.PublicHex(), relay.KindGroupMessage,
		[][]string{{relay.TagRouting, conv.RoutingID}}, content, rumor.Timestamp)

	if err := e.db.SaveMessage(&store.Message{
		GroupID:   groupID,
		ID:        rumor.ID,
		Sender:    rumor.Sender,
		Content:   rumor.Content,
		Timestamp: rumor.Timestamp,
	}); err != nil {
		return relay.Event{}, err
	}
	if err := e.db.MarkEventProcessed(ev.ID, groupID, store.EventCreated, ""); err != nil {
		return relay.Event{}, err
	}
	return ev, nil
}

// CreateCommit builds a state-change wrapper event proposing a new group
// name on top of the group's current epoch. The commit is not applied
// locally: like every member, the author applies it by processing the
// wrapper when it comes back from the transport, so all members converge
// through the same code path.
func (e *Engine) CreateCommit(groupID, newName string, createdAt int64) (relay.Event, error) {
	conv, err := e.db.GetConversation(groupID)
	if err != nil {
		return relay.Event{}, err
	}
	if conv == nil {
		return relay.Event{}, fmt.Errorf("unknown group %s", groupID)
	}
	plain, err := json.Marshal(frame{
		Type:      frameCommit,
		BaseEpoch: conv.Epoch,
		Name:      newName,
	})
	if err != nil {
		return relay.Event{}, err
	}
	content, err := seal(conv.GroupKey, conv.RoutingID, plain)
	if err != nil {
		return relay.Event{}, fmt.Errorf("encrypt commit: %w", err)
	}
	return relay.NewEvent(e.keys.PublicHex(), relay.KindGroupMessage,
		[][]string{{relay.TagRouting, conv.RoutingID}}, content, createdAt), nil
}

// ProcessMessage implements engine.Engine. Processing is idempotent over the
// dedup ledger and transactional in effect: either the event lands in a
// terminal ledger state with its side effects applied, or it stays
// retryable.
func (e *Engine) ProcessMessage(ev relay.Event) (*engine.ProcessResult, error) {
	if ev.Kind != relay.KindGroupMessage {
		return &engine.ProcessResult{
			Kind:   engine.ResultUnprocessable,
			Reason: fmt.Sprintf("unexpected kind %d", ev.Kind),
		}, nil
	}

	ledger, err := e.db.FindProcessedEvent(ev.ID)
	if err != nil {
		return nil, err
	}
	if ledger != nil {
		switch ledger.State {
		case store.EventCreated:
			// Our own outbound wrapper echoed back. Settle it.
			if err := e.db.MarkEventProcessed(ev.ID, ledger.GroupID, store.EventProcessed, ""); err != nil {
				return nil, err
			}
			return &engine.ProcessResult{Kind: engine.ResultDuplicate, GroupID: ledger.GroupID}, nil
		case store.EventProcessed, store.EventProcessedCommit:
			return &engine.ProcessResult{Kind: engine.ResultDuplicate, GroupID: ledger.GroupID}, nil
		case store.EventFailed, store.EventEpochInvalidated:
			if ledger.GroupID != "" {
				return &engine.ProcessResult{
					Kind:    engine.ResultUnprocessable,
					GroupID: ledger.GroupID,
					Reason:  ledger.Reason,
				}, nil
			}
			return &engine.ProcessResult{Kind: engine.ResultPreviouslyFailed, Reason: ledger.Reason}, nil
		case store.EventRetryable:
			// Fall through and try again.
		}
	}

	routingID := ev.TagValue(relay.TagRouting)
	if routingID == "" {
		if err := e.db.MarkEventProcessed(ev.ID, "", store.EventFailed, "missing routing tag"); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{Kind: engine.ResultUnprocessable, Reason: "missing routing tag"}, nil
	}

	conv, err := e.db.GetConversationByRouting(routingID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		// The welcome that establishes this group may still be in flight.
		if err := e.db.MarkEventProcessed(ev.ID, "", store.EventRetryable, "unknown group"); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{Kind: engine.ResultRetryable, RoutingID: routingID, Reason: "unknown group"}, nil
	}

	plain, err := open(conv.GroupKey, routingID, ev.Content)
	if err != nil {
		reason := fmt.Sprintf("decrypt: %v", err)
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultUnprocessable, GroupID: conv.GroupID, RoutingID: routingID, Reason: reason,
		}, nil
	}
	var fr frame
	if err := json.Unmarshal(plain, &fr); err != nil {
		reason := "malformed frame"
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultUnprocessable, GroupID: conv.GroupID, RoutingID: routingID, Reason: reason,
		}, nil
	}

	switch fr.Type {
	case frameMessage:
		msg := &engine.Message{
			GroupID:   conv.GroupID,
			ID:        fr.ID,
			Sender:    fr.Sender,
			Content:   fr.Content,
			Timestamp: fr.Timestamp,
		}
		if err := e.db.SaveMessage(&store.Message{
			GroupID:   msg.GroupID,
			ID:        msg.ID,
			Sender:    msg.Sender,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}); err != nil {
			return nil, err
		}
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventProcessed, ""); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultApplication, GroupID: conv.GroupID, RoutingID: routingID, Message: msg,
		}, nil
	case frameCommit:
		return e.processCommit(conv, ev, &fr)
	default:
		reason := fmt.Sprintf("unknown frame type %q", fr.Type)
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultUnprocessable, GroupID: conv.GroupID, RoutingID: routingID, Reason: reason,
		}, nil
	}
}

// processCommit applies, defers, or discards a state-change commit. Races are
// resolved deterministically: for one contested epoch the commit with the
// earliest claimed timestamp wins, ties broken by the lexicographically
// smaller event ID, so every member converges on the same head regardless of
// arrival order.
func (e *Engine) processCommit(conv *store.Conversation, ev relay.Event, fr *frame) (*engine.ProcessResult, error) {
	challenger := engine.CommitRef{EventID: ev.ID, Timestamp: ev.CreatedAt}

	switch {
	case fr.BaseEpoch == conv.Epoch:
		// Applies cleanly on the current head. Snapshot first so a late
		// competitor can still win this epoch.
		blob, err := snapshotState(conv)
		if err != nil {
			return nil, err
		}
		if err := e.db.SaveEpochSnapshot(&store.EpochSnapshot{
			GroupID:         conv.GroupID,
			Epoch:           conv.Epoch,
			AppliedCommitID: ev.ID,
			AppliedCommitTS: ev.CreatedAt,
			State:           blob,
		}); err != nil {
			return nil, err
		}
		e.applyCommit(conv, ev, fr)
		if err := e.db.UpsertConversation(conv); err != nil {
			return nil, err
		}
		if err := e.db.PruneSnapshots(conv.GroupID, snapshotRetention); err != nil {
			return nil, err
		}
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventProcessedCommit, ""); err != nil {
			return nil, err
		}
		e.logger.Debug("commit applied",
			zap.String("routing_id", conv.RoutingID),
			zap.Uint64("epoch", conv.Epoch))
		return &engine.ProcessResult{
			Kind: engine.ResultCommitApplied, GroupID: conv.GroupID, RoutingID: conv.RoutingID,
		}, nil

	case fr.BaseEpoch+1 == conv.Epoch:
		// A competitor for the epoch we just advanced past. Compare against
		// the incumbent recorded in that epoch's snapshot.
		snap, err := e.db.GetEpochSnapshot(conv.GroupID, fr.BaseEpoch)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			reason := "commit race unresolvable: snapshot pruned"
			if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
				return nil, err
			}
			return &engine.ProcessResult{
				Kind: engine.ResultCommitStale, GroupID: conv.GroupID, RoutingID: conv.RoutingID, Reason: reason,
			}, nil
		}
		incumbent := engine.CommitRef{EventID: snap.AppliedCommitID, Timestamp: snap.AppliedCommitTS}
		if !engine.Wins(challenger, incumbent) {
			reason := fmt.Sprintf("lost commit race to %s", snap.AppliedCommitID)
			if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
				return nil, err
			}
			return &engine.ProcessResult{
				Kind: engine.ResultCommitStale, GroupID: conv.GroupID, RoutingID: conv.RoutingID, Reason: reason,
			}, nil
		}

		// The challenger wins. Roll back to the forked epoch, discard the
		// incumbent branch, and apply the winner.
		if err := restoreState(conv, snap.State); err != nil {
			return nil, err
		}
		if err := e.db.DeleteSnapshotsAbove(conv.GroupID, fr.BaseEpoch); err != nil {
			return nil, err
		}
		if err := e.db.InvalidateCommitsAbove(conv.GroupID, ev.ID); err != nil {
			return nil, err
		}
		if err := e.db.SaveEpochSnapshot(&store.EpochSnapshot{
			GroupID:         conv.GroupID,
			Epoch:           fr.BaseEpoch,
			AppliedCommitID: ev.ID,
			AppliedCommitTS: ev.CreatedAt,
			State:           snap.State,
		}); err != nil {
			return nil, err
		}
		e.applyCommit(conv, ev, fr)
		if err := e.db.UpsertConversation(conv); err != nil {
			return nil, err
		}
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventProcessedCommit, ""); err != nil {
			return nil, err
		}
		e.logger.Info("commit race rollback",
			zap.String("routing_id", conv.RoutingID),
			zap.Uint64("target_epoch", fr.BaseEpoch),
			zap.String("new_head", ev.ID))
		return &engine.ProcessResult{
			Kind:      engine.ResultCommitRolledBack,
			GroupID:   conv.GroupID,
			RoutingID: conv.RoutingID,
			Rollback:  &engine.RollbackInfo{TargetEpoch: fr.BaseEpoch, NewHeadID: ev.ID},
		}, nil

	case fr.BaseEpoch > conv.Epoch:
		// A commit from the future: we are missing its predecessors.
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventRetryable, "future epoch"); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultRetryable, GroupID: conv.GroupID, RoutingID: conv.RoutingID, Reason: "future epoch",
		}, nil

	default:
		// Two or more epochs behind: its race was settled long ago.
		reason := fmt.Sprintf("commit for epoch %d, group at %d", fr.BaseEpoch, conv.Epoch)
		if err := e.db.MarkEventProcessed(ev.ID, conv.GroupID, store.EventFailed, reason); err != nil {
			return nil, err
		}
		return &engine.ProcessResult{
			Kind: engine.ResultCommitStale, GroupID: conv.GroupID, RoutingID: conv.RoutingID, Reason: reason,
		}, nil
	}
}

func (e *Engine) applyCommit(conv *store.Conversation, ev relay.Event, fr *frame) {
	if fr.Name != "" {
		conv.Name = fr.Name
	}
	conv.Epoch = fr.BaseEpoch + 1
	conv.LastCommitID = ev.ID
	conv.LastCommitTS = ev.CreatedAt
}
