package memengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

// welcomePayload is the inner plaintext of a sealed welcome. It carries
// everything a joiner needs to start decrypting group traffic.
type welcomePayload struct {
	Kind              int      `json:"kind"` // always KindWelcome
	GroupID           string   `json:"group_id"`
	RoutingID         string   `json:"routing_id"`
	GroupName         string   `json:"name"`
	GroupKey          string   `json:"group_key"`
	Members           []string `json:"members"`
	Admins            []string `json:"admins"`
	Epoch             uint64   `json:"epoch"`
	KeyPackageEventID string   `json:"kp_event_id"`
}

// sealedWelcome is the outer content of a sealed-envelope event: the
// ephemeral sender key plus the AEAD box keyed by the ECDH shared secret.
type sealedWelcome struct {
	Ephemeral string `json:"eph"`
	Box       string `json:"box"`
}

// SealWelcome implements engine.Engine. The welcome is encrypted to the
// recipient under an ephemeral key so the envelope reveals no sender
// identity, and carries an expiration tag so relays can drop stale invites.
func (e *Engine) SealWelcome(w engine.Welcome, expiresAt int64) (relay.Event, error) {
	payload, err := json.Marshal(welcomePayload{
		Kind:              relay.KindWelcome,
		GroupID:           w.GroupID,
		RoutingID:         w.RoutingID,
		GroupName:         w.GroupName,
		GroupKey:          base64.StdEncoding.EncodeToString(w.GroupKey),
		Members:           w.Members,
		Admins:            w.Admins,
		Epoch:             w.Epoch,
		KeyPackageEventID: w.KeyPackageEventID,
	})
	if err != nil {
		return relay.Event{}, err
	}

	eph, err := identity.Generate()
	if err != nil {
		return relay.Event{}, fmt.Errorf("ephemeral key: %w", err)
	}
	shared, err := eph.SharedSecret(w.Recipient)
	if err != nil {
		return relay.Event{}, fmt.Errorf("seal welcome for %s: %w", w.Recipient, err)
	}
	box, err := seal(shared, w.Recipient, payload)
	if err != nil {
		return relay.Event{}, err
	}
	content, err := json.Marshal(sealedWelcome{Ephemeral: eph.PublicHex(), Box: box})
	if err != nil {
		return relay.Event{}, err
	}

	tags := [][]string{
		{relay.TagRecipient, w.Recipient},
		{relay.TagExpiration, strconv.FormatInt(expiresAt, 10)},
	}
	return relay.NewEvent(eph.PublicHex(), relay.KindSealedEnvelope, tags, string(content), time.Now().Unix()), nil
}

// ProcessWelcome implements engine.Engine. It unseals a sealed-envelope
// event addressed to this identity and records it as pending; the caller
// decides whether to join via AcceptWelcome.
func (e *Engine) ProcessWelcome(wrapper relay.Event) (*engine.Welcome, error) {
	if wrapper.Kind != relay.KindSealedEnvelope {
		return nil, fmt.Errorf("not a sealed envelope (kind %d)", wrapper.Kind)
	}
	if prior, err := e.db.GetPendingWelcome(wrapper.ID); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, engine.ErrWelcomeAlreadyProcessed
	}

	var outer sealedWelcome
	if err := json.Unmarshal([]byte(wrapper.Content), &outer); err != nil {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("malformed sealed envelope: %w", err))
	}
	shared, err := e.keys.SharedSecret(outer.Ephemeral)
	if err != nil {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("welcome ephemeral key: %w", err))
	}
	plain, err := open(shared, e.keys.PublicHex(), outer.Box)
	if err != nil {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("unseal welcome: %w", err))
	}
	var payload welcomePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("malformed welcome payload: %w", err))
	}
	if payload.Kind != relay.KindWelcome {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("unexpected welcome payload kind %d", payload.Kind))
	}
	groupKey, err := base64.StdEncoding.DecodeString(payload.GroupKey)
	if err != nil || len(groupKey) != 32 {
		return nil, e.failWelcome(wrapper.ID, fmt.Errorf("welcome carries an invalid group key"))
	}

	if err := e.db.SavePendingWelcome(&store.PendingWelcome{
		WrapperID: wrapper.ID,
		GroupID:   payload.GroupID,
		State:     store.WelcomePending,
	}); err != nil {
		return nil, err
	}

	return &engine.Welcome{
		WrapperID:         wrapper.ID,
		GroupID:           payload.GroupID,
		RoutingID:         payload.RoutingID,
		GroupName:         payload.GroupName,
		GroupKey:          groupKey,
		Members:           payload.Members,
		Admins:            payload.Admins,
		Epoch:             payload.Epoch,
		Recipient:         e.keys.PublicHex(),
		KeyPackageEventID: payload.KeyPackageEventID,
	}, nil
}

// failWelcome records a terminal welcome failure so redeliveries of the same
// envelope are silently skipped, then passes the error through.
func (e *Engine) failWelcome(wrapperID string, cause error) error {
	if err := e.db.SavePendingWelcome(&store.PendingWelcome{
		WrapperID: wrapperID,
		State:     store.WelcomeFailed,
	}); err != nil {
		e.logger.Warn("record failed welcome", zap.String("wrapper", wrapperID), zap.Error(err))
	}
	return cause
}

// AcceptWelcome implements engine.Engine. Joining is idempotent: accepting
// the same welcome twice leaves one conversation row.
func (e *Engine) AcceptWelcome(w *engine.Welcome) error {
	conv := &store.Conversation{
		GroupID:   w.GroupID,
		RoutingID: w.RoutingID,
		Name:      w.GroupName,
		Members:   w.Members,
		Admins:    w.Admins,
		GroupKey:  w.GroupKey,
		Epoch:     w.Epoch,
		CreatedAt: time.Now().Unix(),
	}
	if err := e.db.UpsertConversation(conv); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	if w.WrapperID != "" {
		if err := e.db.SavePendingWelcome(&store.PendingWelcome{
			WrapperID: w.WrapperID,
			GroupID:   w.GroupID,
			State:     store.WelcomeAccepted,
		}); err != nil {
			return err
		}
	}
	e.logger.Info("welcome accepted", zap.String("routing_id", w.RoutingID))
	return nil
}
