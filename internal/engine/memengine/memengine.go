// Package memengine is the in-process group-encryption engine. It implements
// the engine boundary with per-group symmetric AEAD keys, an epoch counter
// advanced by commits, and store-backed message, dedup, and snapshot
// persistence. It exists so the system runs offline and tests stay
// deterministic; a full MLS engine slots in behind the same interface.
package memengine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// How many pre-commit snapshots to retain per group for race rollback.
const snapshotRetention = 5

// Engine is a store-backed in-process implementation of engine.Engine.
type Engine struct {
	keys   *identity.Keys
	db     *store.DB
	logger *zap.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine bound to one identity and its message store.
func New(keys *identity.Keys, db *store.DB, logger *zap.Logger) *Engine {
	return &Engine{keys: keys, db: db, logger: logger}
}

// keyPackageContent is the serialized body of a credential-package event.
type keyPackageContent struct {
	InitKey   string `json:"init_key"`
	CreatedAt int64  `json:"created_at"`
}

// CreateKeyPackage implements engine.Engine.
func (e *Engine) CreateKeyPackage(relays []string) (relay.Event, error) {
	initKey := make([]byte, 32)
	if _, err := rand.Read(initKey); err != nil {
		return relay.Event{}, fmt.Errorf("generate init key: %w", err)
	}
	now := time.Now().Unix()
	body, err := json.Marshal(keyPackageContent{
		InitKey:   hex.EncodeToString(initKey),
		CreatedAt: now,
	})
	if err != nil {
		return relay.Event{}, err
	}
	tags := make([][]string, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, []string{relay.TagRelay, r})
	}
	return relay.NewEvent(e.keys.PublicHex(), relay.KindKeyPackage, tags, string(body), now), nil
}

// ValidateKeyPackage implements engine.Engine.
func (e *Engine) ValidateKeyPackage(ev relay.Event) (*engine.KeyPackage, error) {
	if ev.Kind != relay.KindKeyPackage {
		return nil, fmt.Errorf("not a key package event (kind %d)", ev.Kind)
	}
	owner, err := identity.ParsePublic(ev.PubKey)
	if err != nil {
		return nil, fmt.Errorf("key package owner: %w", err)
	}
	var body keyPackageContent
	if err := json.Unmarshal([]byte(ev.Content), &body); err != nil {
		return nil, fmt.Errorf("malformed key package: %w", err)
	}
	initKey, err := hex.DecodeString(body.InitKey)
	if err != nil || len(initKey) != 32 {
		return nil, fmt.Errorf("key package init key is invalid")
	}
	var relays []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == relay.TagRelay {
			relays = append(relays, tag[1])
		}
	}
	return &engine.KeyPackage{
		EventID:   ev.ID,
		Owner:     owner,
		InitKey:   initKey,
		Relays:    relays,
		CreatedAt: body.CreatedAt,
	}, nil
}

// CreateGroup implements engine.Engine.
func (e *Engine) CreateGroup(cfg engine.GroupConfig, memberKeyPackages []relay.Event) (*engine.GroupResult, error) {
	creator := e.keys.PublicHex()

	members := []string{creator}
	kps := make([]*engine.KeyPackage, 0, len(memberKeyPackages))
	for _, ev := range memberKeyPackages {
		kp, err := e.ValidateKeyPackage(ev)
		if err != nil {
			return nil, err
		}
		kps = append(kps, kp)
		if !contains(members, kp.Owner) {
			members = append(members, kp.Owner)
		}
	}

	rawID := make([]byte, 32)
	if _, err := rand.Read(rawID); err != nil {
		return nil, fmt.Errorf("generate group id: %w", err)
	}
	groupID := hex.EncodeToString(rawID)
	routingID := DeriveRoutingID(groupID)

	groupKey := make([]byte, 32)
	if _, err := rand.Read(groupKey); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}

	admins := cfg.Admins
	if len(admins) == 0 {
		admins = []string{creator}
	}

	now := time.Now().Unix()
	conv := &store.Conversation{
		GroupID:   groupID,
		RoutingID: routingID,
		Name:      cfg.Name,
		Members:   members,
		Admins:    admins,
		GroupKey:  groupKey,
		Epoch:     0,
		CreatedAt: now,
	}
	if err := e.db.UpsertConversation(conv); err != nil {
		return nil, fmt.Errorf("persist group: %w", err)
	}

	result := &engine.GroupResult{
		Group: engine.Group{
			ID:        groupID,
			RoutingID: routingID,
			Name:      cfg.Name,
			Members:   members,
			Admins:    admins,
			Epoch:     0,
			CreatedAt: now,
		},
	}
	for _, kp := range kps {
		if kp.Owner == creator {
			continue
		}
		result.Welcomes = append(result.Welcomes, engine.Welcome{
			GroupID:           groupID,
			RoutingID:         routingID,
			GroupName:         cfg.Name,
			GroupKey:          groupKey,
			Members:           members,
			Admins:            admins,
			Epoch:             0,
			Recipient:         kp.Owner,
			KeyPackageEventID: kp.EventID,
		})
	}

	e.logger.Info("group created",
		zap.String("routing_id", routingID),
		zap.Int("members", len(members)))
	return result, nil
}

// Groups implements engine.Engine.
func (e *Engine) Groups() ([]engine.Group, error) {
	convs, err := e.db.ListConversations()
	if err != nil {
		return nil, err
	}
	out := make([]engine.Group, 0, len(convs))
	for i := range convs {
		out = append(out, toGroup(&convs[i]))
	}
	return out, nil
}

// Group implements engine.Engine.
func (e *Engine) Group(groupID string) (*engine.Group, error) {
	conv, err := e.db.GetConversation(groupID)
	if err != nil || conv == nil {
		return nil, err
	}
	g := toGroup(conv)
	return &g, nil
}

// Messages implements engine.Engine.
func (e *Engine) Messages(groupID string, offset, limit int) ([]engine.Message, error) {
	msgs, err := e.db.ListMessages(groupID, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, engine.Message{
			GroupID:   m.GroupID,
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out, nil
}

func toGroup(c *store.Conversation) engine.Group {
	return engine.Group{
		ID:        c.GroupID,
		RoutingID: c.RoutingID,
		Name:      c.Name,
		Members:   append([]string(nil), c.Members...),
		Admins:    append([]string(nil), c.Admins...),
		Epoch:     c.Epoch,
		CreatedAt: c.CreatedAt,
	}
}

// DeriveRoutingID computes the transport filter key for a group. It is a
// one-way derivation so the group identifier itself never appears on the
// wire.
func DeriveRoutingID(groupID string) string {
	sum := sha256.Sum256([]byte("pika group routing v1\x00" + groupID))
	return hex.EncodeToString(sum[:])
}

// sealedBox is the serialized form of AEAD-sealed content.
type sealedBox struct {
	Nonce string `json:"n"`
	CT    string `json:"c"`
}

func seal(key []byte, ad string, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(ad))
	out, err := json.Marshal(sealedBox{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func open(key []byte, ad string, content string) ([]byte, error) {
	var box sealedBox
	if err := json.Unmarshal([]byte(content), &box); err != nil {
		return nil, fmt.Errorf("malformed ciphertext envelope: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(box.Nonce)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(box.CT)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("malformed nonce: %d bytes", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(ad))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
