package memengine

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

type member struct {
	keys   *identity.Keys
	db     *store.DB
	engine *Engine
}

func newMember(t *testing.T) *member {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &member{keys: keys, db: db, engine: New(keys, db, zap.NewNop())}
}

// pair creates a two-member group: alice creates it, bob joins through a
// sealed welcome. Returns both members and the shared group ID.
func pair(t *testing.T) (alice, bob *member, groupID string) {
	t.Helper()
	alice = newMember(t)
	bob = newMember(t)

	kp, err := bob.engine.CreateKeyPackage([]string{"local://relay"})
	if err != nil {
		t.Fatal(err)
	}
	result, err := alice.engine.CreateGroup(engine.GroupConfig{Name: "trip planning"}, []relay.Event{kp})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Welcomes) != 1 {
		t.Fatalf("welcomes = %d, want 1", len(result.Welcomes))
	}

	wrapper, err := alice.engine.SealWelcome(result.Welcomes[0], time.Now().Add(30*24*time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	welcome, err := bob.engine.ProcessWelcome(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.engine.AcceptWelcome(welcome); err != nil {
		t.Fatal(err)
	}
	return alice, bob, result.Group.ID
}

func TestKeyPackageRoundTrip(t *testing.T) {
	m := newMember(t)

	ev, err := m.engine.CreateKeyPackage([]string{"local://a", "local://b"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != relay.KindKeyPackage {
		t.Errorf("kind = %d, want %d", ev.Kind, relay.KindKeyPackage)
	}

	kp, err := m.engine.ValidateKeyPackage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if kp.Owner != m.keys.PublicHex() {
		t.Errorf("owner = %s, want %s", kp.Owner, m.keys.PublicHex())
	}
	if len(kp.InitKey) != 32 {
		t.Errorf("init key length = %d, want 32", len(kp.InitKey))
	}
	if len(kp.Relays) != 2 {
		t.Errorf("relays = %v, want 2 entries", kp.Relays)
	}
}

func TestValidateKeyPackageRejectsGarbage(t *testing.T) {
	m := newMember(t)

	ev := relay.NewEvent(m.keys.PublicHex(), relay.KindKeyPackage, nil, "not json", time.Now().Unix())
	if _, err := m.engine.ValidateKeyPackage(ev); err == nil {
		t.Error("malformed content should not validate")
	}

	ev = relay.NewEvent(m.keys.PublicHex(), relay.KindGroupMessage, nil, "{}", time.Now().Unix())
	if _, err := m.engine.ValidateKeyPackage(ev); err == nil {
		t.Error("wrong kind should not validate")
	}
}

func TestWelcomeFlow(t *testing.T) {
	alice, bob, groupID := pair(t)

	ag, err := alice.engine.Group(groupID)
	if err != nil {
		t.Fatal(err)
	}
	bg, err := bob.engine.Group(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if bg == nil {
		t.Fatal("bob did not join the group")
	}
	if ag.RoutingID != bg.RoutingID {
		t.Errorf("routing ids differ: %s vs %s", ag.RoutingID, bg.RoutingID)
	}
	if bg.Name != "trip planning" {
		t.Errorf("name = %q", bg.Name)
	}
	if len(bg.Members) != 2 {
		t.Errorf("members = %v, want 2 entries", bg.Members)
	}
}

func TestProcessWelcomeTwiceFails(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)

	kp, err := bob.engine.CreateKeyPackage(nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := alice.engine.CreateGroup(engine.GroupConfig{Name: "g"}, []relay.Event{kp})
	if err != nil {
		t.Fatal(err)
	}
	wrapper, err := alice.engine.SealWelcome(result.Welcomes[0], time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bob.engine.ProcessWelcome(wrapper); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.engine.ProcessWelcome(wrapper); !errors.Is(err, engine.ErrWelcomeAlreadyProcessed) {
		t.Errorf("err = %v, want ErrWelcomeAlreadyProcessed", err)
	}
}

func TestWelcomeNotForUsDoesNotUnseal(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	eve := newMember(t)

	kp, err := bob.engine.CreateKeyPackage(nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := alice.engine.CreateGroup(engine.GroupConfig{Name: "g"}, []relay.Event{kp})
	if err != nil {
		t.Fatal(err)
	}
	wrapper, err := alice.engine.SealWelcome(result.Welcomes[0], time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eve.engine.ProcessWelcome(wrapper); err == nil {
		t.Error("welcome sealed for bob should not open for eve")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	alice, bob, groupID := pair(t)

	rumor := engine.Rumor{
		ID:        "m-1",
		Sender:    alice.keys.PublicHex(),
		Content:   "hello bob",
		Timestamp: time.Now().Unix(),
	}
	wrapper, err := alice.engine.CreateMessage(groupID, rumor)
	if err != nil {
		t.Fatal(err)
	}

	// Sender sees the message immediately, before any delivery.
	msgs, err := alice.engine.Messages(groupID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Fatalf("alice messages = %+v, want m-1", msgs)
	}

	res, err := bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultApplication {
		t.Fatalf("kind = %s, want application", res.Kind)
	}
	if res.Message == nil || res.Message.Content != "hello bob" {
		t.Fatalf("message = %+v", res.Message)
	}

	// Redelivery is a no-op.
	res, err = bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultDuplicate {
		t.Errorf("redelivery kind = %s, want duplicate", res.Kind)
	}
	msgs, err = bob.engine.Messages(groupID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("bob messages = %d, want 1", len(msgs))
	}
}

func TestOwnEchoIsDuplicate(t *testing.T) {
	alice, _, groupID := pair(t)

	wrapper, err := alice.engine.CreateMessage(groupID, engine.Rumor{
		ID: "m-1", Sender: alice.keys.PublicHex(), Content: "x", Timestamp: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := alice.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultDuplicate {
		t.Errorf("own echo kind = %s, want duplicate", res.Kind)
	}
	msgs, err := alice.engine.Messages(groupID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (no double insert)", len(msgs))
	}
}

func TestMessageBeforeWelcomeIsRetryable(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)

	kp, err := bob.engine.CreateKeyPackage(nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := alice.engine.CreateGroup(engine.GroupConfig{Name: "g"}, []relay.Event{kp})
	if err != nil {
		t.Fatal(err)
	}
	groupID := result.Group.ID

	wrapper, err := alice.engine.CreateMessage(groupID, engine.Rumor{
		ID: "m-1", Sender: alice.keys.PublicHex(), Content: "early", Timestamp: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Message arrives before the welcome.
	res, err := bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultRetryable {
		t.Fatalf("kind = %s, want retryable", res.Kind)
	}

	welcomeEv, err := alice.engine.SealWelcome(result.Welcomes[0], time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	w, err := bob.engine.ProcessWelcome(welcomeEv)
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.engine.AcceptWelcome(w); err != nil {
		t.Fatal(err)
	}

	// Retryable events reprocess to completion after the join.
	res, err = bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultApplication {
		t.Errorf("kind after join = %s, want application", res.Kind)
	}
}

func TestTamperedCiphertextIsUnprocessable(t *testing.T) {
	alice, bob, groupID := pair(t)

	wrapper, err := alice.engine.CreateMessage(groupID, engine.Rumor{
		ID: "m-1", Sender: alice.keys.PublicHex(), Content: "x", Timestamp: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	wrapper.Content = `{"n":"AAAA","c":"AAAA"}`
	wrapper.ID = wrapper.ComputeID()

	res, err := bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultUnprocessable {
		t.Fatalf("kind = %s, want unprocessable", res.Kind)
	}

	// The failure is terminal: redelivery reports it without re-decrypting.
	res, err = bob.engine.ProcessMessage(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultUnprocessable {
		t.Errorf("redelivery kind = %s, want unprocessable", res.Kind)
	}
	if res.Reason == "" {
		t.Error("redelivery should carry the recorded reason")
	}
}

func TestCommitAppliesAndAdvancesEpoch(t *testing.T) {
	alice, bob, groupID := pair(t)

	commit, err := alice.engine.CreateCommit(groupID, "renamed", time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range []*member{alice, bob} {
		res, err := m.engine.ProcessMessage(commit)
		if err != nil {
			t.Fatal(err)
		}
		if res.Kind != engine.ResultCommitApplied {
			t.Fatalf("kind = %s, want commit_applied", res.Kind)
		}
		g, err := m.engine.Group(groupID)
		if err != nil {
			t.Fatal(err)
		}
		if g.Epoch != 1 {
			t.Errorf("epoch = %d, want 1", g.Epoch)
		}
		if g.Name != "renamed" {
			t.Errorf("name = %q, want renamed", g.Name)
		}
	}
}

// Both members issue a commit on epoch 0 without seeing each other's. The
// earliest-timestamp commit must win on every member regardless of the order
// the two commits arrive in.
func TestCommitRaceConvergesAcrossArrivalOrders(t *testing.T) {
	alice, bob, groupID := pair(t)

	commitA, err := alice.engine.CreateCommit(groupID, "alice wins", 100)
	if err != nil {
		t.Fatal(err)
	}
	commitB, err := bob.engine.CreateCommit(groupID, "bob wins", 90)
	if err != nil {
		t.Fatal(err)
	}

	// Alice sees her own commit first, then the earlier competing one.
	res, err := alice.engine.ProcessMessage(commitA)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitApplied {
		t.Fatalf("alice commitA kind = %s", res.Kind)
	}
	res, err = alice.engine.ProcessMessage(commitB)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitRolledBack {
		t.Fatalf("alice commitB kind = %s, want commit_rolled_back", res.Kind)
	}
	if res.Rollback == nil || res.Rollback.TargetEpoch != 0 || res.Rollback.NewHeadID != commitB.ID {
		t.Fatalf("rollback = %+v", res.Rollback)
	}

	// Bob sees them in the opposite order; the loser arrives second.
	res, err = bob.engine.ProcessMessage(commitB)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitApplied {
		t.Fatalf("bob commitB kind = %s", res.Kind)
	}
	res, err = bob.engine.ProcessMessage(commitA)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitStale {
		t.Fatalf("bob commitA kind = %s, want commit_stale", res.Kind)
	}

	for _, m := range []*member{alice, bob} {
		g, err := m.engine.Group(groupID)
		if err != nil {
			t.Fatal(err)
		}
		if g.Epoch != 1 {
			t.Errorf("epoch = %d, want 1", g.Epoch)
		}
		if g.Name != "bob wins" {
			t.Errorf("name = %q, want %q", g.Name, "bob wins")
		}
	}
}

func TestCommitRaceTieBrokenByEventID(t *testing.T) {
	alice, bob, groupID := pair(t)

	commitA, err := alice.engine.CreateCommit(groupID, "from alice", 100)
	if err != nil {
		t.Fatal(err)
	}
	commitB, err := bob.engine.CreateCommit(groupID, "from bob", 100)
	if err != nil {
		t.Fatal(err)
	}
	winner, loser := commitA, commitB
	if commitB.ID < commitA.ID {
		winner, loser = commitB, commitA
	}

	// Loser first, winner second: must roll back.
	if _, err := alice.engine.ProcessMessage(loser); err != nil {
		t.Fatal(err)
	}
	res, err := alice.engine.ProcessMessage(winner)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitRolledBack {
		t.Fatalf("winner-second kind = %s, want commit_rolled_back", res.Kind)
	}

	// Winner first, loser second: loser is stale.
	if _, err := bob.engine.ProcessMessage(winner); err != nil {
		t.Fatal(err)
	}
	res, err = bob.engine.ProcessMessage(loser)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitStale {
		t.Fatalf("loser-second kind = %s, want commit_stale", res.Kind)
	}

	ag, _ := alice.engine.Group(groupID)
	bg, _ := bob.engine.Group(groupID)
	if ag.Name != bg.Name {
		t.Errorf("members diverged: %q vs %q", ag.Name, bg.Name)
	}
	if ag.Epoch != 1 || bg.Epoch != 1 {
		t.Errorf("epochs = %d, %d, want 1, 1", ag.Epoch, bg.Epoch)
	}
}

func TestFutureEpochCommitIsRetryable(t *testing.T) {
	alice, bob, groupID := pair(t)

	commit0, err := alice.engine.CreateCommit(groupID, "first", 10)
	if err != nil {
		t.Fatal(err)
	}
	// Alice advances; bob has not seen commit0 yet.
	if _, err := alice.engine.ProcessMessage(commit0); err != nil {
		t.Fatal(err)
	}
	commit1, err := alice.engine.CreateCommit(groupID, "second", 20)
	if err != nil {
		t.Fatal(err)
	}

	res, err := bob.engine.ProcessMessage(commit1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultRetryable {
		t.Fatalf("future commit kind = %s, want retryable", res.Kind)
	}

	// Once the predecessor lands the deferred commit applies.
	if _, err := bob.engine.ProcessMessage(commit0); err != nil {
		t.Fatal(err)
	}
	res, err = bob.engine.ProcessMessage(commit1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != engine.ResultCommitApplied {
		t.Fatalf("deferred commit kind = %s, want commit_applied", res.Kind)
	}
	g, err := bob.engine.Group(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if g.Epoch != 2 || g.Name != "second" {
		t.Errorf("group = epoch %d name %q, want epoch 2 name second", g.Epoch, g.Name)
	}
}

func TestRoutingIDDerivationIsStable(t *testing.T) {
	a := DeriveRoutingID("deadbeef")
	b := DeriveRoutingID("deadbeef")
	if a != b {
		t.Error("derivation must be deterministic")
	}
	if a == DeriveRoutingID("deadbeee") {
		t.Error("distinct groups must get distinct routing ids")
	}
	if len(a) != 64 {
		t.Errorf("routing id length = %d, want 64", len(a))
	}
}
