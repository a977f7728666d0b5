package engine

import "testing"

func TestWinsEarliestTimestamp(t *testing.T) {
	a := CommitRef{EventID: "ff", Timestamp: 100}
	b := CommitRef{EventID: "00", Timestamp: 200}
	if !Wins(a, b) {
		t.Error("earlier timestamp must win regardless of event id")
	}
	if Wins(b, a) {
		t.Error("later timestamp must lose")
	}
}

func TestWinsTiebreakByEventID(t *testing.T) {
	a := CommitRef{EventID: "0a", Timestamp: 100}
	b := CommitRef{EventID: "0b", Timestamp: 100}
	if !Wins(a, b) {
		t.Error("lexicographically smaller event id must win the tie")
	}
	if Wins(b, a) {
		t.Error("larger event id must lose the tie")
	}
}

func TestBetterIsOrderIndependent(t *testing.T) {
	pairs := []struct{ a, b CommitRef }{
		{CommitRef{"aa", 5}, CommitRef{"bb", 3}},
		{CommitRef{"aa", 5}, CommitRef{"bb", 5}},
		{CommitRef{"cc", 1}, CommitRef{"cc", 1}},
	}
	for _, p := range pairs {
		x := Better(p.a, p.b)
		y := Better(p.b, p.a)
		if x != y {
			t.Errorf("Better(%v,%v)=%v but Better(%v,%v)=%v", p.a, p.b, x, p.b, p.a, y)
		}
	}
}
