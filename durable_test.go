package chatcache

import (
	"testing"
	"time"
)

func TestSessionUpdateApply(t *testing.T) {
	sess := &Session{ID: "s1", Title: "before", Summary: "keep me", TotalCost: 1}

	if changed := (SessionUpdate{}).apply(sess); changed {
		t.Error("empty update reported a change")
	}

	title := "after"
	archived := true
	cost := 2.5
	last := time.Now().UTC()
	u := SessionUpdate{Title: &title, Archived: &archived, TotalCost: &cost, LastMessageAt: &last}
	if changed := u.apply(sess); !changed {
		t.Error("update reported no change")
	}
	if sess.Title != "after" || !sess.Archived || sess.TotalCost != 2.5 {
		t.Errorf("after apply: %+v", sess)
	}
	if sess.Summary != "keep me" {
		t.Errorf("nil field overwritten: %q", sess.Summary)
	}
	if !sess.LastMessageAt.Equal(last) {
		t.Errorf("LastMessageAt = %v", sess.LastMessageAt)
	}
}

func TestFullUpdateCarriesEverything(t *testing.T) {
	src := &Session{
		ID: "s1", UserID: "u1", Title: "t", Summary: "sum",
		Context:      SessionContext{Type: "product", Value: "p1", Products: []string{"p1"}},
		MessageCount: 4, UserTurnCount: 2, TotalCost: 0.75,
		InputTokens: 10, OutputTokens: 5,
		WebSearchEnabled: true, Archived: true,
		LastMessageAt: time.Now().UTC(),
	}

	var dst Session
	if changed := fullUpdate(src).apply(&dst); !changed {
		t.Fatal("full update reported no change")
	}
	if dst.UserID != src.UserID || dst.Title != src.Title || dst.Summary != src.Summary {
		t.Errorf("dst = %+v", dst)
	}
	if dst.MessageCount != 4 || dst.UserTurnCount != 2 || dst.TotalCost != 0.75 {
		t.Errorf("counters not carried: %+v", dst)
	}
	if dst.Context.Value != "p1" || !dst.WebSearchEnabled || !dst.Archived {
		t.Errorf("flags/context not carried: %+v", dst)
	}
	if !dst.LastMessageAt.Equal(src.LastMessageAt) {
		t.Errorf("LastMessageAt = %v", dst.LastMessageAt)
	}
}
