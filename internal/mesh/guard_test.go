package mesh

import (
	"testing"

	"github.com/synapsenet/synapsenet/internal/meshstate"
)

func TestCheckRateLimitAllowsWithinCap(t *testing.T) {
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 5}, meshstate.NewStore())
	defer g.Close()

	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit("peer-a", GuardKindGrain); err != nil {
			t.Fatalf("request %d should be allowed, got %v", i, err)
		}
	}
}

func TestCheckRateLimitLocallyBansOverCap(t *testing.T) {
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 2}, meshstate.NewStore())
	defer g.Close()

	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err != nil {
		t.Fatalf("second request should be allowed: %v", err)
	}
	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err == nil {
		t.Error("expected third request within the same minute to be rejected")
	}
	if !g.IsBanned("peer-a") {
		t.Error("expected peer to be locally rate-banned after exceeding the cap")
	}
}

func TestCheckRateLimitOverCapDecaysReputationGradually(t *testing.T) {
	peers := meshstate.NewStore()
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 1, BanTimeout: 0}, peers)
	defer g.Close()

	_ = g.CheckRateLimit("peer-a", GuardKindGrain)
	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err == nil {
		t.Fatal("expected second request within the window to exceed the cap")
	}

	rec, ok := peers.Get("peer-a")
	if !ok {
		t.Fatal("expected a peer record after a rate-limit violation")
	}
	if rec.Reputation != -meshstate.ReputationRateLimitPenalty {
		t.Errorf("expected a single -%v decay, got reputation %v", meshstate.ReputationRateLimitPenalty, rec.Reputation)
	}
	if rec.Reputation <= meshstate.ReputationBanThreshold {
		t.Error("a single rate-limit violation must not reach the reputation ban threshold")
	}
}

func TestCheckRateLimitTracksGrainsAndQueriesSeparately(t *testing.T) {
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 1, MaxQueriesPerMin: 1}, meshstate.NewStore())
	defer g.Close()

	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err != nil {
		t.Fatalf("first grain request should be allowed: %v", err)
	}
	if err := g.CheckRateLimit("peer-a", GuardKindQuery); err != nil {
		t.Fatalf("query request should not be gated by the grain window: %v", err)
	}
	if err := g.CheckRateLimit("peer-a", GuardKindGrain); err == nil {
		t.Error("expected second grain request within the window to exceed the grain cap")
	}
}

func TestRecordFailedAuthPenalizesReputation(t *testing.T) {
	peers := meshstate.NewStore()
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 100}, peers)
	defer g.Close()

	g.RecordFailedAuth("peer-a")
	rec, ok := peers.Get("peer-a")
	if !ok {
		t.Fatal("expected peer record to exist after a failed auth")
	}
	if rec.Reputation >= 0 {
		t.Errorf("expected negative reputation after a failed auth, got %f", rec.Reputation)
	}
}

func TestRecordSuccessRewardsReputation(t *testing.T) {
	peers := meshstate.NewStore()
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 100}, peers)
	defer g.Close()

	g.RecordSuccess("peer-a")
	rec, ok := peers.Get("peer-a")
	if !ok {
		t.Fatal("expected peer record to exist after a successful exchange")
	}
	if rec.Reputation <= 0 || rec.Successes != 1 {
		t.Errorf("expected rewarded reputation and one recorded success, got %+v", rec)
	}
}

func TestIsBannedReflectsSharedReputationBan(t *testing.T) {
	peers := meshstate.NewStore()
	peers.Penalize("peer-a", 100)
	g := NewGuard(GuardConfig{MaxGrainsPerMin: 100}, peers)
	defer g.Close()

	if !g.IsBanned("peer-a") {
		t.Error("expected guard to treat a reputation-banned peer as banned")
	}
}
