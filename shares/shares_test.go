package shares

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/types"
)

func newTestService(t *testing.T) (*Service, hubdb.Client) {
	t.Helper()
	db := hubdb.NewMemClient()
	ctx := context.Background()
	for _, u := range []struct {
		id     types.UserID
		name   types.Username
		groups []types.GroupName
	}{
		{"u-wash", "wash", nil},
		{"u-zoe", "zoe", []types.GroupName{"crew"}},
		{"u-jayne", "jayne", []types.GroupName{"crew"}},
	} {
		if err := db.CreateUser(ctx, &hubdb.User{ID: u.id, Name: u.name, Groups: u.groups}); err != nil {
			t.Fatalf("CreateUser(%s): %s", u.name, err)
		}
	}
	return NewService(db), db
}

func accessScope(owner, server string) string {
	return "access:servers!server=" + owner + "/" + server
}

func TestGrantAndList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	share, err := svc.Grant(ctx, GrantRequest{
		OwnerID:     "u-wash",
		ServerName:  "",
		GranteeUser: "u-zoe",
		Scopes:      []string{accessScope("u-wash", "")},
	})
	if err != nil {
		t.Fatalf("Grant: %s", err)
	}
	if share.GranteeUser != "u-zoe" {
		t.Errorf("grantee %s", share.GranteeUser)
	}

	listed, err := svc.List(ctx, "u-wash")
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(listed) != 1 || listed[0].ID != share.ID {
		t.Errorf("List returned %d shares", len(listed))
	}

	if err := svc.Revoke(ctx, share.ID); err != nil {
		t.Fatalf("Revoke: %s", err)
	}
	listed, _ = svc.List(ctx, "u-wash")
	if len(listed) != 0 {
		t.Errorf("share survived revocation")
	}
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  GrantRequest
	}{
		{"NoGrantee", GrantRequest{
			OwnerID: "u-wash", Scopes: []string{accessScope("u-wash", "")},
		}},
		{"BothGrantees", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-zoe", GranteeGroup: "crew",
			Scopes: []string{accessScope("u-wash", "")},
		}},
		{"UnknownGrantee", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-nobody",
			Scopes: []string{accessScope("u-wash", "")},
		}},
		{"NoScopes", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-zoe",
		}},
		// Unfiltered access would cover every server on the hub.
		{"UnfilteredScope", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-zoe",
			Scopes: []string{"access:servers"},
		}},
		// A scope pinned to someone else's server.
		{"ForeignServerScope", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-zoe",
			Scopes: []string{accessScope("u-zoe", "")},
		}},
		// Admin scopes can never be shared.
		{"AdminScope", GrantRequest{
			OwnerID: "u-wash", GranteeUser: "u-zoe",
			Scopes: []string{"admin:users"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Grant(ctx, tc.req); err == nil {
				t.Error("Grant accepted an invalid request")
			}
		})
	}
}

func TestCodeRedemption(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	code, err := svc.MintCode(ctx, "u-wash", "", []string{accessScope("u-wash", "")}, time.Hour)
	if err != nil {
		t.Fatalf("MintCode: %s", err)
	}
	if !strings.HasPrefix(code, "hmc-") {
		t.Errorf("code %q missing its prefix", code)
	}

	share, err := svc.Redeem(ctx, code, "u-zoe")
	if err != nil {
		t.Fatalf("Redeem: %s", err)
	}
	if share.OwnerID != "u-wash" || share.GranteeUser != "u-zoe" {
		t.Errorf("redeemed share wrong: %+v", share)
	}

	// Single use.
	if _, err := svc.Redeem(ctx, code, "u-jayne"); err != ErrInvalidCode {
		t.Errorf("second redemption: got %v, want ErrInvalidCode", err)
	}
}

func TestExpiredCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	code, err := svc.MintCode(ctx, "u-wash", "", []string{accessScope("u-wash", "")}, time.Nanosecond)
	if err != nil {
		t.Fatalf("MintCode: %s", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := svc.Redeem(ctx, code, "u-zoe"); err != ErrInvalidCode {
		t.Errorf("expired code: got %v, want ErrInvalidCode", err)
	}
}

func TestOwnerCannotRedeemOwnCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	code, err := svc.MintCode(ctx, "u-wash", "", []string{accessScope("u-wash", "")}, time.Hour)
	if err != nil {
		t.Fatalf("MintCode: %s", err)
	}
	if _, err := svc.Redeem(ctx, code, "u-wash"); err == nil {
		t.Error("owner redeemed their own code")
	}
	// The attempt consumed the code regardless.
	if _, err := svc.Redeem(ctx, code, "u-zoe"); err != ErrInvalidCode {
		t.Errorf("code survived a failed redemption: %v", err)
	}
}

func TestForUserMatchesGroups(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Grant(ctx, GrantRequest{
		OwnerID:      "u-wash",
		GranteeGroup: "crew",
		Scopes:       []string{accessScope("u-wash", "")},
	}); err != nil {
		t.Fatalf("Grant to group: %s", err)
	}
	if _, err := svc.Grant(ctx, GrantRequest{
		OwnerID:     "u-wash",
		GranteeUser: "u-zoe",
		Scopes:      []string{accessScope("u-wash", "")},
		ExpiresIn:   time.Nanosecond, // expires immediately
	}); err != nil {
		t.Fatalf("Grant to user: %s", err)
	}
	time.Sleep(time.Millisecond)

	// zoe gets the group share; the direct share has already expired.
	shares, err := svc.ForUser(ctx, "u-zoe", []types.GroupName{"crew"})
	if err != nil {
		t.Fatalf("ForUser: %s", err)
	}
	if len(shares) != 1 || shares[0].GranteeGroup != "crew" {
		t.Errorf("ForUser(zoe): got %d shares", len(shares))
	}

	// wash is the owner, not a grantee.
	shares, err = svc.ForUser(ctx, "u-wash", nil)
	if err != nil {
		t.Fatalf("ForUser: %s", err)
	}
	if len(shares) != 0 {
		t.Errorf("ForUser(wash): got %d shares, want 0", len(shares))
	}
}
