package credential

import (
	"errors"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestClassify(t *testing.T) {
	now := fixedNow()
	margin := DefaultRefreshMargin

	tests := []struct {
		name      string
		expiresAt time.Time
		want      State
	}{
		{name: "well before margin", expiresAt: now.Add(time.Hour), want: StateValid},
		{name: "one second outside margin", expiresAt: now.Add(margin + time.Second), want: StateValid},
		{name: "exactly at margin", expiresAt: now.Add(margin), want: StateRefreshDue},
		{name: "one second inside margin", expiresAt: now.Add(margin - time.Second), want: StateRefreshDue},
		{name: "exactly at expiry", expiresAt: now, want: StateExpired},
		{name: "past expiry", expiresAt: now.Add(-10 * time.Second), want: StateExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tc.expiresAt}
			if got := Classify(c, now, margin); got != tc.want {
				t.Fatalf("Classify = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyAbsentAndNegativeMargin(t *testing.T) {
	now := fixedNow()
	if got := Classify(nil, now, DefaultRefreshMargin); got != StateAbsent {
		t.Fatalf("Classify(nil) = %q, want absent", got)
	}
	c := &Credential{ExpiresAt: now.Add(time.Second)}
	if got := Classify(c, now, -time.Hour); got != StateValid {
		t.Fatalf("Classify with negative margin = %q, want valid", got)
	}
	if !StateExpired.NeedsRefresh() || !StateRefreshDue.NeedsRefresh() || StateValid.NeedsRefresh() {
		t.Fatal("unexpected NeedsRefresh result")
	}
}

func TestCreateBuildsCompleteRecord(t *testing.T) {
	now := fixedNow()
	c, err := Create(CreateInput{
		UserID:       "  u1 ",
		Provider:     "Google",
		AccessToken:  "t1",
		RefreshToken: "r1",
		Scope:        "mail  calendar mail",
		ExpiresAt:    now.Add(time.Hour),
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.UserID != "u1" || c.Provider != ProviderGoogle {
		t.Fatalf("unexpected identity: %+v", c)
	}
	if c.TokenType != DefaultTokenType {
		t.Fatalf("token type = %q, want %q", c.TokenType, DefaultTokenType)
	}
	if c.Scope != "mail calendar" {
		t.Fatalf("scope = %q", c.Scope)
	}
	if !c.CreatedAt.Equal(now) || !c.UpdatedAt.Equal(now) || c.LastRefreshedAt != nil {
		t.Fatalf("unexpected timestamps: %+v", c)
	}
	if !c.CanRefresh() {
		t.Fatal("expected credential with refresh token to be refreshable")
	}
}

func TestCreateRejectsIncompleteInput(t *testing.T) {
	base := CreateInput{UserID: "u1", Provider: ProviderGoogle, AccessToken: "t1", ExpiresAt: fixedNow()}

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		want   error
	}{
		{name: "user", mutate: func(in *CreateInput) { in.UserID = " " }, want: ErrEmptyUserID},
		{name: "provider", mutate: func(in *CreateInput) { in.Provider = "go ogle" }, want: ErrInvalidProvider},
		{name: "access token", mutate: func(in *CreateInput) { in.AccessToken = "" }, want: ErrEmptyAccessToken},
		{name: "expiry", mutate: func(in *CreateInput) { in.ExpiresAt = time.Time{} }, want: ErrMissingExpiry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := base
			tc.mutate(&input)
			if _, err := Create(input, nil); !errors.Is(err, tc.want) {
				t.Fatalf("Create error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestApplyRefreshPreservesRefreshTokenUnlessReissued(t *testing.T) {
	now := fixedNow()
	c := Credential{
		UserID:       "u1",
		Provider:     ProviderGoogle,
		AccessToken:  "t1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(-10 * time.Second),
	}

	updated, err := ApplyRefresh(c, Refreshed{AccessToken: "t2", ExpiresAt: now.Add(time.Hour)}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("apply refresh: %v", err)
	}
	if updated.AccessToken != "t2" || updated.RefreshToken != "r1" {
		t.Fatalf("unexpected tokens: access=%q refresh=%q", updated.AccessToken, updated.RefreshToken)
	}
	if updated.LastRefreshedAt == nil || !updated.LastRefreshedAt.Equal(now) {
		t.Fatalf("last refreshed at = %v, want %v", updated.LastRefreshedAt, now)
	}

	rotated, err := ApplyRefresh(c, Refreshed{AccessToken: "t3", RefreshToken: "r2", ExpiresAt: now.Add(time.Hour)}, nil)
	if err != nil {
		t.Fatalf("apply rotated refresh: %v", err)
	}
	if rotated.RefreshToken != "r2" {
		t.Fatalf("refresh token = %q, want r2", rotated.RefreshToken)
	}

	if _, err := ApplyRefresh(c, Refreshed{ExpiresAt: now}, nil); !errors.Is(err, ErrEmptyAccessToken) {
		t.Fatalf("expected empty access token error, got %v", err)
	}
}

func TestJoinScopes(t *testing.T) {
	got := JoinScopes([]string{"a b", " c ", "a", ""})
	if got != "a b c" {
		t.Fatalf("JoinScopes = %q", got)
	}
}
