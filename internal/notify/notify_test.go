package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (s *stubSender) Send(_ context.Context, title, message string) error {
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func TestNotifier_FiltersByEventType(t *testing.T) {
	s := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{s}, []string{" group_confirmed "}, discardLogger())

	require.NoError(t, n.Publish(context.Background(), domain.Event{Type: domain.EventGroupExpired}))
	require.Empty(t, s.titles)

	require.NoError(t, n.Publish(context.Background(), domain.Event{Type: domain.EventGroupConfirmed}))
	require.Equal(t, []string{"Group buy confirmed"}, s.titles)
}

func TestNotifier_ContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &stubSender{name: "bad", err: boom}
	good := &stubSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Publish(context.Background(), domain.Event{Type: domain.EventGroupCancelled, Reason: "emptied"})
	require.ErrorIs(t, err, boom)
	require.Len(t, good.bodies, 1)
	require.Contains(t, good.bodies[0], "Reason: emptied")
}

func TestFormat_Confirmation(t *testing.T) {
	title, msg := Format(domain.Event{
		Type:            domain.EventGroupConfirmed,
		ProductID:       "p1",
		GroupID:         "g1",
		Quantity:        5,
		BuyerIDs:        []string{"a", "b"},
		Discount:        decimal.NewFromInt(20),
		UnitPrice:       decimal.RequireFromString("199.99"),
		DiscountedPrice: decimal.RequireFromString("159.992"),
	})
	require.Equal(t, "Group buy confirmed", title)
	require.Contains(t, msg, "5 item(s) from 2 buyer(s)")
	require.Contains(t, msg, "Discount 20.00%")
	require.Contains(t, msg, "now 159.99")
}

func TestFormat_JoinReportsGroupSize(t *testing.T) {
	title, msg := Format(domain.Event{
		Type:             domain.EventParticipantJoined,
		GroupID:          "g1",
		BuyerID:          "b1",
		Quantity:         2,
		PaidQuantity:     3,
		ReservedQuantity: 5,
		TargetCount:      5,
	})
	require.Equal(t, "Group buy joined", title)
	require.Contains(t, msg, "Buyer b1 joined 2 item(s) in group g1")
	require.Contains(t, msg, "Current group size 3/5 (5 reserved)")

	title, msg = Format(domain.Event{
		Type:             domain.EventDepositPaid,
		GroupID:          "g1",
		BuyerID:          "b1",
		Quantity:         2,
		PaidQuantity:     4,
		ReservedQuantity: 4,
		TargetCount:      5,
	})
	require.Equal(t, "Deposit paid", title)
	require.Contains(t, msg, "paid for 2 item(s)")
	require.Contains(t, msg, "4/5 (4 reserved)")
}

func TestFormat_ReassignmentMentionsDiscountChange(t *testing.T) {
	_, msg := Format(domain.Event{
		Type: domain.EventParticipantReassigned, BuyerID: "b4", Quantity: 1,
		FromGroupID: "g-b", ToGroupID: "g-a", DiscountChanged: true,
	})
	require.Contains(t, msg, "moved from group g-b to g-a")
	require.Contains(t, msg, "discount has changed")
}

func TestTelegramSender_PostsToConfiguredBase(t *testing.T) {
	var gotPath string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "tok", "42").WithHTTPClient(srv.Client())
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	require.Equal(t, "/bottok/sendMessage", gotPath)
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "Title\nbody", got["text"])
}

func TestTelegramSender_DefaultBase(t *testing.T) {
	require.Equal(t, DefaultTelegramAPI, NewTelegramSender("", "t", "c").baseURL)
}

func TestDiscordSender_ReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).WithHTTPClient(srv.Client()).Send(context.Background(), "t", "m")
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "discord: unexpected status 401"))
}

func TestDiscordSender_BoldTitle(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).WithHTTPClient(srv.Client()).Send(context.Background(), "T", "m"))
	require.Equal(t, "**T**\nm", got["content"])
}
