package bots

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/memohai/chatgate/internal/db/dbtest"
)

func botRow(id, integrationID string) *dbtest.Row {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return dbtest.ValuesRow(id, "team-1", "Support", "", "You answer questions about the shop.", integrationID, now, now)
}

func TestBoundBot(t *testing.T) {
	t.Parallel()

	fake := &dbtest.DBTX{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if args[0] == "int-1" {
				return botRow("bot-1", "int-1")
			}
			return dbtest.ErrRow(pgx.ErrNoRows)
		},
	}
	svc := NewService(nil, fake)

	bot, err := svc.BoundBot(context.Background(), "int-1")
	if err != nil {
		t.Fatalf("BoundBot: %v", err)
	}
	if bot.ID != "bot-1" || bot.IntegrationID != "int-1" || bot.Prompt == "" {
		t.Fatalf("unexpected bot: %+v", bot)
	}

	if _, err := svc.BoundBot(context.Background(), "int-2"); !errors.Is(err, ErrNoBotBound) {
		t.Fatalf("expected ErrNoBotBound, got %v", err)
	}
	if _, err := svc.BoundBot(context.Background(), " "); !errors.Is(err, ErrNoBotBound) {
		t.Fatalf("expected ErrNoBotBound for blank id, got %v", err)
	}
}

func TestBindEnforcesSingleBinding(t *testing.T) {
	t.Parallel()

	fake := &dbtest.DBTX{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return dbtest.ErrRow(&pgconn.PgError{Code: "23505", ConstraintName: "bots_integration_binding"})
		},
	}
	_, err := NewService(nil, fake).Bind(context.Background(), "int-1", "bot-2")
	if !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	fake := &dbtest.DBTX{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return botRow(args[0].(string), args[1].(string))
		},
	}
	bot, err := NewService(nil, fake).Bind(context.Background(), "int-1", "bot-1")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bot.IntegrationID != "int-1" {
		t.Fatalf("unexpected binding: %+v", bot)
	}
	if sql := fake.Calls()[0].SQL; !strings.Contains(sql, "i.team_id = b.team_id") {
		t.Fatalf("bind must stay within the team: %s", sql)
	}
}

func TestBindMissing(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, &dbtest.DBTX{})
	if _, err := svc.Bind(context.Background(), "int-1", "bot-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Bind(context.Background(), "", "bot-x"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestUnbind(t *testing.T) {
	t.Parallel()

	fake := &dbtest.DBTX{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	if err := NewService(nil, fake).Unbind(context.Background(), "int-1"); !errors.Is(err, ErrNoBotBound) {
		t.Fatalf("expected ErrNoBotBound, got %v", err)
	}
	if err := NewService(nil, &dbtest.DBTX{}).Unbind(context.Background(), "int-1"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
}
