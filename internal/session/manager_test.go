package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store enforcing the (integration, sender) key.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	turns    []Turn
	seq      int
	clock    time.Time
	inserts  int

	// findHook runs before every FindByKey, outside the lock.
	findHook func()
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]Session{},
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *memStore) FindByKey(_ context.Context, integrationID, senderID string) (Session, error) {
	if s.findHook != nil {
		s.findHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.IntegrationID == integrationID && sess.SenderID == senderID {
			return sess, nil
		}
	}
	return Session{}, ErrNotFound
}

func (s *memStore) Insert(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.IntegrationID == sess.IntegrationID && existing.SenderID == sess.SenderID {
			return Session{}, errDuplicate
		}
	}
	s.seq++
	s.inserts++
	sess.ID = fmt.Sprintf("sess-%d", s.seq)
	sess.Platform = "whatsapp"
	sess.CreatedAt = s.tick()
	sess.UpdatedAt = sess.CreatedAt
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *memStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(turn)
}

func (s *memStore) appendLocked(turn Turn) (Turn, error) {
	sess, ok := s.sessions[turn.SessionID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	s.seq++
	turn.ID = fmt.Sprintf("turn-%d", s.seq)
	turn.CreatedAt = s.tick()
	s.turns = append(s.turns, turn)
	sess.MessageCount++
	sess.LastMessageAt = turn.CreatedAt
	s.sessions[sess.ID] = sess
	return turn, nil
}

func (s *memStore) SetStatus(_ context.Context, id string, status Status, agentID string, note *Turn) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status == StatusArchived && status != StatusArchived {
		return Session{}, ErrInvalidTransition
	}
	sess.Status = status
	if agentID != "" {
		sess.AgentID = agentID
	}
	s.sessions[id] = sess
	if note != nil {
		if _, err := s.appendLocked(*note); err != nil {
			return Session{}, err
		}
	}
	return s.sessions[id], nil
}

func (s *memStore) RecentTurns(_ context.Context, sessionID string, limit int, includeSystem bool) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Turn, 0)
	for _, turn := range s.turns {
		if turn.SessionID != sessionID || (!includeSystem && turn.IsSystem()) {
			continue
		}
		matched = append(matched, turn)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *memStore) List(_ context.Context, filter Filter) ([]Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0)
	for _, sess := range s.sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, len(out), nil
}

func (s *memStore) Stats(_ context.Context, teamID string, dayStart, weekStart, weekEnd time.Time) (Stats, error) {
	return Stats{Total: len(s.sessions)}, nil
}

func TestFindOrCreateCreatesOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := NewManager(nil, store)
	ctx := context.Background()

	first, err := m.FindOrCreate(ctx, "int-1", "628123", Metadata{SenderName: "Budi"})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if first.Status != StatusActive || first.MessageCount != 0 || first.SenderType != "user" {
		t.Fatalf("unexpected new session: %+v", first)
	}
	if first.LastMessageAt.IsZero() {
		t.Fatal("last message time must be set on creation")
	}
	if first.Metadata["sender_name"] != "Budi" {
		t.Fatalf("unexpected metadata: %v", first.Metadata)
	}
	second, err := m.FindOrCreate(ctx, "int-1", "628123", Metadata{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if second.ID != first.ID || store.inserts != 1 {
		t.Fatalf("expected the same session, got %s and %s (%d inserts)", first.ID, second.ID, store.inserts)
	}

	if _, err := m.FindOrCreate(ctx, "int-1", " ", Metadata{}); err == nil {
		t.Fatal("expected error for empty sender")
	}
}

func TestFindOrCreateConcurrentManagers(t *testing.T) {
	t.Parallel()

	const workers = 16
	store := newMemStore()
	// Hold every lookup until all workers have missed, forcing the insert race
	// across managers that do not share a singleflight group.
	var arrived sync.WaitGroup
	arrived.Add(workers)
	gate := make(chan struct{})
	go func() {
		arrived.Wait()
		close(gate)
	}()
	store.findHook = func() {
		select {
		case <-gate:
		default:
			arrived.Done()
			<-gate
		}
	}

	ids := make(chan string, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := NewManager(nil, store).FindOrCreate(context.Background(), "int-1", "628123", Metadata{})
			if err != nil {
				errs <- err
				return
			}
			ids <- sess.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("FindOrCreate: %v", err)
	}
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 || store.inserts != 1 || len(store.sessions) != 1 {
		t.Fatalf("expected exactly one session, got ids=%v inserts=%d rows=%d", seen, store.inserts, len(store.sessions))
	}
}

func TestFindOrCreateCoalescesInProcess(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := NewManager(nil, store)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.FindOrCreate(context.Background(), "int-1", "tg-42", Metadata{SenderType: "group"}); err != nil {
				t.Errorf("FindOrCreate: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(store.sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(store.sessions))
	}
	for _, sess := range store.sessions {
		if sess.SenderType != "group" {
			t.Fatalf("unexpected sender type %q", sess.SenderType)
		}
	}
}

func TestAddTurnBumpsCounters(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := NewManager(nil, store)
	ctx := context.Background()
	sess, _ := m.FindOrCreate(ctx, "int-1", "u1", Metadata{})

	turn, err := m.AddTurn(ctx, sess, TurnInput{Message: "hi", Response: "hello", ExternalMessageID: "wamid.1"})
	if err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if turn.Sender != "u1" || turn.IntegrationID != "int-1" || turn.ExternalMessageID != "wamid.1" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	got, _ := m.Get(ctx, sess.ID)
	if got.MessageCount != 1 || !got.LastMessageAt.Equal(turn.CreatedAt) {
		t.Fatalf("counters not bumped: %+v", got)
	}

	if _, err := m.AddTurn(ctx, Session{ID: "missing"}, TurnInput{Message: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEscalateRecordsSystemTurn(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := NewManager(nil, store)
	ctx := context.Background()
	sess, _ := m.FindOrCreate(ctx, "int-1", "u1", Metadata{})
	_, _ = m.AddTurn(ctx, sess, TurnInput{Message: "I want a human", Response: "..."})

	updated, err := m.Escalate(ctx, sess.ID, "agent-7", "VIP")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if updated.Status != StatusEscalated || updated.AgentID != "agent-7" {
		t.Fatalf("unexpected session: %+v", updated)
	}
	last := store.turns[len(store.turns)-1]
	if last.Sender != SenderSystem || last.Message != "[System] Chat escalated to agent: agent-7 - Note: VIP" || last.Response != "" {
		t.Fatalf("unexpected system turn: %+v", last)
	}

	updated, err = m.Escalate(ctx, sess.ID, "agent-8", "")
	if err != nil {
		t.Fatalf("re-escalate: %v", err)
	}
	if updated.AgentID != "agent-8" {
		t.Fatalf("expected reassignment, got %q", updated.AgentID)
	}
	if store.turns[len(store.turns)-1].Message != "[System] Chat escalated to agent: agent-8" {
		t.Fatalf("unexpected note-less message: %q", store.turns[len(store.turns)-1].Message)
	}

	recent, err := m.RecentTurns(ctx, sess.ID, 5)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 1 || recent[0].Message != "I want a human" {
		t.Fatalf("system turns must be excluded from history: %+v", recent)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	all := []Status{StatusActive, StatusEscalated, StatusResolved, StatusArchived}
	for _, from := range all {
		for _, to := range all {
			want := from != StatusArchived || to == StatusArchived
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if CanTransition(StatusActive, Status("deleted")) {
		t.Fatal("unknown target status must be rejected")
	}
}

func TestArchivedIsTerminal(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, newMemStore())
	ctx := context.Background()
	sess, _ := m.FindOrCreate(ctx, "int-1", "u1", Metadata{})

	if _, err := m.Resolve(ctx, sess.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	reopened, err := m.Reopen(ctx, sess.ID)
	if err != nil || reopened.Status != StatusActive {
		t.Fatalf("Reopen: %+v %v", reopened, err)
	}
	archived, err := m.Archive(ctx, sess.ID)
	if err != nil || archived.Status != StatusArchived {
		t.Fatalf("Archive: %+v %v", archived, err)
	}
	if _, err := m.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("archiving twice must be a no-op, got %v", err)
	}
	for name, op := range map[string]func(context.Context, string) (Session, error){
		"reopen":  m.Reopen,
		"resolve": m.Resolve,
		"escalate": func(ctx context.Context, id string) (Session, error) {
			return m.Escalate(ctx, id, "agent-1", "")
		},
	} {
		if _, err := op(ctx, sess.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on archived session: expected ErrInvalidTransition, got %v", name, err)
		}
	}
	if _, err := m.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := NewManager(nil, store)
	ctx := context.Background()
	sess, _ := m.FindOrCreate(ctx, "int-1", "628123456789", Metadata{})
	for i := 0; i < 12; i++ {
		if _, err := m.AddTurn(ctx, sess, TurnInput{Message: fmt.Sprintf("q%d", i), Response: "a"}); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}
	summary, err := m.Summary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalMessages != 12 || len(summary.RecentTurns) != SummaryTurns {
		t.Fatalf("unexpected summary: total=%d turns=%d", summary.TotalMessages, len(summary.RecentTurns))
	}
	if summary.RecentTurns[0].Message != "q2" || summary.RecentTurns[SummaryTurns-1].Message != "q11" {
		t.Fatalf("turns must be the latest, oldest first: %+v", summary.RecentTurns)
	}
	if summary.FormattedSenderID != "+62 812-3456-789" || summary.Platform != "whatsapp" {
		t.Fatalf("unexpected formatting: %+v", summary)
	}
	if summary.Duration != "less than a minute" {
		t.Fatalf("unexpected duration %q", summary.Duration)
	}
}

func TestStatsWeekBoundaries(t *testing.T) {
	t.Parallel()

	var gotDay, gotStart, gotEnd time.Time
	store := &statsStore{memStore: newMemStore(), capture: func(day, start, end time.Time) {
		gotDay, gotStart, gotEnd = day, start, end
	}}
	m := NewManager(nil, store)
	// Sunday evening.
	m.now = func() time.Time { return time.Date(2024, 6, 9, 22, 15, 0, 0, time.UTC) }

	if _, err := m.Stats(context.Background(), "team-1"); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !gotDay.Equal(time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day start %v", gotDay)
	}
	if !gotStart.Equal(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)) || !gotEnd.Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected week %v - %v", gotStart, gotEnd)
	}
	if _, err := m.Stats(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty team")
	}
}

type statsStore struct {
	*memStore
	capture func(day, start, end time.Time)
}

func (s *statsStore) Stats(_ context.Context, _ string, day, start, end time.Time) (Stats, error) {
	s.capture(day, start, end)
	return Stats{}, nil
}

func TestFormatSenderID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		platform, id, name, want string
	}{
		{"whatsapp", "628123456789", "", "+62 812-3456-789"},
		{"whatsapp_business", "15551234567", "", "+15551234567"},
		{"telegram", "42", "budi", "@budi"},
		{"telegram", "42", "", "@42"},
		{"messenger", "psid-1", "x", "psid-1"},
	}
	for _, tc := range cases {
		if got := FormatSenderID(tc.platform, tc.id, tc.name); got != tc.want {
			t.Fatalf("FormatSenderID(%s, %s) = %q, want %q", tc.platform, tc.id, got, tc.want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		10 * time.Second: "less than a minute",
		time.Minute:      "1 minute",
		5 * time.Minute:  "5 minutes",
		3 * time.Hour:    "3 hours",
		49 * time.Hour:   "2 days",
	}
	for d, want := range cases {
		if got := humanDuration(d); got != want {
			t.Fatalf("humanDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
