package frame

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/hero/internal/broadcast"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/hub"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/store"
	"github.com/xiaot623/hero/tests/helpers"
)

type fixture struct {
	store    *Store
	registry *hub.Registry
	bc       *Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	require.NoError(t, db.CreateSession(ctx, &domain.Session{SessionID: "s1", OwnerUserID: 1}))
	_, err := db.AddParticipant(ctx, &domain.Participant{SessionID: "s1", ParticipantType: domain.ParticipantTypeUser, ParticipantID: 1, Role: domain.RoleOwner})
	require.NoError(t, err)

	registry := hub.NewRegistry()
	frames := NewStore(db)
	return &fixture{
		store:    frames,
		registry: registry,
		bc:       NewBroadcaster(frames, broadcast.NewRouter(registry, db), nil),
	}
}

func readFrames(t *testing.T, c *hub.Connection, n int) []protocol.NewFrameMessage {
	t.Helper()
	var out []protocol.NewFrameMessage
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case data := <-c.Outbound():
			var msg protocol.NewFrameMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("received %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestBroadcasterPersistsThenAnnounces(t *testing.T) {
	f := newFixture(t)
	conn := hub.NewConnection(1, nil)
	f.registry.Register(1, conn)

	created, err := f.bc.CreateUserMessage(context.Background(), "s1", 1, "hello")
	require.NoError(t, err)

	msgs := readFrames(t, conn, 1)
	assert.Equal(t, protocol.TypeNewFrame, msgs[0].Type)
	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Equal(t, created.ID, msgs[0].Frame.ID)

	stored, err := f.store.Query(context.Background(), "s1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, created.ID, stored[0].ID)
}

func TestBroadcasterSkipBroadcast(t *testing.T) {
	f := newFixture(t)
	conn := hub.NewConnection(1, nil)
	f.registry.Register(1, conn)

	_, err := f.bc.CreateAndBroadcast(context.Background(), CreateOptions{
		SessionID:     "s1",
		Type:          domain.FrameTypeMessage,
		AuthorType:    domain.AuthorTypeSystem,
		Payload:       domain.MessagePayload{Role: "system", Content: "quiet"},
		SkipBroadcast: true,
	})
	require.NoError(t, err)
	assert.Len(t, conn.Outbound(), 0)
}

type failingRouter struct{}

func (failingRouter) BroadcastToSession(context.Context, string, interface{}) error {
	return errors.New("directory unavailable")
}

func TestBroadcasterNeverAnnouncesUnpersistedFrames(t *testing.T) {
	registry := hub.NewRegistry()
	conn := hub.NewConnection(1, nil)
	registry.Register(1, conn)
	bc := NewBroadcaster(NewStore(failingRepo{}), broadcast.NewRouter(registry, staticDirectory{1}), nil)

	_, err := bc.CreateUserMessage(context.Background(), "s1", 1, "lost")
	require.Error(t, err)
	assert.Len(t, conn.Outbound(), 0)
}

func TestBroadcasterRouterFailureKeepsFrame(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	frames := NewStore(db)
	bc := NewBroadcaster(frames, failingRouter{}, nil)

	created, err := bc.CreateSystemMessage(context.Background(), "s1", "boot", false)
	require.NoError(t, err)

	var payload domain.MessagePayload
	require.NoError(t, json.Unmarshal(created.Payload, &payload))
	assert.True(t, payload.Hidden)

	stored, err := frames.Query(context.Background(), "s1", QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestBroadcasterSanitizesAgentMessages(t *testing.T) {
	f := newFixture(t)

	created, err := f.bc.CreateAgentMessage(context.Background(), "s1", 9, `<b>hi</b><script>alert(1)</script>`)
	require.NoError(t, err)

	var payload domain.MessagePayload
	require.NoError(t, json.Unmarshal(created.Payload, &payload))
	assert.Equal(t, "assistant", payload.Role)
	assert.Contains(t, payload.Content, "<b>hi</b>")
	assert.NotContains(t, payload.Content, "script")
	assert.Equal(t, domain.AuthorTypeAgent, created.AuthorType)
}

func TestBroadcasterConvenienceConstructors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.bc.CreateRequest(ctx, "s1", domain.AuthorTypeAgent, nil, []string{domain.SystemTarget("compact")}, map[string]string{"op": "compact"})
	require.NoError(t, err)
	res, err := f.bc.CreateResult(ctx, "s1", req.ID, domain.AuthorTypeSystem, nil, map[string]bool{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.ParentID)
	assert.Equal(t, []string{domain.FrameTarget(req.ID)}, res.TargetIDs)

	_, err = f.bc.CreateUpdate(ctx, "s1", domain.AuthorTypeSystem, nil, []string{req.ID}, map[string]string{"op": "done"})
	require.NoError(t, err)

	compiled, err := f.store.CompileSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"done"}`, string(compiled[req.ID]))

	_, err = f.bc.CreateCompact(ctx, "s1", domain.Compiled{req.ID: json.RawMessage(`"checkpoint"`)})
	require.NoError(t, err)
	compiled, err = f.store.CompileSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `"checkpoint"`, string(compiled[req.ID]))
}

func TestBroadcastOrderMatchesPersistedOrder(t *testing.T) {
	f := newFixture(t)
	conn := hub.NewConnection(1, nil)
	f.registry.Register(1, conn)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bc.CreateSystemMessage(context.Background(), "s1", "tick", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs := readFrames(t, conn, n)
	stored, err := f.store.Query(context.Background(), "s1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, stored, n)
	for i := range stored {
		assert.Equal(t, stored[i].ID, msgs[i].Frame.ID)
	}
}

type staticDirectory []int64

func (d staticDirectory) GetUserParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	out := make([]domain.Participant, 0, len(d))
	for _, id := range d {
		out = append(out, domain.Participant{SessionID: sessionID, ParticipantType: domain.ParticipantTypeUser, ParticipantID: id})
	}
	return out, nil
}

// gatedRepo blocks the first read after arm until release is closed.
type gatedRepo struct {
	*store.SQLiteStore
	once    sync.Once
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) GetFrames(ctx context.Context, sessionID string, filter store.FrameFilter) ([]domain.Frame, error) {
	select {
	case <-g.armed:
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	default:
	}
	return g.SQLiteStore.GetFrames(ctx, sessionID, filter)
}

func TestCompactSessionExcludesConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := &gatedRepo{
		SQLiteStore: db,
		armed:       make(chan struct{}),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	bc := NewBroadcaster(NewStore(repo), broadcast.NewRouter(hub.NewRegistry(), db), nil)

	msg, err := bc.CreateSystemMessage(ctx, "s1", "draft", true)
	require.NoError(t, err)

	close(repo.armed)
	compacted := make(chan error, 1)
	go func() {
		_, err := bc.CompactSession(ctx, "s1")
		compacted <- err
	}()
	<-repo.entered

	updated := make(chan error, 1)
	go func() {
		_, err := bc.CreateUpdate(ctx, "s1", domain.AuthorTypeSystem, nil, []string{msg.ID}, map[string]string{"content": "final"})
		updated <- err
	}()

	time.Sleep(50 * time.Millisecond)
	frames, err := db.GetFrames(ctx, "s1", store.FrameFilter{})
	require.NoError(t, err)
	assert.Len(t, frames, 1, "update must wait for the checkpoint")

	close(repo.release)
	require.NoError(t, <-compacted)
	require.NoError(t, <-updated)

	compiled, err := bc.Frames().CompileSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"final"}`, string(compiled[msg.ID]))
}
