package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "masquerade.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, users *UserStore, email, name string, role types.Role) *types.User {
	t.Helper()
	u := &types.User{Email: email, DisplayName: name, Role: role}
	require.NoError(t, users.CreateUser(context.Background(), u))
	return u
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	users := NewUserStore(newTestDatabase(t))

	alice := createUser(t, users, "alice@example.com", "Alice", types.RoleAdmin)
	bob := createUser(t, users, "bob@example.com", "", types.RoleUser)
	assert.NotZero(t, alice.ID)
	assert.NotEqual(t, alice.ID, bob.ID)

	loaded, err := users.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", loaded.Email)
	assert.Equal(t, types.RoleAdmin, loaded.Role)
	assert.True(t, loaded.IsActive())

	_, err = users.GetUserByID(ctx, 999)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Equal(t, "Alice", users.ResolveDisplayName(ctx, alice.ID))
	assert.Equal(t, "bob@example.com", users.ResolveDisplayName(ctx, bob.ID))
	assert.Equal(t, types.UnknownUserLabel, users.ResolveDisplayName(ctx, 999))

	require.NoError(t, users.DeleteUser(ctx, bob.ID))
	assert.Equal(t, types.UnknownUserLabel, users.ResolveDisplayName(ctx, bob.ID))
	assert.ErrorIs(t, users.DeleteUser(ctx, bob.ID), types.ErrNotFound)

	all, err := users.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, alice.ID, all[0].ID)

	err = users.CreateUser(ctx, &types.User{Email: "eve@example.com", Role: "overlord"})
	assert.Error(t, err)
}

func TestAuditStoreAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := NewAuditStore(newTestDatabase(t))
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	start := &audit.Entry{
		AdminID: 1, TargetUserID: 42, EventType: audit.EventStart, EventTime: base,
		Reason: "debug", IPAddress: "10.0.0.1", UserAgent: "curl",
		Details: types.JSONMap{"login_session_id": "abc"},
	}
	require.NoError(t, store.Append(ctx, start))
	require.NotZero(t, start.ID)

	other := &audit.Entry{AdminID: 2, TargetUserID: 7, EventType: audit.EventStart, EventTime: base.Add(30 * time.Second), Reason: "other"}
	require.NoError(t, store.Append(ctx, other))

	duration := int64(90)
	end := &audit.Entry{
		AdminID: 1, TargetUserID: 42, EventType: audit.EventEnd, EventTime: base.Add(90 * time.Second),
		DurationSeconds: &duration, StartID: &start.ID, EndCause: audit.CauseExplicit,
	}
	require.NoError(t, store.Append(ctx, end))

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	entries, err := store.ListDescending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{end.ID, other.ID, start.ID}, []int64{entries[0].ID, entries[1].ID, entries[2].ID})

	gotEnd := entries[0]
	assert.Equal(t, audit.EventEnd, gotEnd.EventType)
	require.NotNil(t, gotEnd.DurationSeconds)
	assert.Equal(t, int64(90), *gotEnd.DurationSeconds)
	require.NotNil(t, gotEnd.StartID)
	assert.Equal(t, start.ID, *gotEnd.StartID)
	assert.Equal(t, audit.CauseExplicit, gotEnd.EndCause)
	assert.True(t, gotEnd.EventTime.Equal(base.Add(90*time.Second)))

	gotStart := entries[2]
	assert.Nil(t, gotStart.DurationSeconds)
	assert.Nil(t, gotStart.StartID)
	assert.Equal(t, "debug", gotStart.Reason)
	assert.Equal(t, "abc", gotStart.Details["login_session_id"])

	page, err := store.ListDescending(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, other.ID, page[0].ID)

	open, err := store.OpenStarts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, other.ID, open[0].ID)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	store := NewAuditStore(db)

	entry := &audit.Entry{AdminID: 1, TargetUserID: 42, EventType: audit.EventStart, EventTime: time.Now(), Reason: "debug"}
	require.NoError(t, store.Append(ctx, entry))

	_, err := db.DB().ExecContext(ctx, `UPDATE impersonation_audit_log SET reason = 'edited' WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")

	_, err = db.DB().ExecContext(ctx, `DELETE FROM impersonation_audit_log WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAuditLogRejectsSelfStart(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	store := NewAuditStore(db)

	err := store.Append(ctx, &audit.Entry{AdminID: 5, TargetUserID: 5, EventType: audit.EventStart, EventTime: time.Now()})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)

	// The table enforces the same rule for writers that bypass the store.
	_, err = db.DB().ExecContext(ctx, `
INSERT INTO impersonation_audit_log (admin_id, target_user_id, event_type, event_time)
VALUES (5, 5, 'start', CURRENT_TIMESTAMP)`)
	assert.Error(t, err)
}
