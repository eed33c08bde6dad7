package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juanfont/masquerade/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func startEntry(admin, target int64, at time.Time) *Entry {
	return &Entry{AdminID: admin, TargetUserID: target, EventType: EventStart, EventTime: at, Reason: "debug"}
}

func TestEntryValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid start", *startEntry(1, 42, now), false},
		{"self start", *startEntry(1, 1, now), true},
		{"start with duration", Entry{AdminID: 1, TargetUserID: 2, EventType: EventStart, EventTime: now, DurationSeconds: int64Ptr(3)}, true},
		{"valid end", Entry{AdminID: 1, TargetUserID: 2, EventType: EventEnd, EventTime: now, DurationSeconds: int64Ptr(0)}, false},
		{"end without duration", Entry{AdminID: 1, TargetUserID: 2, EventType: EventEnd, EventTime: now}, true},
		{"end with negative duration", Entry{AdminID: 1, TargetUserID: 2, EventType: EventEnd, EventTime: now, DurationSeconds: int64Ptr(-1)}, true},
		{"unknown type", Entry{AdminID: 1, TargetUserID: 2, EventType: "pause", EventTime: now}, true},
		{"zero time", Entry{AdminID: 1, TargetUserID: 2, EventType: EventStart}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStoreOrdersMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, startEntry(1, 10, base.Add(2*time.Minute))))
	require.NoError(t, store.Append(ctx, startEntry(2, 20, base)))
	require.NoError(t, store.Append(ctx, startEntry(3, 30, base.Add(time.Minute))))
	require.NoError(t, store.Append(ctx, startEntry(4, 40, base.Add(time.Minute))))

	entries, err := store.ListDescending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var admins []int64
	for _, e := range entries {
		admins = append(admins, e.AdminID)
	}
	// Equal timestamps fall back to the newest ID first.
	assert.Equal(t, []int64{1, 4, 3, 2}, admins)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestMemoryStorePagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, startEntry(1, int64(100+i), base.Add(time.Duration(i)*time.Second))))
	}

	page, err := store.ListDescending(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(102), page[0].TargetUserID)
	assert.Equal(t, int64(101), page[1].TargetUserID)

	past, err := store.ListDescending(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStoreRejectsInvalidEntries(t *testing.T) {
	store := NewMemoryStore()
	err := store.Append(context.Background(), startEntry(7, 7, time.Now()))
	require.ErrorIs(t, err, ErrInvalidEntry)

	total, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for admin := int64(1); admin <= 20; admin++ {
		wg.Add(1)
		go func(admin int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, store.Append(ctx, startEntry(admin, admin+1000, time.Now())))
				_, _ = store.ListDescending(ctx, 0, 5)
			}
		}(admin)
	}
	wg.Wait()

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, total)

	entries, err := store.ListDescending(ctx, 0, 200)
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for _, e := range entries {
		assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
		seen[e.ID] = true
	}
}

func TestNewViewResolvesNames(t *testing.T) {
	resolver := ResolverFunc(func(_ context.Context, id int64) string {
		if id == 1 {
			return "Alice Admin"
		}
		return types.UnknownUserLabel
	})
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	start := NewView(context.Background(), *startEntry(1, 42, at), resolver)
	assert.Equal(t, "Alice Admin", start.Admin)
	assert.Equal(t, types.UnknownUserLabel, start.Target)
	assert.Equal(t, "start", start.EventType)
	assert.Nil(t, start.DurationFormatted)

	end := NewView(context.Background(), Entry{
		ID: 2, AdminID: 1, TargetUserID: 42, EventType: EventEnd,
		EventTime: at, DurationSeconds: int64Ptr(332),
	}, resolver)
	require.NotNil(t, end.DurationFormatted)
	assert.Equal(t, "5m32s", *end.DurationFormatted)
}

func TestNewViewWithoutResolver(t *testing.T) {
	view := NewView(context.Background(), *startEntry(1, 2, time.Now()), nil)
	assert.Equal(t, types.UnknownUserLabel, view.Admin)
	assert.Equal(t, types.UnknownUserLabel, view.Target)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "0s", FormatDuration(-4))
	assert.Equal(t, "45s", FormatDuration(45))
	assert.Equal(t, "1h0m1s", FormatDuration(3601))
}
