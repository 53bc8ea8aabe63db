package audit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/shared"
)

type stubTimelineRepo struct {
	rows []TimelineRow
	last WindowParams
}

func (s *stubTimelineRepo) TimelineWindow(_ context.Context, params WindowParams) ([]TimelineRow, error) {
	s.last = params
	end := params.Offset + params.Limit
	if params.Offset >= len(s.rows) {
		return nil, nil
	}
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[params.Offset:end], nil
}

func rowsFor(n int) []TimelineRow {
	rows := make([]TimelineRow, n)
	for i := range rows {
		rows[i] = TimelineRow{ID: int64(n - i), Action: "status_change", Entity: "invoice", EntityID: fmt.Sprint(i)}
	}
	return rows
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: rowsFor(3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2, Entity: " invoice "})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.Equal(t, PagingInfo{Page: 1, PageSize: 2, HasNext: true, NextPage: 2}, result.Paging)
	require.Equal(t, 3, repo.last.Limit)
	require.Zero(t, repo.last.Offset)
	require.Equal(t, "invoice", repo.last.Filters.Entity)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, PagingInfo{Page: 2, PageSize: 2, PrevPage: 1}, result.Paging)
}

func TestServiceTimelineBounds(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	require.Equal(t, 51, repo.last.Limit)
	require.Equal(t, 1, result.Paging.Page)

	_, err = svc.Timeline(context.Background(), TimelineFilters{
		From: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = NewService(nil).Timeline(context.Background(), TimelineFilters{})
	require.Error(t, err)
}

func TestTimelineQuery(t *testing.T) {
	query, args := timelineQuery(WindowParams{Limit: 21})
	require.Equal(t, "SELECT id, occurred_at, actor_id, ip, request_id, action, entity, entity_id, meta FROM audit_logs ORDER BY occurred_at DESC, id DESC LIMIT $1 OFFSET $2", query)
	require.Equal(t, []any{21, 0}, args)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	query, args = timelineQuery(WindowParams{
		Filters: TimelineFilters{From: from, ActorID: 7, Entity: "offer", EntityID: "12", Action: "accept"},
		Offset:  20,
		Limit:   21,
	})
	require.Contains(t, query, "WHERE occurred_at >= $1 AND actor_id = $2 AND entity = $3 AND entity_id = $4 AND action = $5")
	require.Contains(t, query, "LIMIT $6 OFFSET $7")
	require.Equal(t, []any{from, int64(7), "offer", "12", "accept", 21, 20}, args)
}

func TestTimelineHandler(t *testing.T) {
	repo := &stubTimelineRepo{rows: rowsFor(1)}
	r := chi.NewRouter()
	NewHandler(NewService(repo)).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?entity=invoice&entity_id=0&from=2026-03-01&actor_id=7&page_size=5", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"entity":"invoice"`)
	require.Equal(t, int64(7), repo.last.Filters.ActorID)
	require.Equal(t, "0", repo.last.Filters.EntityID)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), repo.last.Filters.From)

	for _, target := range []string{"/audit?from=yesterday", "/audit?page=x", "/audit?actor_id=me", "/audit?from=2026-03-02&to=2026-03-01"} {
		rr = httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}
