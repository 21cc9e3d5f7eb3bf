package notion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBoardOpen(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	opened := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		if req.Parent.DatabaseID != notionapi.DatabaseID("db-rem") {
			return false
		}
		status, ok := req.Properties[PropStatus].(notionapi.StatusProperty)
		if !ok || status.Status.Name != StatusOpen {
			return false
		}
		kind, ok := req.Properties[PropKind].(notionapi.SelectProperty)
		if !ok || kind.Select.Name != "validation" {
			return false
		}
		codes, ok := req.Properties[PropCodes].(notionapi.MultiSelectProperty)
		return ok && len(codes.MultiSelect) == 2 && codes.MultiSelect[0].Name == "CLOCK_IN_OUTSIDE_GEOFENCE"
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	id, err := NewBoard(mc, "db-rem").Open(ctx, Task{
		Title:    "Visit visit-1: validation",
		Kind:     "validation",
		OrgID:    "org-1",
		RecordID: "visit-1",
		Codes:    []string{"CLOCK_IN_OUTSIDE_GEOFENCE", "MISSING_SERVICE_CODE"},
		Detail:   "clock-in 500 m from client address",
		OpenedAt: opened,
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1", id)
	mc.AssertExpectations(t)
}

func TestBoardOpen_Error(t *testing.T) {
	mc := new(MockClient)
	mc.On("CreatePage", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	_, err := NewBoard(mc, "db-rem").Open(context.Background(), Task{RecordID: "visit-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: open task for visit-1")
}

func TestBoardResolveAndUpdate(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("UpdatePage", ctx, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		s, ok := req.Properties[PropStatus].(notionapi.StatusProperty)
		return ok && s.Status.Name == StatusResolved
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()
	mc.On("UpdatePage", ctx, "page-2", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		_, hasCodes := req.Properties[PropCodes]
		_, hasStatus := req.Properties[PropStatus]
		return hasCodes && !hasStatus
	})).Return(&notionapi.Page{ID: "page-2"}, nil).Once()

	b := NewBoard(mc, "db-rem")
	require.NoError(t, b.Resolve(ctx, "page-1"))
	require.NoError(t, b.Update(ctx, "page-2", []string{"E101"}, "unknown employee"))
	mc.AssertExpectations(t)
}

func TestBoardListOpen(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-rem", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == PropStatus && pf.Status != nil && pf.Status.Equals == StatusOpen && req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-abc"),
	}, nil).Once()
	mc.On("QueryDatabase", ctx, "db-rem", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == PropStatus && req.StartCursor == notionapi.Cursor("cursor-abc")
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p2"}},
	}, nil).Once()

	pages, err := NewBoard(mc, "db-rem").ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("p2"), pages[1].ID)
	mc.AssertExpectations(t)
}

func TestQueryAll_ContextCancelled(t *testing.T) {
	mc := new(MockClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	mc.AssertNotCalled(t, "QueryDatabase", mock.Anything, mock.Anything, mock.Anything)
}

func TestRichTextTruncates(t *testing.T) {
	p := richText(strings.Repeat("x", 2500))
	assert.Len(t, p.RichText[0].Text.Content, maxRichText)
}

func TestMultiSelectStripsCommas(t *testing.T) {
	p := multiSelect([]string{"a,b"})
	assert.Equal(t, "a b", p.MultiSelect[0].Name)
}
