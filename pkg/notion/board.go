package notion

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Board property names. The remediation database must define these columns.
const (
	PropTitle    = "Name"
	PropStatus   = "Status"
	PropKind     = "Kind"
	PropOrg      = "Organization"
	PropRecord   = "Record"
	PropCodes    = "Codes"
	PropDetail   = "Detail"
	PropOpenedAt = "Opened"
)

// Board statuses.
const (
	StatusOpen     = "Open"
	StatusResolved = "Resolved"
)

// Task is one remediation card.
type Task struct {
	Title    string
	Kind     string
	OrgID    string
	RecordID string
	Codes    []string
	Detail   string
	OpenedAt time.Time
}

// Board is a Notion database of remediation tasks.
type Board struct {
	client Client
	dbID   string
}

// NewBoard binds c to the remediation database dbID.
func NewBoard(c Client, dbID string) *Board {
	return &Board{client: c, dbID: dbID}
}

// Open creates a card for t and returns the page ID.
func (b *Board) Open(ctx context.Context, t Task) (string, error) {
	page, err := b.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(b.dbID),
		},
		Properties: taskProperties(t),
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: open task for %s", t.RecordID)
	}
	return string(page.ID), nil
}

// Update rewrites the card's codes and detail, e.g. after a record fails
// again for a different reason.
func (b *Board) Update(ctx context.Context, pageID string, codes []string, detail string) error {
	props := notionapi.Properties{
		PropCodes:  multiSelect(codes),
		PropDetail: richText(detail),
	}
	if _, err := b.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		return eris.Wrapf(err, "notion: update task %s", pageID)
	}
	return nil
}

// Resolve marks the card resolved.
func (b *Board) Resolve(ctx context.Context, pageID string) error {
	props := notionapi.Properties{
		PropStatus: notionapi.StatusProperty{Status: notionapi.Status{Name: StatusResolved}},
	}
	if _, err := b.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		return eris.Wrapf(err, "notion: resolve task %s", pageID)
	}
	return nil
}

// ListOpen returns all open cards.
func (b *Board) ListOpen(ctx context.Context) ([]notionapi.Page, error) {
	pages, err := QueryAll(ctx, b.client, b.dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropStatus,
			Status:   &notionapi.StatusFilterCondition{Equals: StatusOpen},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notion: list open tasks")
	}
	return pages, nil
}

// QueryAll fetches every page of a database query, following cursors.
func QueryAll(ctx context.Context, c Client, dbID string, query *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	req := &notionapi.DatabaseQueryRequest{}
	if query != nil {
		req.Filter = query.Filter
		req.Sorts = query.Sorts
		req.PageSize = query.PageSize
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "notion: query all")
		}
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}
		all = append(all, resp.Results...)
		if !resp.HasMore {
			return all, nil
		}
		next := *req
		next.StartCursor = resp.NextCursor
		req = &next
	}
}

func taskProperties(t Task) notionapi.Properties {
	opened := t.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	date := notionapi.Date(opened.UTC())
	return notionapi.Properties{
		PropTitle: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: t.Title}}},
		},
		PropStatus: notionapi.StatusProperty{Status: notionapi.Status{Name: StatusOpen}},
		PropKind:   notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: t.Kind}},
		PropOrg:    richText(t.OrgID),
		PropRecord: richText(t.RecordID),
		PropCodes:  multiSelect(t.Codes),
		PropDetail: richText(t.Detail),
		PropOpenedAt: notionapi.DateProperty{
			Type: notionapi.PropertyTypeDate,
			Date: &notionapi.DateObject{Start: &date},
		},
	}
}

// Notion caps a rich text run at 2000 characters.
const maxRichText = 2000

func richText(s string) notionapi.RichTextProperty {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxRichText {
		s = string(r[:maxRichText])
	}
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}},
	}
}

func multiSelect(values []string) notionapi.MultiSelectProperty {
	opts := make([]notionapi.Option, 0, len(values))
	for _, v := range values {
		// Commas are not allowed in select option names.
		opts = append(opts, notionapi.Option{Name: strings.ReplaceAll(v, ",", " ")})
	}
	return notionapi.MultiSelectProperty{Type: notionapi.PropertyTypeMultiSelect, MultiSelect: opts}
}
