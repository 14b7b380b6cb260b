package wb

import (
	"context"
	"encoding/json"
)

// DefaultCardPageSize is the Content v2 cursor limit used unless a
// schedule overrides it.
const DefaultCardPageSize = 100

// Card is one Content v2 product card. The raw payload is kept
// verbatim; only the identity fields the pipeline joins on are typed.
type Card struct {
	NmID       int64           `json:"nmID"`
	ImtID      *int64          `json:"imtID"`
	VendorCode string          `json:"vendorCode"`
	Brand      string          `json:"brand"`
	Title      string          `json:"title"`
	Payload    json.RawMessage `json:"-"`
}

// CardCursor is the Content v2 pagination state. The zero value asks
// for the first page.
type CardCursor struct {
	UpdatedAt string `json:"updatedAt,omitempty"`
	NmID      int64  `json:"nmID,omitempty"`
	Limit     int    `json:"limit"`
}

// CardPage is one page of cards plus the cursor for the next one.
type CardPage struct {
	Cards []Card
	Next  CardCursor
	// Total is the advertised card count, zero when the endpoint omits
	// it.
	Total int
	// Done is set when the page came back smaller than the limit.
	Done bool
}

type cardsListRequest struct {
	Settings struct {
		Cursor CardCursor `json:"cursor"`
		Filter struct {
			WithPhoto int `json:"withPhoto"`
		} `json:"filter"`
	} `json:"settings"`
}

type cardsListResponse struct {
	Cards  []json.RawMessage `json:"cards"`
	Cursor struct {
		UpdatedAt string `json:"updatedAt"`
		NmID      int64  `json:"nmID"`
		Total     int    `json:"total"`
	} `json:"cursor"`
}

// Cards fetches one Content v2 page. Callers loop until Done.
func (c *Client) Cards(ctx context.Context, cursor CardCursor) (*CardPage, error) {
	if cursor.Limit <= 0 {
		cursor.Limit = DefaultCardPageSize
	}
	var req cardsListRequest
	req.Settings.Cursor = cursor
	req.Settings.Filter.WithPhoto = -1

	var resp cardsListResponse
	if err := c.postJSON(ctx, c.contentLimiter, c.ContentHost+"/content/v2/get/cards/list", req, &resp); err != nil {
		return nil, err
	}

	var page = CardPage{
		Next: CardCursor{
			UpdatedAt: resp.Cursor.UpdatedAt,
			NmID:      resp.Cursor.NmID,
			Limit:     cursor.Limit,
		},
		Total: resp.Cursor.Total,
		Done:  len(resp.Cards) < cursor.Limit,
	}
	for _, raw := range resp.Cards {
		var card Card
		if err := json.Unmarshal(raw, &card); err != nil {
			return nil, err
		}
		card.Payload = raw
		page.Cards = append(page.Cards, card)
	}
	return &page, nil
}
