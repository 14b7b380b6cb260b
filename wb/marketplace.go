package wb

import "context"

// Office is one Wildberries logistics office.
type Office struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// SellerWarehouse is one of the seller's FBS warehouses.
type SellerWarehouse struct {
	ID       int64  `json:"id"`
	OfficeID *int64 `json:"officeId"`
	Name     string `json:"name"`
}

// Offices lists the marketplace logistics offices.
func (c *Client) Offices(ctx context.Context) ([]Office, error) {
	var out []Office
	if err := c.getJSON(ctx, nil, c.MarketplaceHost+"/api/v3/offices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Warehouses lists the seller's FBS warehouses.
func (c *Client) Warehouses(ctx context.Context) ([]SellerWarehouse, error) {
	var out []SellerWarehouse
	if err := c.getJSON(ctx, nil, c.MarketplaceHost+"/api/v3/warehouses", &out); err != nil {
		return nil, err
	}
	return out, nil
}
