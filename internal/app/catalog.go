package app

import (
	"encoding/json"
	"fmt"
	"os"

	"topup/internal/lifecycle"
)

// loadCatalog reads a JSON array of listings into an in-memory catalog. An
// empty path yields an empty catalog.
func loadCatalog(path string) (*lifecycle.MemoryCatalog, error) {
	c := lifecycle.NewMemoryCatalog()
	if path == "" {
		return c, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var listings []lifecycle.Listing
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for _, l := range listings {
		c.AddProduct(l.Product)
		for _, t := range l.Tiers {
			if t.ProductID == 0 {
				t.ProductID = l.Product.ID
			}
			c.AddTier(t)
		}
	}
	return c, nil
}
