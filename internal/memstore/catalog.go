package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-reconciler/internal/models"
)

// Catalog is an in-memory product repository
type Catalog struct {
	mu        sync.RWMutex
	bySKU     map[string]*models.Product
	inventory map[int64]models.Inventory
	seq       int64
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		bySKU:     make(map[string]*models.Product),
		inventory: make(map[int64]models.Inventory),
	}
}

// AddProduct inserts or reprices a product and sets its stock
func (c *Catalog) AddProduct(sku, name string, price int64, available int) *models.Product {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	p, ok := c.bySKU[sku]
	if !ok {
		c.seq++
		p = &models.Product{ID: c.seq, SKU: sku, CreatedAt: now}
		c.bySKU[sku] = p
	}
	p.Name = name
	p.Price = price
	c.inventory[p.ID] = models.Inventory{ProductID: p.ID, Available: available, UpdatedAt: now}

	cp := *p
	return &cp
}

func (c *Catalog) GetProductBySKU(ctx context.Context, sku string) (*models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.bySKU[sku]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", models.ErrNotFound, sku)
	}
	cp := *p
	return &cp, nil
}

func (c *Catalog) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inv, ok := c.inventory[productID]
	if !ok {
		return nil, fmt.Errorf("%w: inventory for product %d", models.ErrNotFound, productID)
	}
	return &inv, nil
}

func (c *Catalog) GetProducts(ctx context.Context) ([]models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	products := make([]models.Product, 0, len(c.bySKU))
	for _, p := range c.bySKU {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}
