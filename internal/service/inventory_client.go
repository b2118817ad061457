package service

import (
	"context"
	"errors"
	"fmt"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"go.uber.org/zap"
)

// ProductRepository is the durable catalog the inventory client reads
type ProductRepository interface {
	GetProductBySKU(ctx context.Context, sku string) (*models.Product, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// StockCache is the fast-path availability lookup
type StockCache interface {
	GetStock(ctx context.Context, productID int64) (int, error)
	SetStock(ctx context.Context, productID int64, available int) error
}

// InventoryClient answers "is sku X available in quantity Y, and at what price"
type InventoryClient struct {
	products ProductRepository
	stock    StockCache
	logger   *zap.Logger
}

// NewInventoryClient creates a new inventory client; stock may be nil
func NewInventoryClient(products ProductRepository, stock StockCache) *InventoryClient {
	return &InventoryClient{
		products: products,
		stock:    stock,
		logger:   util.GetLogger(),
	}
}

// Quote snapshots the current price of sku if quantity is available
func (ic *InventoryClient) Quote(ctx context.Context, sku string, quantity int) (models.LineItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Quote")
	defer span.End()

	product, err := ic.products.GetProductBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.LineItem{}, fmt.Errorf("%w: %s", models.ErrUnknownSKU, sku)
		}
		return models.LineItem{}, err
	}

	available, err := ic.available(ctx, product.ID)
	if err != nil {
		return models.LineItem{}, err
	}
	if available < quantity {
		return models.LineItem{}, fmt.Errorf("%w: %s available=%d requested=%d",
			models.ErrInsufficientStock, sku, available, quantity)
	}

	return models.LineItem{
		SKU:       product.SKU,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: product.Price,
	}, nil
}

// available reads stock from the cache, falling back to the database
func (ic *InventoryClient) available(ctx context.Context, productID int64) (int, error) {
	if ic.stock != nil {
		n, err := ic.stock.GetStock(ctx, productID)
		if err == nil {
			return n, nil
		}
		ic.logger.Debug("Stock cache miss, falling back to DB",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}

	inv, err := ic.products.GetInventory(ctx, productID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return inv.Available, nil
}

// SyncInventoryToRedis warms the stock cache from the database
func (ic *InventoryClient) SyncInventoryToRedis(ctx context.Context) error {
	if ic.stock == nil {
		return nil
	}
	ic.logger.Info("Starting inventory sync to Redis")

	products, err := ic.products.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		inv, err := ic.products.GetInventory(ctx, product.ID)
		if err != nil {
			ic.logger.Error("Failed to get inventory",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}

		if err := ic.stock.SetStock(ctx, product.ID, inv.Available); err != nil {
			ic.logger.Error("Failed to init Redis inventory",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(products)))
	return nil
}
