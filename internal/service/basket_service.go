package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/d60-Lab/storefront/internal/basket"
)

// ErrInvalidQuantity 数量必须为正
var ErrInvalidQuantity = basket.ErrInvalidQuantity

// ProductLookup 购物车加购时查询商品（catalog HTTP client）
type ProductLookup interface {
	GetProduct(ctx context.Context, productID int64) (*basket.Product, error)
}

// BasketService 购物车读写
type BasketService interface {
	Get(ctx context.Context, owner string) (*basket.Basket, error)
	AddItem(ctx context.Context, owner string, productID int64, quantity int) (*basket.Basket, error)
	RemoveItem(ctx context.Context, owner string, productID int64) (*basket.Basket, error)
	Checkout(ctx context.Context, owner string) error
}

type basketService struct {
	store   *basket.Store
	catalog ProductLookup
}

func NewBasketService(store *basket.Store, catalog ProductLookup) BasketService {
	return &basketService{store: store, catalog: catalog}
}

func (s *basketService) Get(ctx context.Context, owner string) (*basket.Basket, error) {
	return s.store.Get(ctx, owner)
}

// AddItem 以商品当前价格加购，priceVersion 取商品最近一次调价时间
func (s *basketService) AddItem(ctx context.Context, owner string, productID int64, quantity int) (*basket.Basket, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	p, err := s.catalog.GetProduct(ctx, productID)
	if errors.Is(err, basket.ErrUnknownProduct) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup product %d: %w", productID, err)
	}
	return s.store.AddItem(ctx, owner, basket.Item{
		ProductID:    p.ID,
		ProductName:  p.Name,
		ImageURL:     p.ImageURL,
		Quantity:     quantity,
		UnitPrice:    p.Price,
		PriceVersion: p.PriceUpdatedAt,
	})
}

func (s *basketService) RemoveItem(ctx context.Context, owner string, productID int64) (*basket.Basket, error) {
	return s.store.RemoveItem(ctx, owner, productID)
}

func (s *basketService) Checkout(ctx context.Context, owner string) error {
	return s.store.Delete(ctx, owner)
}
