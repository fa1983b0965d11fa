package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/model"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/pkg/logger"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidProduct  = errors.New("invalid product")
)

// ProductInput 创建 / 更新商品的入参
type ProductInput struct {
	Name        string
	Description string
	ImageURL    *string
	Price       decimal.Decimal
}

func (in ProductInput) validate() error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidProduct)
	}
	if in.Price.IsNegative() {
		return fmt.Errorf("%w: price must be >= 0", ErrInvalidProduct)
	}
	return nil
}

// Notifier 提交后唤醒 outbox relay
type Notifier interface {
	Trigger()
}

// CatalogService 商品目录服务
type CatalogService interface {
	List(ctx context.Context, page, pageSize int) ([]*model.Product, int64, error)
	Get(ctx context.Context, id int64) (*model.Product, error)
	Create(ctx context.Context, in ProductInput) (*model.Product, error)
	// Update 价格变化时在同一事务里写入 outbox
	Update(ctx context.Context, id int64, in ProductInput) (*model.Product, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, query string, limit int) ([]*model.Product, error)
}

type catalogService struct {
	db       *gorm.DB
	products repository.ProductRepository
	outbox   repository.OutboxRepository
	notifier Notifier
	now      func() time.Time
}

// CatalogOption 可选项
type CatalogOption func(*catalogService)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) CatalogOption {
	return func(s *catalogService) { s.now = now }
}

func NewCatalogService(db *gorm.DB, products repository.ProductRepository, outbox repository.OutboxRepository, notifier Notifier, opts ...CatalogOption) CatalogService {
	s := &catalogService{db: db, products: products, outbox: outbox, notifier: notifier, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *catalogService) List(ctx context.Context, page, pageSize int) ([]*model.Product, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return s.products.List(ctx, (page-1)*pageSize, pageSize)
}

func (s *catalogService) Get(ctx context.Context, id int64) (*model.Product, error) {
	p, err := s.products.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrProductNotFound
	}
	return p, err
}

func (s *catalogService) Create(ctx context.Context, in ProductInput) (*model.Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	p := &model.Product{
		Name:           in.Name,
		Description:    in.Description,
		ImageURL:       in.ImageURL,
		Price:          in.Price,
		PriceUpdatedAt: s.clock(),
	}
	if err := s.products.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *catalogService) Update(ctx context.Context, id int64, in ProductInput) (*model.Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		updated *model.Product
		staged  *event.PriceChangeEvent
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.products.LockByID(ctx, tx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProductNotFound
		}
		if err != nil {
			return err
		}

		oldPrice := p.Price
		p.Name = in.Name
		p.Description = in.Description
		p.ImageURL = in.ImageURL

		priceChanged := !in.Price.Equal(oldPrice)
		if priceChanged {
			p.Price = in.Price
			p.PriceUpdatedAt = nextVersion(p.PriceUpdatedAt, s.clock())
		}
		if err := s.products.Save(ctx, tx, p); err != nil {
			return err
		}

		if priceChanged {
			ev := event.NewPriceChanged(event.ProductSnapshot{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				ImageURL:    p.ImageURL,
				Price:       p.Price,
			}, &oldPrice, p.PriceUpdatedAt)
			// outbox 写失败则整个事务回滚，价格不会单独提交
			if err := s.outbox.Stage(ctx, tx, ev); err != nil {
				return err
			}
			staged = &ev
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if staged != nil {
		logger.Info("price change staged",
			zap.String("event_id", staged.EventID),
			zap.Int64("product_id", staged.ProductID),
			zap.String("price", staged.Price.String()))
		if s.notifier != nil {
			s.notifier.Trigger()
		}
	}
	return updated, nil
}

func (s *catalogService) Delete(ctx context.Context, id int64) error {
	err := s.products.Delete(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrProductNotFound
	}
	return err
}

func (s *catalogService) Search(ctx context.Context, query string, limit int) ([]*model.Product, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.products.Search(ctx, query, limit)
}

func (s *catalogService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// nextVersion 同一商品的 occurredAt 严格递增（时钟没走时 +1µs）
func nextVersion(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}
